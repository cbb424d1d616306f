package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"intake/internal/server/config"
	"intake/internal/server/lifecycle"
	"intake/internal/server/service"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) RequestUpload(ctx context.Context, in service.RequestInput) (*service.RequestResult, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*service.RequestResult)
	return res, args.Error(1)
}

func (m *mockService) CompleteUpload(ctx context.Context, id, objectKey string) (*service.CompleteResult, error) {
	args := m.Called(ctx, id, objectKey)
	res, _ := args.Get(0).(*service.CompleteResult)
	return res, args.Error(1)
}

func (m *mockService) GetStatus(ctx context.Context, id string) (*service.StatusView, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*service.StatusView)
	return res, args.Error(1)
}

func (m *mockService) DeleteUpload(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockService) Stats(ctx context.Context) (map[lifecycle.Status]int64, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(map[lifecycle.Status]int64)
	return res, args.Error(1)
}

func (m *mockService) ClearScanCache() int {
	return m.Called().Int(0)
}

func (m *mockService) AllowedTypes() service.AllowedTypes {
	return m.Called().Get(0).(service.AllowedTypes)
}

const operatorToken = "s3cret-operator-token"

func newTestRouter(t *testing.T, svc IntakeService, checks ...HealthCheck) *echo.Echo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		RateLimitRPS:      100,
		RateLimitBurst:    100,
		OperatorTokenHash: string(hash),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, limiter := SetupRouter(NewHandler(svc, logger, checks...), cfg, logger)
	t.Cleanup(limiter.Close)
	return e
}

func do(e *echo.Echo, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestRequestUpload(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		svc := &mockService{}
		svc.On("RequestUpload", mock.Anything, service.RequestInput{
			Filename:     "report.csv",
			ContentType:  "text/csv",
			Size:         2048,
			ContactName:  "Ada",
			ContactEmail: "ada@example.com",
		}).Return(&service.RequestResult{
			UploadID:        "u1",
			ObjectKey:       "uploads/u1/report.csv",
			PresignedURL:    "http://s3.test/bucket",
			PresignedFields: map[string]string{"key": "uploads/u1/report.csv"},
			Status:          lifecycle.StatusPending,
		}, nil)

		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/request",
			`{"filename":"report.csv","content_type":"text/csv","size":2048,"name":"Ada","email":"ada@example.com"}`, nil)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.True(t, env.Success)
		data := env.Data.(map[string]any)
		assert.Equal(t, "u1", data["upload_id"])
		assert.Equal(t, "http://s3.test/bucket", data["presigned_url"])
		assert.Equal(t, "PENDING", data["status"])
		assert.Contains(t, data, "presigned_fields")
		assert.Contains(t, data, "expires_at")
	})

	t.Run("headers override body", func(t *testing.T) {
		svc := &mockService{}
		svc.On("RequestUpload", mock.Anything, mock.MatchedBy(func(in service.RequestInput) bool {
			return in.Filename == "data.json" && in.ContentType == "application/json" && in.Size == 99 && in.ContactName == "Bob"
		})).Return(&service.RequestResult{UploadID: "u2"}, nil)

		rec, _ := do(newTestRouter(t, svc), http.MethodPost, "/uploads/request", `{"filename":"ignored.csv","size":1,"name":"Bob"}`,
			map[string]string{"X-File-Name": "data.json", "X-File-Type": "application/json", "X-File-Size": "99"})

		assert.Equal(t, http.StatusCreated, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("headers only", func(t *testing.T) {
		svc := &mockService{}
		svc.On("RequestUpload", mock.Anything, mock.Anything).Return(&service.RequestResult{UploadID: "u3"}, nil)

		rec, _ := do(newTestRouter(t, svc), http.MethodPost, "/uploads/request", "",
			map[string]string{"X-File-Name": "a.csv", "X-File-Type": "text/csv", "X-File-Size": "10"})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("bad size header", func(t *testing.T) {
		svc := &mockService{}
		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/request", "",
			map[string]string{"X-File-Size": "lots"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.Len(t, env.Errors, 1)
		assert.Equal(t, "size", env.Errors[0].Field)
		svc.AssertNotCalled(t, "RequestUpload", mock.Anything, mock.Anything)
	})

	t.Run("validation errors become field errors", func(t *testing.T) {
		svc := &mockService{}
		svc.On("RequestUpload", mock.Anything, mock.Anything).Return(nil, errors.Join(
			&service.ValidationError{Field: "filename", Reason: "file type .exe is not allowed"},
			&service.ValidationError{Field: "size", Reason: "size must be a positive number of bytes"},
		))

		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/request",
			`{"filename":"malware.exe","content_type":"application/octet-stream","size":0}`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, env.Success)
		assert.Equal(t, "validation failed", env.Message)
		require.Len(t, env.Errors, 2)
		assert.Equal(t, "filename", env.Errors[0].Field)
		assert.Equal(t, "file type .exe is not allowed", env.Errors[0].Message)
	})
}

func TestCompleteUpload(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &mockService{}
		svc.On("CompleteUpload", mock.Anything, "u1", "uploads/u1/a.csv").
			Return(&service.CompleteResult{UploadID: "u1", Status: lifecycle.StatusCompleted}, nil)

		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/complete",
			`{"upload_id":"u1","object_key":"uploads/u1/a.csv"}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "COMPLETED", env.Data.(map[string]any)["status"])
	})

	t.Run("already completed", func(t *testing.T) {
		svc := &mockService{}
		svc.On("CompleteUpload", mock.Anything, "u1", "k").
			Return(&service.CompleteResult{UploadID: "u1", Status: lifecycle.StatusCompleted, AlreadyCompleted: true}, nil)

		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/complete", `{"upload_id":"u1","object_key":"k"}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "upload was already completed", env.Message)
		assert.Equal(t, true, env.Data.(map[string]any)["already_completed"])
	})

	t.Run("missing fields", func(t *testing.T) {
		rec, env := do(newTestRouter(t, &mockService{}), http.MethodPost, "/uploads/complete", `{}`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Len(t, env.Errors, 2)
	})

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown id", service.ErrNotFound, http.StatusNotFound},
		{"quarantined", &service.SecurityError{UploadID: "u1", Threat: "Eicar"}, http.StatusForbidden},
		{"processing", &service.ProcessingError{UploadID: "u1", Reason: "bad csv"}, http.StatusUnprocessableEntity},
		{"integration", &service.IntegrationError{Provider: "antivirus", Op: "scan", Err: errors.New("down")}, http.StatusInternalServerError},
		{"conflict", service.ErrConflict, http.StatusConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("CompleteUpload", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/complete", `{"upload_id":"u1","object_key":"k"}`, nil)

			assert.Equal(t, tt.code, rec.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Message)
			assert.NotContains(t, rec.Body.String(), "down", "provider detail is not leaked")
		})
	}
}

func TestStatus(t *testing.T) {
	svc := &mockService{}
	svc.On("GetStatus", mock.Anything, "u1").Return(&service.StatusView{
		UploadID: "u1",
		Status:   lifecycle.StatusCompleted,
		Analysis: &service.AnalysisView{Summary: "a.csv: 1 data rows"},
	}, nil)
	svc.On("GetStatus", mock.Anything, "nope").Return(nil, service.ErrNotFound)
	e := newTestRouter(t, svc)

	rec, env := do(e, http.MethodGet, "/uploads/status/u1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	assert.Equal(t, "COMPLETED", data["status"])
	assert.Equal(t, "a.csv: 1 data rows", data["analysis"].(map[string]any)["summary"])

	rec, _ = do(e, http.MethodGet, "/uploads/status/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorEndpoints(t *testing.T) {
	auth := map[string]string{"Authorization": "Bearer " + operatorToken}

	t.Run("delete requires token", func(t *testing.T) {
		svc := &mockService{}
		e := newTestRouter(t, svc)

		rec, _ := do(e, http.MethodDelete, "/uploads/u1", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = do(e, http.MethodDelete, "/uploads/u1", "", map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		svc.AssertNotCalled(t, "DeleteUpload", mock.Anything, mock.Anything)
	})

	t.Run("delete with token", func(t *testing.T) {
		svc := &mockService{}
		svc.On("DeleteUpload", mock.Anything, "u1").Return(nil)
		svc.On("DeleteUpload", mock.Anything, "gone").Return(service.ErrNotFound)
		e := newTestRouter(t, svc)

		rec, env := do(e, http.MethodDelete, "/uploads/u1", "", auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, env.Success)

		rec, _ = do(e, http.MethodDelete, "/uploads/gone", "", auth)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("clear scan cache", func(t *testing.T) {
		svc := &mockService{}
		svc.On("ClearScanCache").Return(4)

		rec, env := do(newTestRouter(t, svc), http.MethodPost, "/uploads/scan-cache/clear", "", auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(4), env.Data.(map[string]any)["cleared"])
	})

	t.Run("stats", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Stats", mock.Anything).Return(map[lifecycle.Status]int64{
			lifecycle.StatusPending:   2,
			lifecycle.StatusCompleted: 3,
		}, nil)

		rec, env := do(newTestRouter(t, svc), http.MethodGet, "/uploads/stats", "", auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		data := env.Data.(map[string]any)
		assert.Equal(t, float64(5), data["total"])
		assert.Equal(t, float64(3), data["by_status"].(map[string]any)["COMPLETED"])
	})
}

func TestOperatorAuth_Disabled(t *testing.T) {
	e := echo.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.DELETE("/x", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, OperatorAuth("", logger))

	req := httptest.NewRequest(http.MethodDelete, "/x", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAllowedTypes(t *testing.T) {
	svc := &mockService{}
	svc.On("AllowedTypes").Return(service.AllowedTypes{Extensions: []string{"csv", "pdf"}, MaxSizeMB: 50})

	rec, env := do(newTestRouter(t, svc), http.MethodGet, "/uploads/allowed-types", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := env.Data.(map[string]any)
	assert.Equal(t, float64(50), data["max_size_mb"])
	assert.Equal(t, []any{"csv", "pdf"}, data["allowed_extensions"])
}

func TestHealth(t *testing.T) {
	up := HealthCheck{Name: "database", Check: func(ctx context.Context) error { return nil }}
	down := HealthCheck{Name: "scanner", Check: func(ctx context.Context) error { return errors.New("clamd unreachable") }}

	rec, env := do(newTestRouter(t, &mockService{}, up), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", env.Message)

	rec, env = do(newTestRouter(t, &mockService{}, up, down), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", env.Message)
	assert.Contains(t, env.Data.(map[string]any)["scanner"], "clamd unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestRouter(t, &mockService{})
	do(e, http.MethodGet, "/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_http_requests_total")
}

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := NewRateLimiter(1, 2, logger)
	defer rl.Close()

	e := echo.New()
	e.POST("/uploads/request", func(c echo.Context) error { return c.NoContent(http.StatusCreated) }, rl.Middleware())

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/uploads/request", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, send("10.0.0.1"))
	assert.Equal(t, http.StatusCreated, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusCreated, send("10.0.0.2"), "limits are per client")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.token, token, tt.header)
	}
}
