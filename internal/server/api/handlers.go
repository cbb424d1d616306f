package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"intake/internal/server/lifecycle"
	"intake/internal/server/service"
)

// IntakeService is the workflow the handlers drive.
type IntakeService interface {
	RequestUpload(ctx context.Context, in service.RequestInput) (*service.RequestResult, error)
	CompleteUpload(ctx context.Context, id, objectKey string) (*service.CompleteResult, error)
	GetStatus(ctx context.Context, id string) (*service.StatusView, error)
	DeleteUpload(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[lifecycle.Status]int64, error)
	ClearScanCache() int
	AllowedTypes() service.AllowedTypes
}

// HealthCheck is one dependency probed by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains the HTTP handlers for the intake API.
type Handler struct {
	svc    IntakeService
	checks []HealthCheck
	logger *slog.Logger
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc IntakeService, logger *slog.Logger, checks ...HealthCheck) *Handler {
	return &Handler{svc: svc, checks: checks, logger: logger}
}

// envelope is the body of every response.
type envelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    any          `json:"data,omitempty"`
	Errors  []fieldError `json:"errors,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func ok(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

func fail(c echo.Context, status int, message string, errs []fieldError) error {
	return c.JSON(status, envelope{Success: false, Message: message, Errors: errs})
}

type requestUploadBody struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Company     string `json:"company"`
	Description string `json:"description"`
}

// HandleRequestUpload handles POST /uploads/request.
// File metadata comes from the JSON body; X-File-Name, X-File-Type and
// X-File-Size headers override it when present.
func (h *Handler) HandleRequestUpload(c echo.Context) error {
	var body requestUploadBody
	req := c.Request()
	if req.ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return fail(c, http.StatusBadRequest, "request body must be JSON", nil)
		}
	}

	if v := req.Header.Get("X-File-Name"); v != "" {
		body.Filename = v
	}
	if v := req.Header.Get("X-File-Type"); v != "" {
		body.ContentType = v
	}
	if v := req.Header.Get("X-File-Size"); v != "" {
		size, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fail(c, http.StatusBadRequest, "validation failed", []fieldError{
				{Field: "size", Message: "X-File-Size must be an integer"},
			})
		}
		body.Size = size
	}

	result, err := h.svc.RequestUpload(req.Context(), service.RequestInput{
		Filename:     body.Filename,
		ContentType:  body.ContentType,
		Size:         body.Size,
		ContactName:  body.Name,
		ContactEmail: body.Email,
		Company:      body.Company,
		Description:  body.Description,
	})
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return ok(c, http.StatusCreated, "upload slot issued", result)
}

type completeUploadBody struct {
	UploadID  string `json:"upload_id"`
	ObjectKey string `json:"object_key"`
}

// HandleCompleteUpload handles POST /uploads/complete.
func (h *Handler) HandleCompleteUpload(c echo.Context) error {
	var body completeUploadBody
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "request body must be JSON", nil)
	}

	var missing []fieldError
	if body.UploadID == "" {
		missing = append(missing, fieldError{Field: "upload_id", Message: "upload_id is required"})
	}
	if body.ObjectKey == "" {
		missing = append(missing, fieldError{Field: "object_key", Message: "object_key is required"})
	}
	if len(missing) > 0 {
		return fail(c, http.StatusBadRequest, "validation failed", missing)
	}

	result, err := h.svc.CompleteUpload(c.Request().Context(), body.UploadID, body.ObjectKey)
	if err != nil {
		return h.mapServiceError(c, err)
	}

	msg := "upload processed"
	if result.AlreadyCompleted {
		msg = "upload was already completed"
	}
	return ok(c, http.StatusOK, msg, result)
}

// HandleStatus handles GET /uploads/status/:id.
func (h *Handler) HandleStatus(c echo.Context) error {
	view, err := h.svc.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapServiceError(c, err)
	}
	return ok(c, http.StatusOK, "upload status", view)
}

// HandleDelete handles DELETE /uploads/:id.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.DeleteUpload(c.Request().Context(), id); err != nil {
		return h.mapServiceError(c, err)
	}
	return ok(c, http.StatusOK, "upload deleted successfully", echo.Map{"upload_id": id})
}

// HandleAllowedTypes handles GET /uploads/allowed-types.
func (h *Handler) HandleAllowedTypes(c echo.Context) error {
	return ok(c, http.StatusOK, "allowed upload types", h.svc.AllowedTypes())
}

// HandleStats handles GET /uploads/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return h.mapServiceError(c, err)
	}

	var total int64
	byStatus := make(map[string]int64, len(stats))
	for st, n := range stats {
		byStatus[string(st)] = n
		total += n
	}
	return ok(c, http.StatusOK, "upload statistics", echo.Map{
		"total":     total,
		"by_status": byStatus,
	})
}

// HandleClearScanCache handles POST /uploads/scan-cache/clear.
func (h *Handler) HandleClearScanCache(c echo.Context) error {
	n := h.svc.ClearScanCache()
	h.logger.Info("scan cache cleared by operator", "entries", n, "ip", c.RealIP())
	return ok(c, http.StatusOK, "scan cache cleared", echo.Map{"cleared": n})
}

// HandleHealth handles GET /health.
// Returns 503 when any dependency is unreachable.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.checks))
	for _, chk := range h.checks {
		if err := chk.Check(ctx); err != nil {
			status = "degraded"
			deps[chk.Name] = "error: " + err.Error()
			continue
		}
		deps[chk.Name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, envelope{
		Success: status == "healthy",
		Message: status,
		Data:    deps,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func (h *Handler) mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		var errs []fieldError
		for _, ve := range service.ValidationErrors(err) {
			errs = append(errs, fieldError{Field: ve.Field, Message: ve.Reason})
		}
		return fail(c, http.StatusBadRequest, "validation failed", errs)
	case errors.Is(err, service.ErrNotFound):
		return fail(c, http.StatusNotFound, "upload not found", nil)
	case errors.Is(err, service.ErrSecurity):
		return fail(c, http.StatusForbidden, "file failed security checks and has been quarantined", nil)
	case errors.Is(err, service.ErrConflict):
		return fail(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, service.ErrProcessing):
		return fail(c, http.StatusUnprocessableEntity, "file could not be processed", nil)
	default:
		var ie *service.IntegrationError
		if errors.As(err, &ie) {
			h.logger.Error("integration failure",
				"provider", ie.Provider,
				"op", ie.Op,
				"path", c.Path(),
				"error", ie.Err,
			)
		} else {
			h.logger.Error("unhandled service error", "path", c.Path(), "error", err)
		}
		return fail(c, http.StatusInternalServerError, "internal server error", nil)
	}
}
