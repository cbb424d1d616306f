// Package client talks to the intake HTTP API and uploads files to the
// presigned object storage slots it hands out.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FieldError is one field-level validation failure reported by the server.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the intake API.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []FieldError
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("intake api: %d %s", e.StatusCode, e.Message)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("intake api: %d %s (%s)", e.StatusCode, e.Message, strings.Join(parts, "; "))
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []FieldError    `json:"errors"`
}

type UploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Company     string `json:"company,omitempty"`
	Description string `json:"description,omitempty"`
}

// Slot is an issued upload: where to POST the file and the record id.
type Slot struct {
	UploadID        string            `json:"upload_id"`
	ObjectKey       string            `json:"object_key"`
	PresignedURL    string            `json:"presigned_url"`
	PresignedFields map[string]string `json:"presigned_fields"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Status          string            `json:"status"`
}

type Completion struct {
	UploadID         string `json:"upload_id"`
	Status           string `json:"status"`
	AlreadyCompleted bool   `json:"already_completed"`
}

type Analysis struct {
	Summary   string    `json:"summary"`
	ReportKey string    `json:"report_key"`
	CreatedAt time.Time `json:"created_at"`
}

type Status struct {
	UploadID    string     `json:"upload_id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Analysis    *Analysis  `json:"analysis,omitempty"`
}

type AllowedTypes struct {
	Extensions   []string            `json:"allowed_extensions"`
	MaxSizeMB    int64               `json:"max_size_mb"`
	ContentTypes map[string][]string `json:"content_types"`
}

// ByExtension maps every allowed extension to the content types to declare
// for it. Extensions the server does not pin get application/octet-stream.
func (a *AllowedTypes) ByExtension() map[string][]string {
	out := make(map[string][]string, len(a.Extensions))
	for _, ext := range a.Extensions {
		ext = strings.ToLower(ext)
		if cts := a.ContentTypes[ext]; len(cts) > 0 {
			out[ext] = cts
			continue
		}
		out[ext] = []string{"application/octet-stream"}
	}
	return out
}

// Client is an intake API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the operator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) RequestUpload(ctx context.Context, req UploadRequest) (*Slot, error) {
	var slot Slot
	if err := c.do(ctx, http.MethodPost, "/uploads/request", req, &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

func (c *Client) Complete(ctx context.Context, uploadID, objectKey string) (*Completion, error) {
	body := map[string]string{"upload_id": uploadID, "object_key": objectKey}
	var out Completion
	if err := c.do(ctx, http.MethodPost, "/uploads/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, uploadID string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/uploads/status/"+url.PathEscape(uploadID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes an upload. Requires the operator token.
func (c *Client) Delete(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodDelete, "/uploads/"+url.PathEscape(uploadID), nil, nil)
}

func (c *Client) AllowedTypes(ctx context.Context) (*AllowedTypes, error) {
	var out AllowedTypes
	if err := c.do(ctx, http.MethodGet, "/uploads/allowed-types", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message, Errors: env.Errors}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the intake API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
