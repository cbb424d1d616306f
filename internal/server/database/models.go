package database

import (
	"encoding/json"
	"time"

	"intake/internal/server/lifecycle"
)

// UploadRecord is one file a prospective client intends to submit.
type UploadRecord struct {
	ID           string
	Filename     string
	ContentType  string
	Size         int64
	ObjectKey    string
	Status       lifecycle.Status
	ContactName  string
	ContactEmail string
	Company      string
	Description  string
	Checksum     *string
	ScanEngine   *string
	Threat       *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// AnalysisResult is produced once a clean upload has been processed.
// It is never mutated after creation.
type AnalysisResult struct {
	ID        string
	UploadID  string
	Summary   string
	ReportKey string
	Details   json.RawMessage
	CreatedAt time.Time
}

// TransitionUpdate carries the optional columns written alongside a status change.
// Nil fields are left untouched.
type TransitionUpdate struct {
	Checksum     *string
	ScanEngine   *string
	Threat       *string
	ErrorMessage *string
	ProcessedAt  *time.Time
}

// StatusCount is one row of the per-status aggregate.
type StatusCount struct {
	Status lifecycle.Status
	Count  int64
}
