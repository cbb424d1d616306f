package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"intake/internal/server/lifecycle"
)

var (
	ErrUploadNotFound   = errors.New("upload not found")
	ErrAnalysisNotFound = errors.New("analysis result not found")
	ErrStatusConflict   = errors.New("upload status changed concurrently")
	ErrDuplicateKey     = errors.New("object key already registered")
)

const uploadColumns = `
	id, filename, content_type, size, object_key, status,
	contact_name, contact_email, company, description,
	checksum, scan_engine, threat, error_message,
	created_at, updated_at, processed_at`

// Repository provides persistence for upload records and analysis results.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new upload record.
func (r *Repository) Create(ctx context.Context, rec *UploadRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO upload_records (
			id, filename, content_type, size, object_key, status,
			contact_name, contact_email, company, description,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rec.ID,
		rec.Filename,
		rec.ContentType,
		rec.Size,
		rec.ObjectKey,
		string(rec.Status),
		rec.ContactName,
		rec.ContactEmail,
		rec.Company,
		rec.Description,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create upload record: %w", err)
	}
	return nil
}

// GetByID retrieves an upload record by its ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*UploadRecord, error) {
	rec, err := scanUpload(r.db.Pool.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM upload_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload record: %w", err)
	}
	return rec, nil
}

// Transition moves an upload to status `to` if its current status is one of
// the lifecycle sources of `to`. The guard and the write happen in one
// statement, so two callers racing on the same record cannot both win.
func (r *Repository) Transition(ctx context.Context, id string, to lifecycle.Status, upd TransitionUpdate) (*UploadRecord, error) {
	return transition(ctx, r.db.Pool, id, to, upd)
}

// Complete records the analysis result and moves the upload to COMPLETED
// in a single transaction.
func (r *Repository) Complete(ctx context.Context, id string, result *AnalysisResult, processedAt time.Time) (*UploadRecord, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rec, err := transition(ctx, tx, id, lifecycle.StatusCompleted, TransitionUpdate{ProcessedAt: &processedAt})
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO analysis_results (id, upload_id, summary, report_key, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`,
		result.ID,
		result.UploadID,
		result.Summary,
		result.ReportKey,
		result.Details,
		result.CreatedAt,
	).Scan(&result.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}
	return rec, nil
}

// GetAnalysis returns the analysis result attached to an upload.
func (r *Repository) GetAnalysis(ctx context.Context, uploadID string) (*AnalysisResult, error) {
	res := &AnalysisResult{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, upload_id, summary, report_key, details, created_at
		FROM analysis_results WHERE upload_id = $1
	`, uploadID).Scan(
		&res.ID,
		&res.UploadID,
		&res.Summary,
		&res.ReportKey,
		&res.Details,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrAnalysisNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}
	return res, nil
}

// Delete removes an upload record. Its analysis result goes with it (ON DELETE CASCADE).
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM upload_records WHERE id = $1", id)
	if err != nil {
		if isInvalidText(err) {
			return ErrUploadNotFound
		}
		return fmt.Errorf("failed to delete upload record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// ListStale returns records in any of the given statuses whose last update is before cutoff.
func (r *Repository) ListStale(ctx context.Context, statuses []lifecycle.Status, cutoff time.Time) ([]*UploadRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM upload_records
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`,
		statusStrings(statuses), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale uploads: %w", err)
	}
	defer rows.Close()

	var out []*UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale upload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of records per status.
func (r *Repository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM upload_records GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count uploads: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out = append(out, StatusCount{Status: lifecycle.Status(status), Count: count})
	}
	return out, rows.Err()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func transition(ctx context.Context, q querier, id string, to lifecycle.Status, upd TransitionUpdate) (*UploadRecord, error) {
	rec, err := scanUpload(q.QueryRow(ctx, `
		UPDATE upload_records SET
			status        = $2,
			checksum      = COALESCE($3, checksum),
			scan_engine   = COALESCE($4, scan_engine),
			threat        = COALESCE($5, threat),
			error_message = COALESCE($6, error_message),
			processed_at  = COALESCE($7, processed_at),
			updated_at    = NOW()
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+uploadColumns,
		id,
		string(to),
		upd.Checksum,
		upd.ScanEngine,
		upd.Threat,
		upd.ErrorMessage,
		upd.ProcessedAt,
		statusStrings(lifecycle.Sources(to)),
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isInvalidText(err) {
		return nil, fmt.Errorf("failed to transition upload to %s: %w", to, err)
	}

	// Nothing matched: either the record is gone or its status is not a valid source.
	var current string
	err = q.QueryRow(ctx, `SELECT status FROM upload_records WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to read upload status: %w", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrStatusConflict,
		&lifecycle.TransitionError{From: lifecycle.Status(current), To: to})
}

func scanUpload(row pgx.Row) (*UploadRecord, error) {
	rec := &UploadRecord{}
	var status string
	err := row.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.ContentType,
		&rec.Size,
		&rec.ObjectKey,
		&status,
		&rec.ContactName,
		&rec.ContactEmail,
		&rec.Company,
		&rec.Description,
		&rec.Checksum,
		&rec.ScanEngine,
		&rec.Threat,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = lifecycle.Status(status)
	return rec, nil
}

func statusStrings(statuses []lifecycle.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isInvalidText catches malformed UUIDs, which Postgres rejects with 22P02.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
