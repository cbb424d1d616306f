package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"intake/internal/server/analysis"
	"intake/internal/server/config"
	"intake/internal/server/database"
	"intake/internal/server/lifecycle"
	"intake/internal/server/notify"
	"intake/internal/server/objectstore"
	"intake/internal/server/scanner"
	"intake/internal/server/storage"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intake_upload_transitions_total",
		Help: "Upload status transitions by target status.",
	},
	[]string{"status"},
)

// Repository persists upload records.
type Repository interface {
	Create(ctx context.Context, rec *database.UploadRecord) error
	GetByID(ctx context.Context, id string) (*database.UploadRecord, error)
	Transition(ctx context.Context, id string, to lifecycle.Status, upd database.TransitionUpdate) (*database.UploadRecord, error)
	Complete(ctx context.Context, id string, result *database.AnalysisResult, processedAt time.Time) (*database.UploadRecord, error)
	GetAnalysis(ctx context.Context, uploadID string) (*database.AnalysisResult, error)
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) ([]database.StatusCount, error)
}

// ObjectStore holds the uploaded bytes.
type ObjectStore interface {
	PresignedPost(ctx context.Context, key, contentType string, maxSize int64) (*objectstore.PresignedPost, error)
	Stat(ctx context.Context, loc objectstore.Location, key string) (*objectstore.ObjectInfo, error)
	Download(ctx context.Context, loc objectstore.Location, key string, w io.Writer) (int64, error)
	Move(ctx context.Context, from, to objectstore.Location, key string) error
	Delete(ctx context.Context, loc objectstore.Location, key string) error
}

// VirusScanner produces a scan outcome for a local file.
type VirusScanner interface {
	Scan(ctx context.Context, key, path string) scanner.Result
	Forget(key string)
	ClearCache()
	CacheLen() int
}

// Notifier emails the client about their upload.
type Notifier interface {
	SendUploadConfirmation(ctx context.Context, msg notify.Message) error
	SendUploadComplete(ctx context.Context, msg notify.Message) error
	SendUploadFailed(ctx context.Context, msg notify.Message) error
}

// Analyzer processes a clean upload.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// Dependencies are the collaborators of the intake workflow.
type Dependencies struct {
	Repo      Repository
	Store     ObjectStore
	Scanner   VirusScanner
	Notifier  Notifier
	Analyzer  Analyzer
	Workspace storage.Workspace
}

// RequestResult is returned when an upload slot is issued.
type RequestResult struct {
	UploadID        string            `json:"upload_id"`
	ObjectKey       string            `json:"object_key"`
	PresignedURL    string            `json:"presigned_url"`
	PresignedFields map[string]string `json:"presigned_fields"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Status          lifecycle.Status  `json:"status"`
}

// CompleteResult is returned by CompleteUpload.
type CompleteResult struct {
	UploadID         string           `json:"upload_id"`
	Status           lifecycle.Status `json:"status"`
	AlreadyCompleted bool             `json:"already_completed"`
}

// AnalysisView is the public part of an analysis result.
type AnalysisView struct {
	Summary   string    `json:"summary"`
	ReportKey string    `json:"report_key"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusView is returned for status queries.
type StatusView struct {
	UploadID    string           `json:"upload_id"`
	Filename    string           `json:"filename"`
	ContentType string           `json:"content_type"`
	Size        int64            `json:"size"`
	Status      lifecycle.Status `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Analysis    *AnalysisView    `json:"analysis,omitempty"`
}

// AllowedTypes describes the static upload policy.
type AllowedTypes struct {
	Extensions   []string            `json:"allowed_extensions"`
	MaxSizeMB    int64               `json:"max_size_mb"`
	ContentTypes map[string][]string `json:"content_types"`
}

// IntakeService runs the upload intake workflow:
// PENDING -> UPLOADED -> SCANNING -> PROCESSING | QUARANTINED -> COMPLETED,
// with FAILED reachable from every non-terminal status.
type IntakeService struct {
	repo     Repository
	store    ObjectStore
	scanner  VirusScanner
	notifier Notifier
	analyzer Analyzer
	ws       storage.Workspace
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewIntakeService creates a new intake service.
func NewIntakeService(deps Dependencies, cfg *config.Config, logger *slog.Logger) *IntakeService {
	return &IntakeService{
		repo:     deps.Repo,
		store:    deps.Store,
		scanner:  deps.Scanner,
		notifier: deps.Notifier,
		analyzer: deps.Analyzer,
		ws:       deps.Workspace,
		cfg:      cfg,
		logger:   logger.With("component", "intake"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestUpload validates the declared file, issues a presigned POST for a
// fresh object key and records the upload as PENDING. On validation failure
// nothing is recorded.
func (s *IntakeService) RequestUpload(ctx context.Context, in RequestInput) (*RequestResult, error) {
	filename, contentType, err := s.validateRequest(in)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	key := objectKey(id, filename)

	// Presign before persisting so a storage failure leaves no orphan record.
	post, err := s.store.PresignedPost(ctx, key, contentType, in.Size)
	if err != nil {
		return nil, &IntegrationError{Provider: "s3", Op: "presign", Err: err}
	}

	now := s.now()
	rec := &database.UploadRecord{
		ID:           id,
		Filename:     filename,
		ContentType:  contentType,
		Size:         in.Size,
		ObjectKey:    key,
		Status:       lifecycle.StatusPending,
		ContactName:  in.ContactName,
		ContactEmail: in.ContactEmail,
		Company:      in.Company,
		Description:  in.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, &IntegrationError{Provider: "postgres", Op: "create upload", Err: err}
	}
	transitionsTotal.WithLabelValues(string(lifecycle.StatusPending)).Inc()

	s.logger.Info("upload requested",
		"upload_id", id,
		"filename", filename,
		"content_type", contentType,
		"size", in.Size,
	)

	return &RequestResult{
		UploadID:        id,
		ObjectKey:       key,
		PresignedURL:    post.URL,
		PresignedFields: post.Fields,
		ExpiresAt:       post.ExpiresAt,
		Status:          lifecycle.StatusPending,
	}, nil
}

// CompleteUpload records that the client finished uploading and runs the
// scan. Calling it again is safe: an UPLOADED record is rescanned because
// the earlier call never reached the scanner, and any later status is
// returned unchanged with AlreadyCompleted set.
func (s *IntakeService) CompleteUpload(ctx context.Context, id, key string) (*CompleteResult, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key != rec.ObjectKey {
		return nil, &ValidationError{Field: "object_key", Reason: "object key does not match the upload"}
	}

	switch rec.Status {
	case lifecycle.StatusPending:
		if _, err := s.store.Stat(ctx, objectstore.LocationUpload, rec.ObjectKey); err != nil {
			if errors.Is(err, objectstore.ErrObjectNotFound) {
				return nil, &ValidationError{Field: "object_key", Reason: "no file has been uploaded for this key"}
			}
			return nil, &IntegrationError{Provider: "s3", Op: "head object", Err: err}
		}

		uploaded, err := s.transition(ctx, rec.ID, lifecycle.StatusUploaded, database.TransitionUpdate{})
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return s.alreadyCompleted(ctx, id)
			}
			return nil, err
		}
		rec = uploaded
		s.notifyBestEffort(ctx, notify.EventConfirmation, rec, "")

	case lifecycle.StatusUploaded:
		s.logger.Info("re-completion of uploaded file, rescanning", "upload_id", id)

	default:
		return &CompleteResult{UploadID: rec.ID, Status: rec.Status, AlreadyCompleted: true}, nil
	}

	// The scan runs to completion even if the client disconnects.
	final, err := s.ScanFile(context.WithoutCancel(ctx), rec.ID)
	if err != nil {
		// A concurrent completion got to the scan first.
		if errors.Is(err, ErrConflict) && final == nil {
			return s.alreadyCompleted(ctx, id)
		}
		return nil, err
	}
	return &CompleteResult{UploadID: final.ID, Status: final.Status}, nil
}

func (s *IntakeService) alreadyCompleted(ctx context.Context, id string) (*CompleteResult, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{UploadID: rec.ID, Status: rec.Status, AlreadyCompleted: true}, nil
}

// ScanFile moves an UPLOADED record to SCANNING, scans a local copy of the
// object and branches: CLEAN continues into processing, INFECTED moves the
// object to quarantine, and an ERROR or UNSUPPORTED outcome fails the upload.
func (s *IntakeService) ScanFile(ctx context.Context, id string) (*database.UploadRecord, error) {
	rec, err := s.transition(ctx, id, lifecycle.StatusScanning, database.TransitionUpdate{})
	if err != nil {
		return nil, err
	}
	defer s.discardWorkingCopy(rec.ID)

	path, checksum, err := s.fetch(ctx, rec)
	if err != nil {
		failed := s.fail(ctx, rec, "could not download file for scanning: "+err.Error())
		return failed, &IntegrationError{Provider: "s3", Op: "download", Err: err}
	}

	res := s.scanner.Scan(ctx, rec.ObjectKey, path)
	engine := res.Engine
	upd := database.TransitionUpdate{Checksum: &checksum, ScanEngine: &engine}

	s.logger.Info("scan outcome",
		"upload_id", rec.ID,
		"status", res.Status,
		"engine", res.Engine,
		"cached", res.Cached,
	)

	switch res.Status {
	case scanner.StatusClean:
		if _, err := s.transition(ctx, rec.ID, lifecycle.StatusProcessing, upd); err != nil {
			return nil, err
		}
		return s.InitiateProcessing(ctx, rec.ID)

	case scanner.StatusInfected:
		return s.quarantine(ctx, rec, res, upd)

	case scanner.StatusUnsupported:
		failed := s.failWith(ctx, rec, upd, "file could not be scanned: "+res.Detail)
		return failed, &ProcessingError{UploadID: rec.ID, Reason: "file type or size is not supported by the scanner"}

	default:
		failed := s.failWith(ctx, rec, upd, "virus scan failed: "+res.Detail)
		return failed, &IntegrationError{Provider: "antivirus", Op: "scan", Err: errors.New(res.Detail)}
	}
}

func (s *IntakeService) quarantine(ctx context.Context, rec *database.UploadRecord, res scanner.Result, upd database.TransitionUpdate) (*database.UploadRecord, error) {
	threat := res.Threat
	upd.Threat = &threat

	if err := s.store.Move(ctx, objectstore.LocationUpload, objectstore.LocationQuarantine, rec.ObjectKey); err != nil {
		s.logger.Error("failed to quarantine infected file",
			"upload_id", rec.ID,
			"threat", threat,
			"error", err,
		)
		failed := s.failWith(ctx, rec, upd, "infected file could not be quarantined: "+err.Error())
		return failed, &IntegrationError{Provider: "s3", Op: "quarantine", Err: err}
	}

	quarantined, err := s.transition(ctx, rec.ID, lifecycle.StatusQuarantined, upd)
	if err != nil {
		return nil, err
	}

	s.logger.Warn("upload quarantined", "upload_id", rec.ID, "threat", threat, "engine", res.Engine)
	s.notifyBestEffort(ctx, notify.EventFailed, quarantined, "the file did not pass our security checks")
	return quarantined, &SecurityError{UploadID: rec.ID, Threat: threat}
}

// InitiateProcessing analyzes a PROCESSING upload, stores the analysis
// result and completes the upload.
func (s *IntakeService) InitiateProcessing(ctx context.Context, id string) (*database.UploadRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != lifecycle.StatusProcessing {
		return nil, fmt.Errorf("%w: %w", ErrConflict,
			&lifecycle.TransitionError{From: rec.Status, To: lifecycle.StatusCompleted})
	}

	path, err := s.ws.GetPath(rec.ID)
	if errors.Is(err, os.ErrNotExist) {
		path, _, err = s.fetch(ctx, rec)
		defer s.discardWorkingCopy(rec.ID)
	}
	if err != nil {
		failed := s.fail(ctx, rec, "could not load file for processing: "+err.Error())
		return failed, &IntegrationError{Provider: "s3", Op: "download", Err: err}
	}

	result, err := s.analyzer.Analyze(ctx, analysis.Input{
		UploadID:    rec.ID,
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		ObjectKey:   rec.ObjectKey,
		Path:        path,
	})
	if err != nil {
		failed := s.fail(ctx, rec, "processing failed: "+err.Error())
		if errors.Is(err, analysis.ErrPublish) {
			return failed, &IntegrationError{Provider: "s3", Op: "publish analysis", Err: err}
		}
		return failed, &ProcessingError{UploadID: rec.ID, Reason: "file could not be processed", Err: err}
	}

	now := s.now()
	completed, err := s.repo.Complete(ctx, rec.ID, &database.AnalysisResult{
		ID:        uuid.NewString(),
		UploadID:  rec.ID,
		Summary:   result.Summary,
		ReportKey: result.ReportKey,
		Details:   result.Details,
		CreatedAt: now,
	}, now)
	if err != nil {
		return nil, s.repoError(err, "complete upload")
	}
	transitionsTotal.WithLabelValues(string(lifecycle.StatusCompleted)).Inc()

	s.logger.Info("upload completed", "upload_id", rec.ID, "report_key", result.ReportKey)
	s.notifyBestEffort(ctx, notify.EventComplete, completed, result.Summary)
	return completed, nil
}

// GetStatus returns the upload's current state and, once completed, its
// analysis summary.
func (s *IntakeService) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		UploadID:    rec.ID,
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		ProcessedAt: rec.ProcessedAt,
		Error:       rec.ErrorMessage,
	}

	if rec.Status == lifecycle.StatusCompleted {
		res, err := s.repo.GetAnalysis(ctx, rec.ID)
		switch {
		case err == nil:
			view.Analysis = &AnalysisView{Summary: res.Summary, ReportKey: res.ReportKey, CreatedAt: res.CreatedAt}
		case errors.Is(err, database.ErrAnalysisNotFound):
		default:
			return nil, &IntegrationError{Provider: "postgres", Op: "get analysis", Err: err}
		}
	}

	return view, nil
}

// DeleteUpload removes the upload's objects and then its record. If an
// object cannot be removed the record is kept so the delete can be repeated.
func (s *IntakeService) DeleteUpload(ctx context.Context, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	for _, obj := range objectsOf(rec) {
		if err := s.store.Delete(ctx, obj.loc, obj.key); err != nil {
			s.logger.Error("failed to delete upload object",
				"upload_id", rec.ID,
				"bucket", obj.loc,
				"key", obj.key,
				"error", err,
			)
			return &IntegrationError{Provider: "s3", Op: "delete " + obj.loc.String() + " object", Err: err}
		}
	}

	s.discardWorkingCopy(rec.ID)
	s.scanner.Forget(rec.ObjectKey)

	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, database.ErrUploadNotFound) {
			return ErrNotFound
		}
		s.logger.Error("objects deleted but record remains", "upload_id", rec.ID, "error", err)
		return &IntegrationError{
			Provider: "postgres",
			Op:       "delete upload",
			Err:      fmt.Errorf("objects already removed, record remains: %w", err),
		}
	}

	s.logger.Info("upload deleted", "upload_id", rec.ID, "status", rec.Status)
	return nil
}

// Stats returns the number of uploads in every status.
func (s *IntakeService) Stats(ctx context.Context) (map[lifecycle.Status]int64, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, &IntegrationError{Provider: "postgres", Op: "count uploads", Err: err}
	}

	out := make(map[lifecycle.Status]int64, len(lifecycle.All))
	for _, st := range lifecycle.All {
		out[st] = 0
	}
	for _, c := range counts {
		out[c.Status] = c.Count
	}
	return out, nil
}

// ClearScanCache drops all cached scan verdicts and reports how many there were.
func (s *IntakeService) ClearScanCache() int {
	n := s.scanner.CacheLen()
	s.scanner.ClearCache()
	return n
}

// AllowedTypes returns the static upload policy.
func (s *IntakeService) AllowedTypes() AllowedTypes {
	types := make(map[string][]string, len(s.cfg.AllowedExtensions))
	for _, ext := range s.cfg.AllowedExtensions {
		if ct, ok := contentTypes[ext]; ok {
			types[ext] = ct
		}
	}
	return AllowedTypes{
		Extensions:   s.cfg.AllowedExtensions,
		MaxSizeMB:    s.cfg.MaxUploadSizeMB(),
		ContentTypes: types,
	}
}

// NotifyFailed sends the failure email for a record failed outside the
// request path, such as by the stale sweeper.
func (s *IntakeService) NotifyFailed(ctx context.Context, rec *database.UploadRecord) {
	transitionsTotal.WithLabelValues(string(lifecycle.StatusFailed)).Inc()
	s.notifyBestEffort(ctx, notify.EventFailed, rec, "processing did not finish in time")
}

func (s *IntakeService) get(ctx context.Context, id string) (*database.UploadRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.repoError(err, "get upload")
	}
	return rec, nil
}

func (s *IntakeService) transition(ctx context.Context, id string, to lifecycle.Status, upd database.TransitionUpdate) (*database.UploadRecord, error) {
	rec, err := s.repo.Transition(ctx, id, to, upd)
	if err != nil {
		return nil, s.repoError(err, "transition to "+string(to))
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Debug("upload transitioned", "upload_id", id, "status", to)
	return rec, nil
}

func (s *IntakeService) repoError(err error, op string) error {
	switch {
	case errors.Is(err, database.ErrUploadNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrStatusConflict):
		var te *lifecycle.TransitionError
		if errors.As(err, &te) {
			return fmt.Errorf("%w: %w", ErrConflict, te)
		}
		return ErrConflict
	default:
		return &IntegrationError{Provider: "postgres", Op: op, Err: err}
	}
}

// fail moves rec to FAILED with reason and notifies the client. It returns
// the updated record, or rec itself if the transition could not be made.
func (s *IntakeService) fail(ctx context.Context, rec *database.UploadRecord, reason string) *database.UploadRecord {
	return s.failWith(ctx, rec, database.TransitionUpdate{}, reason)
}

func (s *IntakeService) failWith(ctx context.Context, rec *database.UploadRecord, upd database.TransitionUpdate, reason string) *database.UploadRecord {
	upd.ErrorMessage = &reason
	failed, err := s.transition(ctx, rec.ID, lifecycle.StatusFailed, upd)
	if err != nil {
		s.logger.Error("failed to mark upload failed",
			"upload_id", rec.ID,
			"reason", reason,
			"error", err,
		)
		return rec
	}

	s.logger.Warn("upload failed", "upload_id", rec.ID, "reason", reason)
	s.notifyBestEffort(ctx, notify.EventFailed, failed, "we were unable to process it")
	return failed
}

// fetch downloads rec's object into the workspace and returns the local
// path and the xxhash checksum of the bytes.
func (s *IntakeService) fetch(ctx context.Context, rec *database.UploadRecord) (string, string, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := s.store.Download(ctx, objectstore.LocationUpload, rec.ObjectKey, pw)
		pw.CloseWithError(err)
	}()

	hasher := xxhash.New()
	if _, err := s.ws.Save(rec.ID, io.TeeReader(pr, hasher)); err != nil {
		pr.CloseWithError(err)
		return "", "", err
	}

	path, err := s.ws.GetPath(rec.ID)
	if err != nil {
		return "", "", err
	}
	return path, fmt.Sprintf("%016x", hasher.Sum64()), nil
}

func (s *IntakeService) discardWorkingCopy(id string) {
	if err := s.ws.Delete(id); err != nil {
		s.logger.Warn("failed to remove working copy", "upload_id", id, "error", err)
	}
}

func (s *IntakeService) notifyBestEffort(ctx context.Context, event notify.Event, rec *database.UploadRecord, detail string) {
	msg := notify.Message{
		ToEmail:  rec.ContactEmail,
		ToName:   rec.ContactName,
		UploadID: rec.ID,
		Filename: rec.Filename,
	}

	var err error
	switch event {
	case notify.EventConfirmation:
		err = s.notifier.SendUploadConfirmation(ctx, msg)
	case notify.EventComplete:
		msg.Summary = detail
		err = s.notifier.SendUploadComplete(ctx, msg)
	case notify.EventFailed:
		msg.Reason = detail
		err = s.notifier.SendUploadFailed(ctx, msg)
	}
	if err != nil {
		s.logger.Warn("notification failed",
			"upload_id", rec.ID,
			"event", event,
			"provider", "sendgrid",
			"error", err,
		)
	}
}

type storedObject struct {
	loc objectstore.Location
	key string
}

// objectsOf lists where rec's bytes may live given its status.
func objectsOf(rec *database.UploadRecord) []storedObject {
	switch rec.Status {
	case lifecycle.StatusQuarantined:
		return []storedObject{{objectstore.LocationQuarantine, rec.ObjectKey}}
	case lifecycle.StatusCompleted, lifecycle.StatusFailed:
		// FAILED during processing may leave a report or copy behind.
		return []storedObject{
			{objectstore.LocationUpload, rec.ObjectKey},
			{objectstore.LocationProcessed, rec.ObjectKey},
			{objectstore.LocationProcessed, analysis.ReportKey(rec.ID)},
		}
	default:
		return []storedObject{{objectstore.LocationUpload, rec.ObjectKey}}
	}
}

func objectKey(id, filename string) string {
	return "uploads/" + id + "/" + filename
}
