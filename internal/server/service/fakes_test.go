package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"intake/internal/server/analysis"
	"intake/internal/server/config"
	"intake/internal/server/database"
	"intake/internal/server/lifecycle"
	"intake/internal/server/notify"
	"intake/internal/server/objectstore"
	"intake/internal/server/scanner"
	"intake/internal/server/storage"
)

// memRepo is an in-memory Repository that enforces the lifecycle the same
// way the Postgres compare-and-swap does.
type memRepo struct {
	mu        sync.Mutex
	recs      map[string]*database.UploadRecord
	analyses  map[string]*database.AnalysisResult
	createErr error
	deleteErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		recs:     make(map[string]*database.UploadRecord),
		analyses: make(map[string]*database.AnalysisResult),
	}
}

func (r *memRepo) Create(ctx context.Context, rec *database.UploadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.recs {
		if existing.ObjectKey == rec.ObjectKey {
			return database.ErrDuplicateKey
		}
	}
	cp := *rec
	r.recs[rec.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*database.UploadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, database.ErrUploadNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) Transition(ctx context.Context, id string, to lifecycle.Status, upd database.TransitionUpdate) (*database.UploadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, to, upd)
}

func (r *memRepo) transitionLocked(id string, to lifecycle.Status, upd database.TransitionUpdate) (*database.UploadRecord, error) {
	rec, ok := r.recs[id]
	if !ok {
		return nil, database.ErrUploadNotFound
	}
	if !lifecycle.CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %w", database.ErrStatusConflict,
			&lifecycle.TransitionError{From: rec.Status, To: to})
	}
	rec.Status = to
	if upd.Checksum != nil {
		rec.Checksum = upd.Checksum
	}
	if upd.ScanEngine != nil {
		rec.ScanEngine = upd.ScanEngine
	}
	if upd.Threat != nil {
		rec.Threat = upd.Threat
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = upd.ErrorMessage
	}
	if upd.ProcessedAt != nil {
		rec.ProcessedAt = upd.ProcessedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (r *memRepo) Complete(ctx context.Context, id string, result *database.AnalysisResult, processedAt time.Time) (*database.UploadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.transitionLocked(id, lifecycle.StatusCompleted, database.TransitionUpdate{ProcessedAt: &processedAt})
	if err != nil {
		return nil, err
	}
	cp := *result
	r.analyses[id] = &cp
	return rec, nil
}

func (r *memRepo) GetAnalysis(ctx context.Context, uploadID string) (*database.AnalysisResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.analyses[uploadID]
	if !ok {
		return nil, database.ErrAnalysisNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.recs[id]; !ok {
		return database.ErrUploadNotFound
	}
	delete(r.recs, id)
	delete(r.analyses, id)
	return nil
}

func (r *memRepo) CountByStatus(ctx context.Context) ([]database.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[lifecycle.Status]int64)
	for _, rec := range r.recs {
		counts[rec.Status]++
	}
	var out []database.StatusCount
	for st, n := range counts {
		out = append(out, database.StatusCount{Status: st, Count: n})
	}
	return out, nil
}

func (r *memRepo) setStatus(id string, st lifecycle.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[id].Status = st
}

func (r *memRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

// memStore is an in-memory object store with one map per bucket.
type memStore struct {
	mu         sync.Mutex
	objects    map[objectstore.Location]map[string][]byte
	presignErr error
	moveErr    error
	copyErr    error
	deleteErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[objectstore.Location]map[string][]byte{
		objectstore.LocationUpload:     {},
		objectstore.LocationProcessed:  {},
		objectstore.LocationQuarantine: {},
	}}
}

func (s *memStore) PresignedPost(ctx context.Context, key, contentType string, maxSize int64) (*objectstore.PresignedPost, error) {
	if s.presignErr != nil {
		return nil, s.presignErr
	}
	return &objectstore.PresignedPost{
		URL:       "http://s3.test/intake-uploads",
		Fields:    map[string]string{"key": key, "Content-Type": contentType},
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}, nil
}

func (s *memStore) Stat(ctx context.Context, loc objectstore.Location, key string) (*objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[loc][key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return &objectstore.ObjectInfo{Size: int64(len(data))}, nil
}

func (s *memStore) Download(ctx context.Context, loc objectstore.Location, key string, w io.Writer) (int64, error) {
	s.mu.Lock()
	data, ok := s.objects[loc][key]
	s.mu.Unlock()
	if !ok {
		return 0, objectstore.ErrObjectNotFound
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (s *memStore) Put(ctx context.Context, loc objectstore.Location, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.put(loc, key, data)
	return nil
}

func (s *memStore) Copy(ctx context.Context, from, to objectstore.Location, key string) error {
	if s.copyErr != nil {
		return s.copyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[from][key]
	if !ok {
		return objectstore.ErrObjectNotFound
	}
	s.objects[to][key] = bytes.Clone(data)
	return nil
}

func (s *memStore) Move(ctx context.Context, from, to objectstore.Location, key string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[from][key]
	if !ok {
		return objectstore.ErrObjectNotFound
	}
	s.objects[to][key] = data
	delete(s.objects[from], key)
	return nil
}

func (s *memStore) Delete(ctx context.Context, loc objectstore.Location, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[loc], key)
	return nil
}

func (s *memStore) put(loc objectstore.Location, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc][key] = data
}

func (s *memStore) has(loc objectstore.Location, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[loc][key]
	return ok
}

type fakeScanner struct {
	result    scanner.Result
	calls     int
	forgotten []string
	cached    int
}

func (f *fakeScanner) Scan(ctx context.Context, key, path string) scanner.Result {
	f.calls++
	res := f.result
	if res.Engine == "" {
		res.Engine = "clamd"
	}
	return res
}

func (f *fakeScanner) Forget(key string) { f.forgotten = append(f.forgotten, key) }
func (f *fakeScanner) ClearCache()       { f.cached = 0 }
func (f *fakeScanner) CacheLen() int     { return f.cached }

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendUploadConfirmation(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockNotifier) SendUploadComplete(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockNotifier) SendUploadFailed(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockNotifier) allowAll() *mockNotifier {
	m.On("SendUploadConfirmation", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SendUploadComplete", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SendUploadFailed", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error) {
	args := m.Called(ctx, in)
	res, _ := args.Get(0).(*analysis.Result)
	return res, args.Error(1)
}

type harness struct {
	svc      *IntakeService
	repo     *memRepo
	store    *memStore
	scanner  *fakeScanner
	notifier *mockNotifier
	ws       *storage.ScratchDir
	wsDir    string
}

func testConfig() *config.Config {
	return &config.Config{
		MaxUploadSize:     50 * 1024 * 1024,
		AllowedExtensions: []string{"csv", "json", "xml", "txt", "pdf", "xlsx", "xls", "docx", "doc", "zip"},
	}
}

// newHarness wires the service to in-memory collaborators and the real
// analyzer. Pass a non-nil analyzer to replace it.
func newHarness(t *testing.T, a Analyzer) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		repo:     newMemRepo(),
		store:    newMemStore(),
		scanner:  &fakeScanner{result: scanner.Result{Status: scanner.StatusClean}},
		notifier: &mockNotifier{},
		wsDir:    t.TempDir(),
	}
	h.ws = storage.NewScratchDir(h.wsDir)
	if a == nil {
		a = analysis.NewAnalyzer(h.store, logger)
	}

	h.svc = NewIntakeService(Dependencies{
		Repo:      h.repo,
		Store:     h.store,
		Scanner:   h.scanner,
		Notifier:  h.notifier,
		Analyzer:  a,
		Workspace: h.ws,
	}, testConfig(), logger)
	return h
}

// requestAndUpload issues a slot and simulates the client POSTing content to it.
func (h *harness) requestAndUpload(t *testing.T, filename, contentType, content string) *RequestResult {
	t.Helper()
	res, err := h.svc.RequestUpload(context.Background(), RequestInput{
		Filename:     filename,
		ContentType:  contentType,
		Size:         int64(len(content)),
		ContactName:  "Ada",
		ContactEmail: "ada@example.com",
	})
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	h.store.put(objectstore.LocationUpload, res.ObjectKey, []byte(content))
	return res
}
