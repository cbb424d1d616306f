// Package analysis inspects clean uploads and publishes a report for each.
package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"intake/internal/server/objectstore"
)

// ErrUnreadable means the file's content does not match its declared format.
var ErrUnreadable = errors.New("file content is unreadable")

// ErrPublish means the report or processed copy could not be written to
// object storage.
var ErrPublish = errors.New("failed to publish analysis output")

// Publisher is the object store surface the analyzer writes through.
type Publisher interface {
	Put(ctx context.Context, loc objectstore.Location, key string, body io.Reader, size int64, contentType string) error
	Copy(ctx context.Context, from, to objectstore.Location, key string) error
}

// Input identifies the upload being analyzed and its local working copy.
type Input struct {
	UploadID    string
	Filename    string
	ContentType string
	ObjectKey   string
	Path        string
}

// Report is the JSON document stored next to the processed copy.
type Report struct {
	UploadID    string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Format      string    `json:"format"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	Rows        *int      `json:"rows,omitempty"`
	Columns     *int      `json:"columns,omitempty"`
	Lines       *int      `json:"lines,omitempty"`
	Documents   *int      `json:"documents,omitempty"`
	Header      []string  `json:"header,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// Result is what the workflow records for a processed upload.
type Result struct {
	Summary   string
	ReportKey string
	Checksum  string
	Details   json.RawMessage
}

// Analyzer measures a file, writes its report and publishes a processed copy.
type Analyzer struct {
	store  Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer publishing through store.
func NewAnalyzer(store Publisher, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		store:  store,
		logger: logger.With("component", "analyzer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ReportKey is where the report for uploadID is stored in the processed bucket.
func ReportKey(uploadID string) string {
	return "reports/" + uploadID + ".json"
}

// Analyze inspects the working copy, stores the report, and copies the
// source object into the processed bucket.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	report, err := a.inspect(in)
	if err != nil {
		return nil, err
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	key := ReportKey(in.UploadID)
	if err := a.store.Put(ctx, objectstore.LocationProcessed, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return nil, fmt.Errorf("%w: store report: %w", ErrPublish, err)
	}
	if err := a.store.Copy(ctx, objectstore.LocationUpload, objectstore.LocationProcessed, in.ObjectKey); err != nil {
		return nil, fmt.Errorf("%w: copy source: %w", ErrPublish, err)
	}

	a.logger.Info("upload analyzed",
		"upload_id", in.UploadID,
		"format", report.Format,
		"size", report.Size,
		"report_key", key,
	)

	return &Result{
		Summary:   summarize(report),
		ReportKey: key,
		Checksum:  report.Checksum,
		Details:   body,
	}, nil
}

func (a *Analyzer) inspect(in Input) (*Report, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open working copy: %w", err)
	}
	defer f.Close()

	report := &Report{
		UploadID:    in.UploadID,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Format:      formatOf(in.Filename),
		AnalyzedAt:  a.now(),
	}

	hasher := xxhash.New()
	counter := &countingReader{r: io.TeeReader(f, hasher)}

	switch report.Format {
	case "csv":
		err = inspectCSV(counter, report)
	case "json":
		err = inspectJSON(counter, report)
	case "text":
		err = inspectText(counter, report)
	}
	if err != nil {
		return nil, err
	}

	// Drain whatever the format inspector left so size and checksum cover the whole file.
	if _, err := io.Copy(io.Discard, counter); err != nil {
		return nil, fmt.Errorf("failed to read working copy: %w", err)
	}

	report.Size = counter.n
	report.Checksum = fmt.Sprintf("%016x", hasher.Sum64())
	return report, nil
}

func inspectCSV(r io.Reader, report *Report) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		zero := 0
		report.Rows, report.Columns = &zero, &zero
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: csv header: %v", ErrUnreadable, err)
	}
	report.Header = append([]string(nil), header...)
	cols := len(header)

	rows := 0
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: csv row %d: %v", ErrUnreadable, rows+2, err)
		}
		rows++
	}

	report.Rows, report.Columns = &rows, &cols
	return nil
}

func inspectJSON(r io.Reader, report *Report) error {
	dec := json.NewDecoder(r)
	docs := 0
	for {
		var v json.RawMessage
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: json document %d: %v", ErrUnreadable, docs+1, err)
		}
		docs++
	}
	if docs == 0 {
		return fmt.Errorf("%w: empty json", ErrUnreadable)
	}
	report.Documents = &docs
	return nil
}

func inspectText(r io.Reader, report *Report) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	report.Lines = &lines
	return nil
}

func formatOf(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".txt", ".xml":
		return "text"
	default:
		return "binary"
	}
}

func summarize(r *Report) string {
	switch {
	case r.Rows != nil:
		return fmt.Sprintf("%s: %d data rows, %d columns, %d bytes", r.Filename, *r.Rows, *r.Columns, r.Size)
	case r.Documents != nil:
		return fmt.Sprintf("%s: %d JSON document(s), %d bytes", r.Filename, *r.Documents, r.Size)
	case r.Lines != nil:
		return fmt.Sprintf("%s: %d lines, %d bytes", r.Filename, *r.Lines, r.Size)
	default:
		return fmt.Sprintf("%s: %d bytes", r.Filename, r.Size)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
