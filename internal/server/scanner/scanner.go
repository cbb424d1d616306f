// Package scanner submits files to an antivirus engine.
//
// Engines are tried in order until one produces a verdict. A scan never
// returns an error: when every engine fails the outcome is StatusError and
// the caller decides what that means for the upload.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status is the outcome of a scan.
type Status string

const (
	StatusClean       Status = "CLEAN"
	StatusInfected    Status = "INFECTED"
	StatusError       Status = "ERROR"
	StatusUnsupported Status = "UNSUPPORTED"
)

// Verdict reports whether the status is a definitive clean/infected answer.
func (s Status) Verdict() bool {
	return s == StatusClean || s == StatusInfected
}

// Result describes one scan.
type Result struct {
	Status Status
	Engine string
	Threat string
	Detail string
	Cached bool
}

// Engine is a single antivirus backend.
type Engine interface {
	Name() string
	Scan(ctx context.Context, path string) Result
	Ping(ctx context.Context) error
}

var (
	scanOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_scan_outcomes_total",
			Help: "Scan outcomes by engine and status.",
		},
		[]string{"engine", "status"},
	)
	scanCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_scan_cache_hits_total",
		Help: "Scans answered from the in-process result cache.",
	})
	scanCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_scan_cache_misses_total",
		Help: "Scans that had to reach an engine.",
	})
)

// Scanner runs engines with fallback and caches verdicts per object key.
// The cache is local to this process.
type Scanner struct {
	engines []Engine
	cache   *expirable.LRU[string, Result]
	logger  *slog.Logger
}

// New creates a scanner trying engines in the given order.
func New(logger *slog.Logger, cacheSize int, cacheTTL time.Duration, engines ...Engine) *Scanner {
	return &Scanner{
		engines: engines,
		cache:   expirable.NewLRU[string, Result](cacheSize, nil, cacheTTL),
		logger:  logger.With("component", "scanner"),
	}
}

// Scan scans the local file at path. key identifies the file for caching,
// usually its object key; when empty the path is used.
func (s *Scanner) Scan(ctx context.Context, key, path string) Result {
	if key == "" {
		key = path
	}

	if cached, ok := s.cache.Get(key); ok {
		scanCacheHitsTotal.Inc()
		cached.Cached = true
		return cached
	}
	scanCacheMissesTotal.Inc()

	var failures []string
	allUnsupported := true

	for _, engine := range s.engines {
		res := engine.Scan(ctx, path)
		res.Engine = engine.Name()
		scanOutcomesTotal.WithLabelValues(res.Engine, string(res.Status)).Inc()

		if res.Status.Verdict() {
			s.cache.Add(key, res)
			s.logger.Info("scan finished",
				"key", key,
				"engine", res.Engine,
				"status", res.Status,
				"threat", res.Threat,
			)
			return res
		}

		if res.Status != StatusUnsupported {
			allUnsupported = false
		}
		failures = append(failures, res.Engine+": "+res.Detail)
		s.logger.Warn("scan engine gave no verdict, trying next",
			"key", key,
			"engine", res.Engine,
			"status", res.Status,
			"detail", res.Detail,
		)
	}

	status := StatusError
	if allUnsupported && len(s.engines) > 0 {
		status = StatusUnsupported
	}
	detail := strings.Join(failures, "; ")
	if len(s.engines) == 0 {
		detail = "no scan engines configured"
	}

	s.logger.Error("all scan engines failed", "key", key, "status", status, "detail", detail)
	return Result{Status: status, Engine: "none", Detail: detail}
}

// Forget drops the cached verdict for key.
func (s *Scanner) Forget(key string) {
	s.cache.Remove(key)
}

// ClearCache drops every cached verdict.
func (s *Scanner) ClearCache() {
	s.cache.Purge()
	s.logger.Info("scan cache cleared")
}

// CacheLen reports the number of cached verdicts.
func (s *Scanner) CacheLen() int {
	return s.cache.Len()
}

// Ping succeeds if at least one engine is available.
func (s *Scanner) Ping(ctx context.Context) error {
	var errs []error
	for _, engine := range s.engines {
		err := engine.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no scan engines configured")
	}
	return errors.Join(errs...)
}
