package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"intake/internal/server/database"
	"intake/internal/server/lifecycle"
)

// StaleRepository is the part of the repository the sweeper needs.
type StaleRepository interface {
	ListStale(ctx context.Context, statuses []lifecycle.Status, cutoff time.Time) ([]*database.UploadRecord, error)
	Transition(ctx context.Context, id string, to lifecycle.Status, upd database.TransitionUpdate) (*database.UploadRecord, error)
}

// SweepPolicy says how long an upload may sit in a non-terminal status.
type SweepPolicy struct {
	Interval           time.Duration
	StalePendingAfter  time.Duration
	StaleScanningAfter time.Duration
}

// Sweeper periodically fails uploads that stopped making progress and
// purges leftover working copies from the scratch workspace.
type Sweeper struct {
	repo     StaleRepository
	ws       Workspace
	policy   SweepPolicy
	onFailed func(ctx context.Context, rec *database.UploadRecord)
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper creates a new sweeper. onFailed, if non-nil, is called for
// every upload the sweeper moves to FAILED.
func NewSweeper(repo StaleRepository, ws Workspace, policy SweepPolicy, onFailed func(context.Context, *database.UploadRecord), logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:     repo,
		ws:       ws,
		policy:   policy,
		onFailed: onFailed,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.policy.Interval)

	go func() {
		ticker := time.NewTicker(s.policy.Interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.logger.Info("sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	pending := s.failStale(ctx,
		[]lifecycle.Status{lifecycle.StatusPending},
		now.Add(-s.policy.StalePendingAfter),
		"upload was never completed")

	stuck := s.failStale(ctx,
		[]lifecycle.Status{lifecycle.StatusUploaded, lifecycle.StatusScanning, lifecycle.StatusProcessing},
		now.Add(-s.policy.StaleScanningAfter),
		"scan or processing did not finish in time")

	purged, err := s.ws.PurgeOlderThan(s.policy.StaleScanningAfter)
	if err != nil {
		s.logger.Error("failed to purge scratch workspace", "error", err)
	}

	s.logger.Info("sweep cycle complete",
		"failed_pending", pending,
		"failed_stuck", stuck,
		"purged_scratch", purged,
	)
}

func (s *Sweeper) failStale(ctx context.Context, statuses []lifecycle.Status, cutoff time.Time, reason string) int {
	stale, err := s.repo.ListStale(ctx, statuses, cutoff)
	if err != nil {
		s.logger.Error("failed to list stale uploads", "statuses", statuses, "error", err)
		return 0
	}

	var failed int
	for _, rec := range stale {
		msg := reason
		updated, err := s.repo.Transition(ctx, rec.ID, lifecycle.StatusFailed, database.TransitionUpdate{ErrorMessage: &msg})
		if err != nil {
			// Progress was made between the list and the update.
			if errors.Is(err, database.ErrStatusConflict) || errors.Is(err, database.ErrUploadNotFound) {
				continue
			}
			s.logger.Error("failed to mark stale upload failed", "upload_id", rec.ID, "error", err)
			continue
		}

		failed++
		s.logger.Warn("stale upload failed",
			"upload_id", rec.ID,
			"from", rec.Status,
			"updated_at", rec.UpdatedAt,
			"reason", reason,
		)
		if s.onFailed != nil {
			s.onFailed(ctx, updated)
		}
	}
	return failed
}
