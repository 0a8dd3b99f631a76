package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/schaermu/tagsyncd/internal/config"
	"github.com/schaermu/tagsyncd/internal/state"
)

// Runner owns the tag state and runs passes one at a time, persisting the
// state after each one.
type Runner struct {
	engine  *Engine
	backend state.Backend
	store   *state.Store
	entries []config.Entry
	logger  *slog.Logger
	persist bool

	passMu stdsync.Mutex // serializes passes and guards store

	triggerMu      stdsync.Mutex // guards triggerRunning and triggerPending
	triggerRunning bool
	triggerPending bool
}

// NewRunner loads the state from backend and prepares passes over entries.
// When dryRun is set the state is never written back.
func NewRunner(engine *Engine, backend state.Backend, entries []config.Entry, logger *slog.Logger, dryRun bool) *Runner {
	store := state.Load(backend, logger)
	logger.Info("loaded tag state", "location", backend.Location(), "repositories", store.Len())

	return &Runner{
		engine:  engine,
		backend: backend,
		store:   store,
		entries: entries,
		logger:  logger,
		persist: !dryRun,
	}
}

// Store returns the in-memory state
func (r *Runner) Store() *state.Store {
	return r.store
}

// RunOnce runs one pass over all entries and persists the state. A
// persistence error is returned and must be treated as fatal.
func (r *Runner) RunOnce(ctx context.Context) (PassSummary, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	summary := r.engine.RunPass(ctx, r.store, r.entries)

	if !r.persist {
		r.logger.Info("dry-run, state not saved")
		return summary, nil
	}
	if err := r.backend.Save(r.store); err != nil {
		return summary, fmt.Errorf("failed to save state: %w", err)
	}
	r.logger.Debug("state saved", "location", r.backend.Location())

	return summary, nil
}

// Run runs passes until ctx is cancelled, waiting interval after each
// completed pass.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			return err
		}

		r.logger.Info("waiting for next pass", "interval", interval.String())
		select {
		case <-ctx.Done():
			r.logger.Info("stopping poll loop")
			return nil
		case <-time.After(interval):
		}
	}
}

// Trigger runs a pass with single-flight semantics. If a triggered pass is
// already in progress, at most one additional run is queued and the call
// returns immediately.
func (r *Runner) Trigger(ctx context.Context) error {
	r.triggerMu.Lock()
	if r.triggerRunning {
		r.triggerPending = true
		r.triggerMu.Unlock()
		r.logger.Info("sync pass already in progress, queuing pending re-run")
		return nil
	}
	r.triggerRunning = true
	r.triggerMu.Unlock()

	for {
		_, err := r.RunOnce(ctx)

		r.triggerMu.Lock()
		if err != nil || !r.triggerPending {
			r.triggerRunning = false
			r.triggerPending = false
			r.triggerMu.Unlock()
			return err
		}
		r.triggerPending = false
		r.triggerMu.Unlock()

		r.logger.Info("re-running sync pass due to pending request")
	}
}
