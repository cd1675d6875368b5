package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type RunnerConfig struct {
	// PollInterval bounds how long a request waits when a wake-up is missed.
	PollInterval time.Duration
	// Concurrency caps parallel snapshot recomputes within one request.
	Concurrency int
	// MaxAttempts stops retrying a request that keeps failing. 0 means forever.
	MaxAttempts int
	// AutoApprove runs the auto-approval rule at the start of every pass.
	AutoApprove bool
}

// Runner drains the recompute outbox written by retractions.
type Runner struct {
	cfg RunnerConfig
	eng *Engine
	log *slog.Logger
}

// RunStats summarizes one runner pass.
type RunStats struct {
	Requests     int `json:"requests"`
	Snapshots    int `json:"snapshots"`
	Failed       int `json:"failed"`
	AutoApproved int `json:"auto_approved"`
}

func NewRunner(eng *Engine, cfg RunnerConfig) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts < 0 {
		return nil, invalid("max_attempts", "must not be negative")
	}
	return &Runner{cfg: cfg, eng: eng, log: eng.log.With("component", "recompute")}, nil
}

// Run processes the outbox on every wake-up and poll tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("recompute pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.eng.Wake():
		case <-ticker.C:
		}
	}
}

// RunOnce handles every pending recompute request once. A failing request
// stays pending with its attempt count and last error; the pass continues
// with the next one.
func (r *Runner) RunOnce(ctx context.Context) (RunStats, error) {
	start := time.Now()
	batch := uuid.NewString()
	log := r.log.With("batch", batch)
	var stats RunStats

	if r.cfg.AutoApprove {
		res, err := r.eng.AutoApprove(ctx)
		if err != nil {
			return stats, fmt.Errorf("auto-approve: %w", err)
		}
		stats.AutoApproved = len(res.Approved)
		if len(res.Approved) > 0 || res.Conflicts > 0 {
			log.Info("auto-approve pass", "approved", len(res.Approved), "conflicts", res.Conflicts)
		}
	}

	pending, err := r.pendingRequests(ctx)
	if err != nil {
		return stats, err
	}
	r.eng.metrics.pending(len(pending))
	if len(pending) == 0 {
		return stats, nil
	}
	log.Debug("recompute pass start", "pending", len(pending))

	done := make(map[SnapshotKey]struct{})
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Requests++
		n, err := r.process(ctx, req, done)
		stats.Snapshots += n
		if err != nil {
			stats.Failed++
			r.eng.metrics.recomputeFailed()
			log.Warn("recompute request failed", "request_id", req.ID, "event_id", req.EventID, "attempt", req.Attempts+1, "error", err)
			if markErr := r.markFailed(ctx, req, err); markErr != nil {
				return stats, markErr
			}
			continue
		}
		if err := r.markProcessed(ctx, req); err != nil {
			return stats, err
		}
	}
	r.eng.metrics.pending(stats.Failed)
	log.Info("recompute pass done", "requests", stats.Requests, "snapshots", stats.Snapshots, "failed", stats.Failed, "elapsed", time.Since(start))
	return stats, nil
}

func (r *Runner) pendingRequests(ctx context.Context) ([]RecomputeRequest, error) {
	q := r.eng.db.WithContext(ctx).Where("processed_at IS NULL")
	if r.cfg.MaxAttempts > 0 {
		q = q.Where("attempts < ?", r.cfg.MaxAttempts)
	}
	var reqs []RecomputeRequest
	if err := q.Order("id ASC").Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("list recompute requests: %w", err)
	}
	return reqs, nil
}

// process recomputes every stored snapshot the request's event may have
// influenced. Keys already recomputed earlier in the pass are skipped.
func (r *Runner) process(ctx context.Context, req RecomputeRequest, done map[SnapshotKey]struct{}) (int, error) {
	db := r.eng.db.WithContext(ctx)
	var ev Event
	if err := db.First(&ev, req.EventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// nothing left to recompute against
			return 0, nil
		}
		return 0, fmt.Errorf("load event %d: %w", req.EventID, err)
	}
	keys, err := snapshotsSince(db, ev.PublishedAt)
	if err != nil {
		return 0, err
	}

	todo := keys[:0:0]
	for _, k := range keys {
		if _, ok := done[k]; ok {
			continue
		}
		todo = append(todo, k)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, k := range todo {
		k := k
		g.Go(func() error {
			asOf, err := time.Parse(dateLayout, k.AsOfDate)
			if err != nil {
				return fmt.Errorf("snapshot %s/%s: %w", k.Preset, k.AsOfDate, err)
			}
			_, err = r.eng.ComputeAndStore(gctx, k.Preset, asOf)
			if errors.Is(err, ErrNotFound) {
				r.log.Warn("snapshot preset no longer registered", "preset", k.Preset, "as_of_date", k.AsOfDate)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, k := range todo {
		done[k] = struct{}{}
	}
	r.log.Debug("recompute request processed", "request_id", req.ID, "event_id", req.EventID, "snapshots", len(todo))
	return len(todo), nil
}

func (r *Runner) markProcessed(ctx context.Context, req RecomputeRequest) error {
	now := r.eng.now()
	err := r.eng.db.WithContext(ctx).Model(&RecomputeRequest{}).
		Where("id = ?", req.ID).
		Updates(map[string]any{"processed_at": &now, "attempts": req.Attempts + 1, "last_error": ""}).Error
	if err != nil {
		return fmt.Errorf("mark recompute request %d processed: %w", req.ID, err)
	}
	return nil
}

func (r *Runner) markFailed(ctx context.Context, req RecomputeRequest, cause error) error {
	err := r.eng.db.WithContext(ctx).Model(&RecomputeRequest{}).
		Where("id = ?", req.ID).
		Updates(map[string]any{"attempts": req.Attempts + 1, "last_error": cause.Error()}).Error
	if err != nil {
		return fmt.Errorf("mark recompute request %d failed: %w", req.ID, err)
	}
	return nil
}

// PendingRecomputes counts outbox rows not yet processed.
func (e *Engine) PendingRecomputes(ctx context.Context) (int64, error) {
	var n int64
	if err := e.db.WithContext(ctx).Model(&RecomputeRequest{}).Where("processed_at IS NULL").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count recompute requests: %w", err)
	}
	return n, nil
}
