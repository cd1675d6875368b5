package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ScoringStatus is an injected read of whether the external scoring
// collaborator is currently accepting work (e.g. within its daily budget).
type ScoringStatus interface {
	ScoringAvailable() bool
}

// ScoringStatusFunc adapts a function to ScoringStatus.
type ScoringStatusFunc func() bool

func (f ScoringStatusFunc) ScoringAvailable() bool { return f() }

type Options struct {
	Presets *PresetRegistry
	Metrics *Metrics
	Audit   AuditSink
	Logger  *slog.Logger
	Scoring ScoringStatus
	// AutoApproveMinConfidence enables AutoApprove when > 0.
	AutoApproveMinConfidence float64
	// Now is overridable for tests.
	Now func() time.Time
}

// Engine ties the evidence store, review workflow, preset registry, index
// computation and snapshot store to one database.
type Engine struct {
	db       *gorm.DB
	presets  *PresetRegistry
	metrics  *Metrics
	audit    AuditSink
	log      *slog.Logger
	scoring  ScoringStatus
	autoMin  float64
	now      func() time.Time
	wake     chan struct{}
	liveCalc singleflight.Group
}

func New(db *gorm.DB, opts Options) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if opts.AutoApproveMinConfidence < 0 || opts.AutoApproveMinConfidence > 1 {
		return nil, invalid("auto_approve_min_confidence", "%v outside [0,1]", opts.AutoApproveMinConfidence)
	}
	e := &Engine{
		db:      db,
		presets: opts.Presets,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		log:     opts.Logger,
		scoring: opts.Scoring,
		autoMin: opts.AutoApproveMinConfidence,
		now:     opts.Now,
		wake:    make(chan struct{}, 1),
	}
	if e.presets == nil {
		e.presets = NewPresetRegistry()
	}
	if e.audit == nil {
		e.audit = nopAuditSink{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

func (e *Engine) DB() *gorm.DB { return e.db }

func (e *Engine) Presets() *PresetRegistry { return e.presets }

// Wake delivers a message each time a retraction commits. The recompute
// runner selects on it between polls.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

func (e *Engine) notifyRecompute() {
	select {
	case e.wake <- struct{}{}:
	default:
		// a wake-up is already queued
	}
}

// ScoringAvailable reports the injected scoring status; true when none is
// configured.
func (e *Engine) ScoringAvailable() bool {
	if e.scoring == nil {
		return true
	}
	return e.scoring.ScoringAvailable()
}

// Ping checks the database connection.
func (e *Engine) Ping(ctx context.Context) error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (e *Engine) emit(entries ...AuditEntry) {
	for _, entry := range entries {
		if err := e.audit.Emit(entry); err != nil {
			e.log.Warn("audit forward failed", "subject", entry.Subject, "subject_id", entry.SubjectID, "action", entry.Action, "error", err)
		}
	}
}

// Signposts returns the catalog ordered by category then code.
func (e *Engine) Signposts(ctx context.Context) ([]Signpost, error) {
	var sps []Signpost
	if err := e.db.WithContext(ctx).Order("category asc, code asc").Find(&sps).Error; err != nil {
		return nil, fmt.Errorf("list signposts: %w", err)
	}
	return sps, nil
}
