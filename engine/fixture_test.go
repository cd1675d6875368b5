package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// testClock is a settable clock for engine.Options.Now.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func ptr[T any](v T) *T { return &v }

func testCatalog() []SignpostSpec {
	return []SignpostSpec{
		{Code: "swe_bench", Name: "SWE-bench Verified", Category: "capabilities", Baseline: 0, Target: 90, Unit: "%", Weight: 0.4},
		{Code: "gpqa", Name: "GPQA Diamond", Category: "capabilities", Baseline: 0, Target: 100, Unit: "%", Weight: 0.6},
		{Code: "osworld", Name: "OSWorld", Category: "agents", Baseline: 0, Target: 100, Unit: "%", Weight: 1},
		{Code: "training_flops", Name: "Frontier training compute", Category: "inputs", Baseline: 0, Target: 100, Unit: "index", Weight: 1},
		{Code: "weights_security", Name: "Weights security level", Category: "security", Baseline: 0, Target: 100, Unit: "index", Weight: 1},
		{Code: "hle", Name: "Humanity's Last Exam", Category: "capabilities", Baseline: 0, Target: 100, Unit: "%", Weight: 0, FirstClass: ptr(false)},
	}
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	db        *gorm.DB
	eng       *Engine
	clock     *testClock
	reg       *prometheus.Registry
	metrics   *Metrics
	signposts map[string]Signpost
	seq       int
}

type fixtureOption func(*Options)

func withAutoApprove(threshold float64) fixtureOption {
	return func(o *Options) { o.AutoApproveMinConfidence = threshold }
}

func withAudit(sink AuditSink) fixtureOption {
	return func(o *Options) { o.Audit = sink }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })

	sps, err := BuildCatalog(testCatalog())
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	ctx := context.Background()
	if err := SyncCatalog(ctx, db, sps); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}

	clock := &testClock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	o := Options{
		Metrics: NewMetrics(reg),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	eng, err := New(db, o)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	f := &fixture{t: t, ctx: ctx, db: db, eng: eng, clock: clock, reg: reg, metrics: o.Metrics, signposts: map[string]Signpost{}}
	stored, err := eng.Signposts(ctx)
	if err != nil {
		t.Fatalf("list signposts: %v", err)
	}
	for _, sp := range stored {
		f.signposts[sp.Code] = sp
	}
	return f
}

func (f *fixture) signpostID(code string) uint {
	f.t.Helper()
	sp, ok := f.signposts[code]
	if !ok {
		f.t.Fatalf("unknown signpost %q", code)
	}
	return sp.ID
}

func (f *fixture) event(tier Tier, published time.Time) Event {
	f.t.Helper()
	f.seq++
	ev, created, err := f.eng.IngestEvent(f.ctx, EventInput{
		Title:        fmt.Sprintf("benchmark result %d", f.seq),
		SourceURL:    fmt.Sprintf("https://example.org/results/%d", f.seq),
		PublishedAt:  published,
		EvidenceTier: string(tier),
	})
	if err != nil {
		f.t.Fatalf("ingest event: %v", err)
	}
	if !created {
		f.t.Fatalf("event %d unexpectedly deduplicated", f.seq)
	}
	return ev
}

// propose stores a pending supporting link carrying value on the signpost's
// own scale.
func (f *fixture) propose(ev Event, code string, confidence float64, value float64) EvidenceLink {
	f.t.Helper()
	out, err := f.eng.ProposeLink(f.ctx, CandidateLink{
		EventID:        ev.ID,
		SignpostID:     f.signpostID(code),
		Confidence:     &confidence,
		LinkType:       string(LinkSupports),
		ImpactEstimate: ptr(0.5),
		ObservedValue:  &value,
	})
	if err != nil {
		f.t.Fatalf("propose link: %v", err)
	}
	if out.Discarded || out.Link == nil {
		f.t.Fatalf("link unexpectedly discarded (confidence %v)", confidence)
	}
	return *out.Link
}

// evidence ingests an event and approves one link from it.
func (f *fixture) evidence(code string, tier Tier, published time.Time, value float64) (Event, EvidenceLink) {
	f.t.Helper()
	ev := f.event(tier, published)
	link := f.propose(ev, code, 0.9, value)
	if _, err := f.eng.ApproveLink(f.ctx, link.ID, "reviewer@example.org"); err != nil {
		f.t.Fatalf("approve link %d: %v", link.ID, err)
	}
	return ev, link
}

func (f *fixture) linkStatus(id uint) ReviewStatus {
	f.t.Helper()
	var l EvidenceLink
	if err := f.db.First(&l, id).Error; err != nil {
		f.t.Fatalf("load link %d: %v", id, err)
	}
	return l.ReviewStatus
}

func (f *fixture) count(model any, where string, args ...any) int64 {
	f.t.Helper()
	var n int64
	q := f.db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		f.t.Fatalf("count: %v", err)
	}
	return n
}

func day(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}
