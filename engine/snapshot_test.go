package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndStore_UpsertsOneRow(t *testing.T) {
	f := newFixture(t)
	f.evidence("swe_bench", TierA, day("2025-06-01"), 45)

	first, err := f.eng.ComputeAndStore(f.ctx, "equal", day("2025-06-15"))
	require.NoError(t, err)
	assert.Equal(t, "2025-06-15", first.AsOfDate)
	assert.Nil(t, first.Overall)
	assert.Equal(t, string(ReasonPropagated), first.OverallReason)

	f.evidence("gpqa", TierA, day("2025-06-02"), 100)
	f.clock.Advance(time.Hour)
	second, err := f.eng.ComputeAndStore(f.ctx, "equal", day("2025-06-15"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.count(&IndexSnapshot{}, "preset = ? AND as_of_date = ?", "equal", "2025-06-15"))
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ComputedAt.After(first.ComputedAt))

	view, err := second.View()
	require.NoError(t, err)
	caps, ok := view.CategoryScores[CategoryCapabilities].Value()
	require.True(t, ok)
	// 0.4*0.5 + 0.6*1.0
	assert.InDelta(t, 0.8, caps, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SnapshotsComputed.WithLabelValues("equal")))
}

func TestComputeAndStore_UnknownPreset(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.ComputeAndStore(f.ctx, "nope", day("2025-06-15"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.count(&IndexSnapshot{}, ""))
}

func TestGetIndex_LiveThenStored(t *testing.T) {
	f := newFixture(t)

	// no evidence at all: a well-formed, fully insufficient answer
	empty, err := f.eng.GetIndex(f.ctx, "ai2027", day("2025-06-15"))
	require.NoError(t, err)
	assert.Equal(t, "live", empty.Source)
	assert.True(t, empty.Insufficient.Overall)
	for _, c := range Categories {
		assert.True(t, empty.Insufficient.Categories[c], c)
	}
	assert.Zero(t, f.count(&IndexSnapshot{}, ""), "live reads are not persisted")

	f.evidence("swe_bench", TierA, day("2025-06-01"), 45)
	f.evidence("gpqa", TierA, day("2025-06-01"), 50)
	f.evidence("osworld", TierA, day("2025-06-01"), 50)
	f.evidence("training_flops", TierA, day("2025-06-01"), 50)
	f.evidence("weights_security", TierA, day("2025-06-01"), 50)

	_, err = f.eng.ComputeAndStore(f.ctx, "ai2027", day("2025-06-15"))
	require.NoError(t, err)
	stored, err := f.eng.GetIndex(f.ctx, "AI2027", day("2025-06-15"))
	require.NoError(t, err)
	assert.Equal(t, "snapshot", stored.Source)
	assert.False(t, stored.Insufficient.Overall)
	overall, ok := stored.Overall.Value()
	require.True(t, ok)
	assert.InDelta(t, 0.5, overall, 1e-9)
	margin, ok := stored.SafetyMargin.Value()
	require.True(t, ok)
	assert.InDelta(t, 0, margin, 1e-9)
}

func TestGetIndex_ConcurrentLiveReads(t *testing.T) {
	f := newFixture(t)
	f.evidence("swe_bench", TierA, day("2025-06-01"), 45)

	var wg sync.WaitGroup
	views := make([]IndexView, 6)
	errs := make([]error, 6)
	for i := range views {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = f.eng.GetIndex(f.ctx, "equal", day("2025-06-15"))
		}(i)
	}
	wg.Wait()
	for i := range views {
		require.NoError(t, errs[i])
		caps, ok := views[i].CategoryScores[CategoryCapabilities].Value()
		require.True(t, ok)
		assert.InDelta(t, 0.5, caps, 1e-9)
	}
}

func TestLiveIndex_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.evidence("swe_bench", TierA, day("2025-06-01"), 45)
	p, err := f.eng.Presets().Get("equal")
	require.NoError(t, err)

	// whoever starts the shared computation may disconnect; waiters still get
	// a result
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	view, err := f.eng.liveIndex(ctx, p, day("2025-06-15"))
	require.NoError(t, err)
	assert.Equal(t, "live", view.Source)
	caps, ok := view.CategoryScores[CategoryCapabilities].Value()
	require.True(t, ok)
	assert.InDelta(t, 0.5, caps, 1e-9)
}

func TestGetCustomIndex(t *testing.T) {
	f := newFixture(t)
	f.evidence("swe_bench", TierA, day("2025-06-01"), 90)
	f.evidence("osworld", TierA, day("2025-06-01"), 100)
	f.evidence("training_flops", TierA, day("2025-06-01"), 50)
	f.evidence("weights_security", TierA, day("2025-06-01"), 25)

	v, err := f.eng.GetCustomIndex(f.ctx, map[Category]float64{
		CategoryCapabilities: 0.5, CategoryInputs: 0.5,
	}, day("2025-06-15"))
	require.NoError(t, err)
	assert.Equal(t, CustomPresetName, v.Preset)
	overall, ok := v.Overall.Value()
	require.True(t, ok)
	// security carries no weight: 1 / (0.5/1 + 0.5/0.5)
	assert.InDelta(t, 1/1.5, overall, 1e-9)

	_, err = f.eng.GetCustomIndex(f.ctx, map[Category]float64{CategoryCapabilities: 0.5}, day("2025-06-15"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.evidence("swe_bench", TierA, day("2025-06-01"), 45)
	for _, d := range []string{"2025-06-12", "2025-06-10", "2025-06-11", "2025-06-20"} {
		_, err := f.eng.ComputeAndStore(f.ctx, "equal", day(d))
		require.NoError(t, err)
	}
	_, err := f.eng.ComputeAndStore(f.ctx, "ai2027", day("2025-06-11"))
	require.NoError(t, err)

	hist, err := f.eng.History(f.ctx, "equal", day("2025-06-10"), day("2025-06-12"))
	require.NoError(t, err)
	dates := make([]string, 0, len(hist))
	for _, v := range hist {
		dates = append(dates, v.AsOfDate)
		assert.Equal(t, "equal", v.Preset)
	}
	assert.Equal(t, []string{"2025-06-10", "2025-06-11", "2025-06-12"}, dates)

	_, err = f.eng.History(f.ctx, "equal", day("2025-06-12"), day("2025-06-10"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestParseAsOfDate(t *testing.T) {
	now := time.Date(2025, 6, 15, 18, 4, 5, 0, time.UTC)
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "2025-06-15", true},
		{"2025-01-02", "2025-01-02", true},
		{"2025-01-02T23:30:00Z", "2025-01-02", true},
		{"2025-01-02T23:30:00-05:00", "2025-01-03", true},
		{"2025-01-02 08:00:00", "2025-01-02", true},
		{"02/01/2025", "", false},
		{"yesterday", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAsOfDate(tc.in, now)
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseAsOfDate(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAsOfDate(%q): %v", tc.in, err)
			continue
		}
		if s := got.Format(dateLayout); s != tc.want {
			t.Errorf("ParseAsOfDate(%q) = %s, want %s", tc.in, s, tc.want)
		}
	}
}
