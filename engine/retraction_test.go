package engine

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetractEvent_RemovesContribution(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.evidence("swe_bench", TierA, day("2025-06-01"), 45)

	p, err := f.eng.Presets().Get("equal")
	require.NoError(t, err)
	before, err := f.eng.Compute(f.ctx, p, day("2025-06-15"))
	require.NoError(t, err)
	require.False(t, before.Categories[CategoryCapabilities].Insufficient())

	res, err := f.eng.RetractEvent(f.ctx, ev.ID, RetractionInput{
		Actor:       "editor@example.org",
		Reason:      "leaderboard entry withdrawn",
		EvidenceURL: "https://example.org/withdrawal",
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadyRetracted)
	assert.Equal(t, f.clock.Now(), res.RetractedAt)

	after, err := f.eng.Compute(f.ctx, p, day("2025-06-15"))
	require.NoError(t, err)
	assert.True(t, after.Categories[CategoryCapabilities].Insufficient())

	stored, err := f.eng.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, stored.Retracted)
	assert.Equal(t, "editor@example.org", stored.RetractedBy)
	assert.Equal(t, "leaderboard entry withdrawn", stored.RetractionReason)
	assert.Equal(t, "https://example.org/withdrawal", stored.RetractionEvidenceURL)

	assert.Equal(t, int64(1), f.count(&RecomputeRequest{}, "event_id = ? AND processed_at IS NULL", ev.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Retractions))
	select {
	case <-f.eng.Wake():
	default:
		t.Fatal("expected a recompute wake-up after commit")
	}
}

func TestRetractEvent_Idempotent(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.evidence("gpqa", TierB, day("2025-06-01"), 50)

	first, err := f.eng.RetractEvent(f.ctx, ev.ID, RetractionInput{Actor: "editor", Reason: "duplicate report"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	second, err := f.eng.RetractEvent(f.ctx, ev.ID, RetractionInput{Actor: "someone-else", Reason: "again"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyRetracted)
	assert.True(t, first.RetractedAt.Equal(second.RetractedAt), "original retraction time is kept")

	assert.Equal(t, int64(1), f.count(&AuditEntry{}, "subject = ? AND action = ?", "event", "retract"))
	assert.Equal(t, int64(1), f.count(&RecomputeRequest{}, "event_id = ?", ev.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Retractions))

	stored, err := f.eng.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "editor", stored.RetractedBy)
}

func TestRetractEvent_Validation(t *testing.T) {
	f := newFixture(t)
	ev := f.event(TierA, day("2025-06-01"))

	cases := []struct {
		name string
		in   RetractionInput
	}{
		{"missing reason", RetractionInput{Actor: "editor"}},
		{"blank reason", RetractionInput{Actor: "editor", Reason: "   "}},
		{"missing actor", RetractionInput{Reason: "wrong"}},
		{"bad evidence url", RetractionInput{Actor: "editor", Reason: "wrong", EvidenceURL: "see slack"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.RetractEvent(f.ctx, ev.ID, tc.in)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	stored, err := f.eng.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Retracted)
	assert.Zero(t, f.count(&RecomputeRequest{}, ""))
	assert.Zero(t, f.count(&AuditEntry{}, "subject = ?", "event"))

	_, err = f.eng.RetractEvent(f.ctx, 4040, RetractionInput{Actor: "editor", Reason: "wrong"})
	require.ErrorIs(t, err, ErrNotFound)
}
