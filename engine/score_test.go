package engine

import (
	"encoding/json"
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-4 }

func TestProgress_Clamps(t *testing.T) {
	up := Signpost{BaselineValue: 0, TargetValue: 90, Direction: DirectionIncreasing}
	down := Signpost{BaselineValue: 100, TargetValue: 10, Direction: DirectionDecreasing}

	cases := []struct {
		name string
		sp   Signpost
		in   float64
		want float64
	}{
		{"increasing mid", up, 50, 50.0 / 90.0},
		{"increasing beyond target", up, 500, 1},
		{"increasing below baseline", up, -3, 0},
		{"decreasing mid", down, 55, 0.5},
		{"decreasing beyond target", down, 1, 1},
		{"decreasing worse than baseline", down, 140, 0},
		{"nan", up, math.NaN(), 0},
		{"degenerate span", Signpost{BaselineValue: 5, TargetValue: 5}, 5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Progress(tc.sp, tc.in)
			if got < 0 || got > 1 {
				t.Fatalf("progress out of range: %v", got)
			}
			if !approx(got, tc.want) {
				t.Fatalf("Progress(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestProgress_RangeLawOverSweep(t *testing.T) {
	sps := []Signpost{
		{BaselineValue: 0, TargetValue: 1},
		{BaselineValue: -20, TargetValue: 80},
		{BaselineValue: 1e6, TargetValue: 1e3, Direction: DirectionDecreasing},
	}
	for _, sp := range sps {
		for v := -1e7; v <= 1e7; v += 12345.6 {
			if p := Progress(sp, v); p < 0 || p > 1 {
				t.Fatalf("Progress(%+v, %v) = %v out of [0,1]", sp, v, p)
			}
		}
	}
}

func TestWeightedHarmonicMean_Identity(t *testing.T) {
	got, _ := WeightedHarmonicMean([]HarmonicTerm{{Name: "x", Score: Known(0.37), Weight: 1}})
	v, ok := got.Value()
	if !ok || !approx(v, 0.37) {
		t.Fatalf("expected identity 0.37, got %v ok=%v", v, ok)
	}
}

func TestWeightedHarmonicMean_PenalizesImbalance(t *testing.T) {
	balanced, _ := WeightedHarmonicMean([]HarmonicTerm{
		{Score: Known(0.5), Weight: 1}, {Score: Known(0.5), Weight: 1},
	})
	skewed, _ := WeightedHarmonicMean([]HarmonicTerm{
		{Score: Known(0.9), Weight: 1}, {Score: Known(0.1), Weight: 1},
	})
	bv, _ := balanced.Value()
	sv, _ := skewed.Value()
	if !approx(bv, 0.5) {
		t.Fatalf("balanced = %v", bv)
	}
	if !approx(sv, 0.18) {
		t.Fatalf("skewed = %v, want 0.18", sv)
	}
}

func TestWeightedHarmonicMean_PropagatesInsufficientAtEachPosition(t *testing.T) {
	for pos := 0; pos < 3; pos++ {
		terms := []HarmonicTerm{
			{Name: "combined", Score: Known(0.4), Weight: 0.3},
			{Name: "inputs", Score: Known(0.6), Weight: 0.3},
			{Name: "security", Score: Known(0.2), Weight: 0.4},
		}
		terms[pos].Score = Insufficient(ReasonNoEvidence)
		got, _ := WeightedHarmonicMean(terms)
		if !got.Insufficient() || got.Reason() != ReasonPropagated {
			t.Fatalf("position %d: expected propagated insufficiency, got %+v", pos, got)
		}
	}
}

func TestWeightedHarmonicMean_ZeroValuedTerm(t *testing.T) {
	got, zero := WeightedHarmonicMean([]HarmonicTerm{
		{Name: "combined", Score: Known(0.4), Weight: 1},
		{Name: "security", Score: Known(0), Weight: 1},
	})
	if !got.Insufficient() || got.Reason() != ReasonZeroValued {
		t.Fatalf("expected zero-valued insufficiency, got %+v", got)
	}
	if zero != "security" {
		t.Fatalf("expected zero term security, got %q", zero)
	}
}

func TestGeometricMean(t *testing.T) {
	v, ok := GeometricMean(Known(0.16), Known(0.64)).Value()
	if !ok || !approx(v, 0.32) {
		t.Fatalf("geometric mean = %v ok=%v", v, ok)
	}
	if !GeometricMean(Known(0.5), Insufficient(ReasonNoEvidence)).Insufficient() {
		t.Fatalf("expected insufficient when one side is insufficient")
	}
}

func TestScoreJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Score{"a": Known(0.25), "b": Insufficient(ReasonNoEvidence)})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":0.25,"b":null}` {
		t.Fatalf("unexpected json: %s", b)
	}
	var back map[string]Score
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if v, ok := back["a"].Value(); !ok || v != 0.25 {
		t.Fatalf("roundtrip a = %v %v", v, ok)
	}
	if !back["b"].Insufficient() {
		t.Fatalf("roundtrip b should be insufficient")
	}
}
