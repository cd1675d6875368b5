package engine

import (
	"encoding/json"
	"math"
)

// Reason explains why a score is insufficient.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonNoEvidence Reason = "no_evidence" // no first-class signpost has qualifying evidence
	ReasonZeroWeight Reason = "zero_weight" // evidenced signposts carry no weight
	ReasonPropagated Reason = "propagated"  // an input term was insufficient
	ReasonZeroValued Reason = "zero_valued" // an input term was exactly 0 in the harmonic mean
)

// Score is either a known value or INSUFFICIENT. The zero value is
// insufficient with no reason.
type Score struct {
	value  float64
	known  bool
	reason Reason
}

func Known(v float64) Score { return Score{value: v, known: true} }

func Insufficient(reason Reason) Score { return Score{reason: reason} }

func (s Score) Value() (float64, bool) { return s.value, s.known }

func (s Score) Insufficient() bool { return !s.known }

func (s Score) Reason() Reason { return s.reason }

// Ptr returns nil for insufficient scores, for nullable columns.
func (s Score) Ptr() *float64 {
	if !s.known {
		return nil
	}
	v := s.value
	return &v
}

func scoreFromPtr(p *float64, reason Reason) Score {
	if p == nil {
		return Insufficient(reason)
	}
	return Known(*p)
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.known {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

func (s *Score) UnmarshalJSON(b []byte) error {
	var p *float64
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = scoreFromPtr(p, ReasonNoEvidence)
	return nil
}

// Progress normalizes value against [baseline, target] and clamps to [0,1].
// Catalog validation guarantees the target lies on the side of the baseline
// that Direction points to, so one formula covers both directions. A signpost
// with baseline == target yields 0 rather than dividing by zero.
func Progress(sp Signpost, value float64) float64 {
	span := sp.TargetValue - sp.BaselineValue
	if span == 0 || math.IsNaN(value) {
		return 0
	}
	return clamp01((value - sp.BaselineValue) / span)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type weighted struct {
	value  float64
	weight float64
}

// weightedMean renormalizes weights over the given terms only.
func weightedMean(terms []weighted) Score {
	if len(terms) == 0 {
		return Insufficient(ReasonNoEvidence)
	}
	var sum, wsum float64
	for _, t := range terms {
		sum += t.value * t.weight
		wsum += t.weight
	}
	if wsum <= 0 {
		return Insufficient(ReasonZeroWeight)
	}
	return Known(sum / wsum)
}

// GeometricMean couples two scores without weights.
func GeometricMean(a, b Score) Score {
	av, aok := a.Value()
	bv, bok := b.Value()
	if !aok || !bok {
		return Insufficient(ReasonPropagated)
	}
	return Known(math.Sqrt(av * bv))
}

// HarmonicTerm is one input of WeightedHarmonicMean.
type HarmonicTerm struct {
	Name   string
	Score  Score
	Weight float64
}

// WeightedHarmonicMean computes (Σw) / Σ(w/x). Any insufficient term makes the
// result insufficient (ReasonPropagated); a term equal to 0 makes it
// insufficient with ReasonZeroValued. zeroTerm names the first zero-valued term.
func WeightedHarmonicMean(terms []HarmonicTerm) (result Score, zeroTerm string) {
	if len(terms) == 0 {
		return Insufficient(ReasonNoEvidence), ""
	}
	for _, t := range terms {
		if t.Score.Insufficient() {
			return Insufficient(ReasonPropagated), ""
		}
	}
	var wsum, denom float64
	for _, t := range terms {
		x, _ := t.Score.Value()
		if x == 0 {
			return Insufficient(ReasonZeroValued), t.Name
		}
		wsum += t.Weight
		denom += t.Weight / x
	}
	if wsum <= 0 || denom <= 0 {
		return Insufficient(ReasonZeroWeight), ""
	}
	return Known(wsum / denom), ""
}
