package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// Term names of the top-level combination.
const (
	TermCombinedCapabilities = "combined_capabilities"
	TermInputs               = "inputs"
	TermSecurity             = "security"
	TermOverall              = "overall"
)

// Qualifies is the evidence gate: only approved, non-retracted, A/B-tier,
// non-contradicting links may set a signpost's current value.
func Qualifies(link EvidenceLink, ev Event) bool {
	return link.ReviewStatus == StatusApproved &&
		!ev.Retracted &&
		ev.EvidenceTier.Scoring() &&
		link.LinkType != LinkContradicts
}

// EvidenceView is a point-in-time read of everything one index computation
// needs: the first-class catalog and each signpost's current value.
type EvidenceView struct {
	Signposts []Signpost
	// Current maps signpost id to its current value. Signposts without
	// qualifying evidence are absent.
	Current map[uint]float64
	// Sources maps signpost id to the link that supplied the current value.
	Sources map[uint]uint
}

type qualifyingRow struct {
	LinkID         uint
	SignpostID     uint
	ObservedValue  *float64
	ImpactEstimate float64
}

// ReadView loads the catalog and the qualifying evidence published before
// cutoff inside a single read transaction, so every category of one result
// sees the same state.
func (e *Engine) ReadView(ctx context.Context, cutoff time.Time) (EvidenceView, error) {
	view := EvidenceView{Current: map[uint]float64{}, Sources: map[uint]uint{}}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("first_class = ?", true).Order("id ASC").Find(&view.Signposts).Error; err != nil {
			return fmt.Errorf("load signposts: %w", err)
		}
		var rows []qualifyingRow
		err := tx.Table("evidence_links").
			Select("evidence_links.id AS link_id, evidence_links.signpost_id, evidence_links.observed_value, evidence_links.impact_estimate").
			Joins("JOIN events ON events.id = evidence_links.event_id").
			Where("evidence_links.review_status = ?", StatusApproved).
			Where("evidence_links.link_type <> ?", LinkContradicts).
			Where("events.retracted = ?", false).
			Where("events.evidence_tier IN ?", []Tier{TierA, TierB}).
			Where("events.published_at < ?", cutoff).
			Order("events.published_at DESC").Order("evidence_links.id DESC").
			Scan(&rows).Error
		if err != nil {
			return fmt.Errorf("load qualifying evidence: %w", err)
		}
		bySignpost := make(map[uint]Signpost, len(view.Signposts))
		for _, sp := range view.Signposts {
			bySignpost[sp.ID] = sp
		}
		for _, r := range rows {
			if _, done := view.Current[r.SignpostID]; done {
				continue // rows are newest first
			}
			sp, ok := bySignpost[r.SignpostID]
			if !ok {
				continue // informational signpost
			}
			view.Current[r.SignpostID] = currentValue(sp, r)
			view.Sources[r.SignpostID] = r.LinkID
		}
		return nil
	})
	if err != nil {
		return EvidenceView{}, err
	}
	return view, nil
}

func currentValue(sp Signpost, r qualifyingRow) float64 {
	switch {
	case sp.CurrentSOTA != nil:
		return *sp.CurrentSOTA
	case r.ObservedValue != nil:
		return *r.ObservedValue
	default:
		return r.ImpactEstimate
	}
}

// SignpostProgress explains one signpost's contribution.
type SignpostProgress struct {
	Code     string   `json:"code"`
	Category Category `json:"category"`
	Weight   float64  `json:"weight"`
	Value    *float64 `json:"value"`
	Progress *float64 `json:"progress"`
	LinkID   uint     `json:"link_id,omitempty"`
}

// IndexResult is the output of one computation.
type IndexResult struct {
	Preset               string             `json:"preset"`
	AsOfDate             string             `json:"as_of_date"`
	Categories           map[Category]Score `json:"category_scores"`
	CombinedCapabilities Score              `json:"combined_capabilities"`
	Overall              Score              `json:"overall"`
	SafetyMargin         Score              `json:"safety_margin"`
	Signposts            []SignpostProgress `json:"signposts,omitempty"`
	// ZeroValuedTerm names the term that made the harmonic mean undefined.
	ZeroValuedTerm string `json:"zero_valued_term,omitempty"`
}

// CategoryScore is the weighted mean of progress over the category's
// first-class signposts that have a current value, with weights renormalized
// over just those signposts.
func CategoryScore(category Category, signposts []Signpost, current map[uint]float64) Score {
	var terms []weighted
	for _, sp := range signposts {
		if sp.Category != category || !sp.FirstClass {
			continue
		}
		v, ok := current[sp.ID]
		if !ok {
			continue
		}
		terms = append(terms, weighted{value: Progress(sp, v), weight: sp.IntraCategoryWeight})
	}
	return weightedMean(terms)
}

// ComputeIndex is a pure function of the preset and an evidence view.
func ComputeIndex(p Preset, view EvidenceView) IndexResult {
	res := IndexResult{Preset: p.Name, Categories: make(map[Category]Score, len(Categories))}
	for _, c := range Categories {
		res.Categories[c] = CategoryScore(c, view.Signposts, view.Current)
	}

	res.CombinedCapabilities = GeometricMean(res.Categories[CategoryCapabilities], res.Categories[CategoryAgents])
	res.Overall, res.ZeroValuedTerm = WeightedHarmonicMean([]HarmonicTerm{
		{Name: TermCombinedCapabilities, Score: res.CombinedCapabilities, Weight: p.Weight(CategoryCapabilities)},
		{Name: TermInputs, Score: res.Categories[CategoryInputs], Weight: p.Weight(CategoryInputs)},
		{Name: TermSecurity, Score: res.Categories[CategorySecurity], Weight: p.Weight(CategorySecurity)},
	})

	sec, secOK := res.Categories[CategorySecurity].Value()
	comb, combOK := res.CombinedCapabilities.Value()
	if secOK && combOK {
		res.SafetyMargin = Known(sec - comb)
	} else {
		res.SafetyMargin = Insufficient(ReasonPropagated)
	}

	res.Signposts = make([]SignpostProgress, 0, len(view.Signposts))
	for _, sp := range view.Signposts {
		if !sp.FirstClass {
			continue
		}
		row := SignpostProgress{Code: sp.Code, Category: sp.Category, Weight: sp.IntraCategoryWeight}
		if v, ok := view.Current[sp.ID]; ok {
			prog := Progress(sp, v)
			row.Value = &v
			row.Progress = &prog
			row.LinkID = view.Sources[sp.ID]
		}
		res.Signposts = append(res.Signposts, row)
	}
	sort.SliceStable(res.Signposts, func(i, j int) bool {
		if res.Signposts[i].Category != res.Signposts[j].Category {
			return res.Signposts[i].Category < res.Signposts[j].Category
		}
		return res.Signposts[i].Code < res.Signposts[j].Code
	})
	return res
}

// Compute reads a consistent view as of the end of asOf (UTC) and computes
// the index for p. Degraded terms are logged at warning level, with zero-valued
// terms reported separately from missing evidence.
func (e *Engine) Compute(ctx context.Context, p Preset, asOf time.Time) (IndexResult, error) {
	start := time.Now()
	day := truncateDay(asOf)
	view, err := e.ReadView(ctx, day.Add(24*time.Hour))
	if err != nil {
		return IndexResult{}, err
	}
	res := ComputeIndex(p, view)
	res.AsOfDate = day.Format(dateLayout)
	e.metrics.observeCompute(time.Since(start).Seconds())
	e.reportDegradation(res)
	return res, nil
}

func (e *Engine) reportDegradation(res IndexResult) {
	for _, c := range Categories {
		s := res.Categories[c]
		if !s.Insufficient() {
			continue
		}
		e.metrics.insufficient(string(c), s.Reason())
		e.log.Warn("category has no qualifying evidence", "preset", res.Preset, "as_of_date", res.AsOfDate, "category", c, "reason", s.Reason())
	}
	if res.Overall.Reason() == ReasonZeroValued {
		e.metrics.insufficient(TermOverall, ReasonZeroValued)
		e.log.Warn("zero-valued category", "preset", res.Preset, "as_of_date", res.AsOfDate, "term", res.ZeroValuedTerm)
	} else if res.Overall.Insufficient() {
		e.metrics.insufficient(TermOverall, res.Overall.Reason())
	}
}
