package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseAsOfDate accepts a calendar date or a timestamp and returns the UTC day
// it falls on. An empty string means today.
func ParseAsOfDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return truncateDay(now), nil
	}
	layouts := []string{
		dateLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return truncateDay(tm), nil
		}
	}
	return time.Time{}, invalid("date", "unsupported date format %q (want YYYY-MM-DD)", s)
}

// InsufficiencyFlags mirrors which parts of an index are unknown.
type InsufficiencyFlags struct {
	Overall      bool              `json:"overall"`
	Categories   map[Category]bool `json:"categories"`
	SafetyMargin bool              `json:"safety_margin"`
}

// IndexView is the caller-facing answer to "what is the index for preset on
// date". It is always well-formed; missing evidence shows up in Insufficient.
type IndexView struct {
	Preset         string             `json:"preset"`
	AsOfDate       string             `json:"as_of_date"`
	Overall        Score              `json:"overall"`
	OverallReason  Reason             `json:"overall_reason,omitempty"`
	CategoryScores map[Category]Score `json:"category_scores"`
	SafetyMargin   Score              `json:"safety_margin"`
	Insufficient   InsufficiencyFlags `json:"insufficient"`
	Source         string             `json:"source"` // snapshot or live
	ComputedAt     time.Time          `json:"computed_at"`
	Signposts      []SignpostProgress `json:"signposts,omitempty"`
}

func newIndexView(preset, date string, cats map[Category]Score, overall, margin Score, source string, at time.Time) IndexView {
	v := IndexView{
		Preset:         preset,
		AsOfDate:       date,
		Overall:        overall,
		OverallReason:  overall.Reason(),
		CategoryScores: make(map[Category]Score, len(Categories)),
		SafetyMargin:   margin,
		Source:         source,
		ComputedAt:     at,
		Insufficient: InsufficiencyFlags{
			Overall:      overall.Insufficient(),
			SafetyMargin: margin.Insufficient(),
			Categories:   make(map[Category]bool, len(Categories)),
		},
	}
	for _, c := range Categories {
		s, ok := cats[c]
		if !ok {
			s = Insufficient(ReasonNoEvidence)
		}
		v.CategoryScores[c] = s
		v.Insufficient.Categories[c] = s.Insufficient()
	}
	return v
}

func viewFromResult(res IndexResult, at time.Time) IndexView {
	v := newIndexView(res.Preset, res.AsOfDate, res.Categories, res.Overall, res.SafetyMargin, "live", at)
	v.Signposts = res.Signposts
	return v
}

// View decodes a stored snapshot.
func (s IndexSnapshot) View() (IndexView, error) {
	cats := map[Category]Score{}
	if len(s.CategoryScores) > 0 {
		if err := json.Unmarshal(s.CategoryScores, &cats); err != nil {
			return IndexView{}, fmt.Errorf("decode category scores for %s/%s: %w", s.Preset, s.AsOfDate, err)
		}
	}
	overall := scoreFromPtr(s.Overall, Reason(s.OverallReason))
	margin := scoreFromPtr(s.SafetyMargin, ReasonPropagated)
	return newIndexView(s.Preset, s.AsOfDate, cats, overall, margin, "snapshot", s.ComputedAt), nil
}

// ComputeAndStore computes the index for a registered preset and upserts it
// keyed on (preset, as_of_date). Repeating it leaves one row carrying the
// latest values.
func (e *Engine) ComputeAndStore(ctx context.Context, presetName string, asOf time.Time) (IndexSnapshot, error) {
	p, err := e.presets.Get(presetName)
	if err != nil {
		return IndexSnapshot{}, err
	}
	res, err := e.Compute(ctx, p, asOf)
	if err != nil {
		return IndexSnapshot{}, err
	}
	cats, err := json.Marshal(res.Categories)
	if err != nil {
		return IndexSnapshot{}, fmt.Errorf("encode category scores: %w", err)
	}
	snap := IndexSnapshot{
		Preset:         p.Name,
		AsOfDate:       res.AsOfDate,
		CategoryScores: datatypes.JSON(cats),
		Overall:        res.Overall.Ptr(),
		OverallReason:  string(res.Overall.Reason()),
		SafetyMargin:   res.SafetyMargin.Ptr(),
		ComputedAt:     e.now(),
	}
	db := e.db.WithContext(ctx)
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "preset"}, {Name: "as_of_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"category_scores",
			"overall",
			"overall_reason",
			"safety_margin",
			"computed_at",
		}),
	}).Create(&snap).Error
	if err != nil {
		return IndexSnapshot{}, fmt.Errorf("upsert snapshot %s/%s: %w", p.Name, res.AsOfDate, err)
	}
	var stored IndexSnapshot
	if err := db.Where("preset = ? AND as_of_date = ?", p.Name, res.AsOfDate).First(&stored).Error; err != nil {
		return IndexSnapshot{}, fmt.Errorf("reload snapshot %s/%s: %w", p.Name, res.AsOfDate, err)
	}
	e.metrics.snapshot(p.Name)
	e.log.Info("snapshot stored", "preset", p.Name, "as_of_date", res.AsOfDate, "overall", res.Overall.Ptr(), "overall_reason", res.Overall.Reason())
	return stored, nil
}

// GetIndex returns the stored snapshot for (preset, date) or, when none
// exists, a live computation that is not persisted. Concurrent live requests
// for the same key share one computation. Insufficient evidence never
// produces an error.
func (e *Engine) GetIndex(ctx context.Context, presetName string, asOf time.Time) (IndexView, error) {
	p, err := e.presets.Get(presetName)
	if err != nil {
		return IndexView{}, err
	}
	date := truncateDay(asOf).Format(dateLayout)
	var snap IndexSnapshot
	err = e.db.WithContext(ctx).Where("preset = ? AND as_of_date = ?", p.Name, date).First(&snap).Error
	switch {
	case err == nil:
		return snap.View()
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return IndexView{}, fmt.Errorf("load snapshot %s/%s: %w", p.Name, date, err)
	}

	return e.liveIndex(ctx, p, asOf)
}

// liveIndex computes an unpersisted view, sharing one computation between
// concurrent callers for the same preset and day. The shared work runs on a
// context detached from the caller's cancellation, so one caller going away
// does not fail the others waiting on it.
func (e *Engine) liveIndex(ctx context.Context, p Preset, asOf time.Time) (IndexView, error) {
	shared := context.WithoutCancel(ctx)
	key := p.Name + "|" + truncateDay(asOf).Format(dateLayout)
	v, err, _ := e.liveCalc.Do(key, func() (any, error) {
		res, err := e.Compute(shared, p, asOf)
		if err != nil {
			return nil, err
		}
		return viewFromResult(res, e.now()), nil
	})
	if err != nil {
		return IndexView{}, err
	}
	return v.(IndexView), nil
}

// GetCustomIndex evaluates ad-hoc weights live. Nothing is stored.
func (e *Engine) GetCustomIndex(ctx context.Context, weights map[Category]float64, asOf time.Time) (IndexView, error) {
	p, err := e.presets.Custom(weights)
	if err != nil {
		return IndexView{}, err
	}
	res, err := e.Compute(ctx, p, asOf)
	if err != nil {
		return IndexView{}, err
	}
	return viewFromResult(res, e.now()), nil
}

// History lists stored snapshots for a preset between from and to inclusive,
// oldest first.
func (e *Engine) History(ctx context.Context, presetName string, from, to time.Time) ([]IndexView, error) {
	p, err := e.presets.Get(presetName)
	if err != nil {
		return nil, err
	}
	fromDate := truncateDay(from).Format(dateLayout)
	toDate := truncateDay(to).Format(dateLayout)
	if fromDate > toDate {
		return nil, invalid("from", "from (%s) is after to (%s)", fromDate, toDate)
	}
	var snaps []IndexSnapshot
	err = e.db.WithContext(ctx).
		Where("preset = ? AND as_of_date >= ? AND as_of_date <= ?", p.Name, fromDate, toDate).
		Order("as_of_date ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]IndexView, 0, len(snaps))
	for _, s := range snaps {
		v, err := s.View()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SnapshotKey identifies one stored snapshot.
type SnapshotKey struct {
	Preset   string
	AsOfDate string
}

// snapshotsSince lists stored snapshot keys dated on or after day.
func snapshotsSince(tx *gorm.DB, day time.Time) ([]SnapshotKey, error) {
	var keys []SnapshotKey
	err := tx.Model(&IndexSnapshot{}).
		Select("preset", "as_of_date").
		Where("as_of_date >= ?", truncateDay(day).Format(dateLayout)).
		Order("as_of_date ASC").Order("preset ASC").
		Scan(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list affected snapshots: %w", err)
	}
	return keys, nil
}
