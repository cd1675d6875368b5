package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SignpostSpec is the operator-facing definition of a signpost, as written in
// the catalog section of the config file.
type SignpostSpec struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Baseline    float64  `yaml:"baseline"`
	Target      float64  `yaml:"target"`
	Direction   string   `yaml:"direction"`
	Unit        string   `yaml:"unit"`
	Weight      float64  `yaml:"weight"`
	FirstClass  *bool    `yaml:"first_class"`
	CurrentSOTA *float64 `yaml:"current_sota"`
}

// BuildCatalog parses and validates specs. First-class weights within each
// category must sum to 1 ± WeightTolerance.
func BuildCatalog(specs []SignpostSpec) ([]Signpost, error) {
	out := make([]Signpost, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		code := strings.TrimSpace(s.Code)
		if code == "" {
			return nil, invalid(fmt.Sprintf("signposts[%d].code", i), "code is required")
		}
		if _, dup := seen[code]; dup {
			return nil, invalid("signposts."+code, "duplicate code")
		}
		seen[code] = struct{}{}
		cat, err := ParseCategory(s.Category)
		if err != nil {
			return nil, fmt.Errorf("signpost %s: %w", code, err)
		}
		dir := DirectionIncreasing
		if strings.TrimSpace(s.Direction) != "" {
			if dir, err = ParseDirection(s.Direction); err != nil {
				return nil, fmt.Errorf("signpost %s: %w", code, err)
			}
		}
		firstClass := true
		if s.FirstClass != nil {
			firstClass = *s.FirstClass
		}
		sp := Signpost{
			Code:                code,
			Name:                strings.TrimSpace(s.Name),
			Category:            cat,
			BaselineValue:       s.Baseline,
			TargetValue:         s.Target,
			Direction:           dir,
			Unit:                strings.TrimSpace(s.Unit),
			IntraCategoryWeight: s.Weight,
			FirstClass:          firstClass,
			CurrentSOTA:         s.CurrentSOTA,
		}
		if err := ValidateSignpost(sp); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	if err := validateCategoryWeights(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateSignpost checks the per-signpost invariants.
func ValidateSignpost(sp Signpost) error {
	field := "signposts." + sp.Code
	if sp.BaselineValue == sp.TargetValue {
		return invalid(field, "baseline equals target (%v), progress undefined", sp.TargetValue)
	}
	if math.IsNaN(sp.BaselineValue) || math.IsNaN(sp.TargetValue) {
		return invalid(field, "baseline and target must be numbers")
	}
	switch sp.Direction {
	case DirectionIncreasing:
		if sp.TargetValue < sp.BaselineValue {
			return invalid(field, "increasing signpost has target below baseline")
		}
	case DirectionDecreasing:
		if sp.TargetValue > sp.BaselineValue {
			return invalid(field, "decreasing signpost has target above baseline")
		}
	default:
		return invalid(field, "unknown direction %q", sp.Direction)
	}
	if math.IsNaN(sp.IntraCategoryWeight) || sp.IntraCategoryWeight < 0 || sp.IntraCategoryWeight > 1 {
		return invalid(field, "weight %v outside [0,1]", sp.IntraCategoryWeight)
	}
	return nil
}

func validateCategoryWeights(sps []Signpost) error {
	sums := make(map[Category]float64)
	for _, sp := range sps {
		if sp.FirstClass {
			sums[sp.Category] += sp.IntraCategoryWeight
		}
	}
	cats := make([]string, 0, len(sums))
	for c := range sums {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		if sum := sums[Category(c)]; math.Abs(sum-1) > WeightTolerance {
			return invalid("signposts", "first-class weights in %s sum to %.4f, want 1.0", c, sum)
		}
	}
	return nil
}

// SyncCatalog upserts signposts by code and demotes every stored signpost
// missing from sps to informational, in one transaction. Codes are immutable,
// so a renamed signpost appears as a new row. Demoted rows stay because
// evidence links may still reference them, but they no longer score.
func SyncCatalog(ctx context.Context, db *gorm.DB, sps []Signpost) error {
	codes := make([]string, 0, len(sps))
	for _, sp := range sps {
		codes = append(codes, sp.Code)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(sps) > 0 {
			rows := make([]Signpost, len(sps))
			copy(rows, sps)
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name",
					"category",
					"baseline_value",
					"target_value",
					"direction",
					"unit",
					"intra_category_weight",
					"first_class",
					"current_sota",
					"updated_at",
				}),
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("upsert signposts: %w", err)
			}
		}
		stale := tx.Model(&Signpost{}).Where("first_class = ?", true)
		if len(codes) > 0 {
			stale = stale.Where("code NOT IN ?", codes)
		}
		if err := stale.Update("first_class", false).Error; err != nil {
			return fmt.Errorf("demote removed signposts: %w", err)
		}
		return nil
	})
}
