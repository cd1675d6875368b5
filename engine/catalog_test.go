package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildCatalog_Validation(t *testing.T) {
	no := false
	base := func() []SignpostSpec {
		return []SignpostSpec{
			{Code: "a", Category: "capabilities", Baseline: 0, Target: 100, Weight: 0.5},
			{Code: "b", Category: "capabilities", Baseline: 0, Target: 100, Weight: 0.5},
		}
	}
	cases := []struct {
		name   string
		mutate func([]SignpostSpec) []SignpostSpec
		ok     bool
	}{
		{"valid", func(s []SignpostSpec) []SignpostSpec { return s }, true},
		{"missing code", func(s []SignpostSpec) []SignpostSpec { s[0].Code = " "; return s }, false},
		{"duplicate code", func(s []SignpostSpec) []SignpostSpec { s[1].Code = "a"; return s }, false},
		{"unknown category", func(s []SignpostSpec) []SignpostSpec { s[0].Category = "vibes"; return s }, false},
		{"baseline equals target", func(s []SignpostSpec) []SignpostSpec { s[0].Target = 0; return s }, false},
		{"increasing with target below baseline", func(s []SignpostSpec) []SignpostSpec { s[0].Baseline = 200; return s }, false},
		{"decreasing signpost", func(s []SignpostSpec) []SignpostSpec {
			s[0].Direction = "lower_is_better"
			s[0].Baseline, s[0].Target = 60, 1
			return s
		}, true},
		{"unknown direction", func(s []SignpostSpec) []SignpostSpec { s[0].Direction = "sideways"; return s }, false},
		{"weight above one", func(s []SignpostSpec) []SignpostSpec { s[0].Weight = 1.5; return s }, false},
		{"weights do not sum to one", func(s []SignpostSpec) []SignpostSpec { s[1].Weight = 0.3; return s }, false},
		{"informational signpost excluded from sum", func(s []SignpostSpec) []SignpostSpec {
			return append(s, SignpostSpec{Code: "c", Category: "capabilities", Baseline: 0, Target: 1, Weight: 0.4, FirstClass: &no})
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildCatalog(tc.mutate(base()))
			if tc.ok && err != nil {
				t.Fatalf("expected accepted, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected validation error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
			}
		})
	}
}

func TestBuildCatalog_Defaults(t *testing.T) {
	sps, err := BuildCatalog([]SignpostSpec{{Code: " x ", Name: " X ", Category: "Security", Baseline: 1, Target: 5, Weight: 1}})
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	sp := sps[0]
	if sp.Code != "x" || sp.Name != "X" || sp.Category != CategorySecurity {
		t.Fatalf("fields not normalized: %+v", sp)
	}
	if sp.Direction != DirectionIncreasing || !sp.FirstClass {
		t.Fatalf("defaults not applied: %+v", sp)
	}
}

func TestSyncCatalog_UpsertsByCode(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })

	first, err := BuildCatalog([]SignpostSpec{
		{Code: "osworld", Category: "agents", Baseline: 0, Target: 80, Weight: 1},
		{Code: "weights", Category: "security", Baseline: 1, Target: 5, Weight: 1},
	})
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	if err := SyncCatalog(ctx, db, first); err != nil {
		t.Fatalf("SyncCatalog: %v", err)
	}
	var before Signpost
	if err := db.Where("code = ?", "osworld").First(&before).Error; err != nil {
		t.Fatalf("load: %v", err)
	}

	sota := 61.0
	second, err := BuildCatalog([]SignpostSpec{
		{Code: "osworld", Name: "OSWorld", Category: "agents", Baseline: 0, Target: 90, Weight: 1, CurrentSOTA: &sota},
	})
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	if err := SyncCatalog(ctx, db, second); err != nil {
		t.Fatalf("SyncCatalog again: %v", err)
	}

	var rows []Signpost
	if err := db.Order("code").Find(&rows).Error; err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (removed codes stay)", len(rows))
	}
	got := rows[0]
	if got.ID != before.ID {
		t.Fatalf("id changed on upsert: %d -> %d", before.ID, got.ID)
	}
	if got.TargetValue != 90 || got.Name != "OSWorld" || got.CurrentSOTA == nil || *got.CurrentSOTA != 61 {
		t.Fatalf("row not updated: %+v", got)
	}
	if rows[1].Code != "weights" || rows[1].FirstClass {
		t.Fatalf("removed signpost still first-class: %+v", rows[1])
	}
}

func TestSyncCatalog_ResyncRestoresAndClears(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })

	full, err := BuildCatalog([]SignpostSpec{
		{Code: "swe_bench", Category: "capabilities", Baseline: 0, Target: 90, Weight: 0.4},
		{Code: "gpqa", Category: "capabilities", Baseline: 0, Target: 100, Weight: 0.6},
	})
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	trimmed, err := BuildCatalog([]SignpostSpec{
		{Code: "swe_bench", Category: "capabilities", Baseline: 0, Target: 90, Weight: 1},
	})
	if err != nil {
		t.Fatalf("BuildCatalog: %v", err)
	}
	firstClass := func() map[string]bool {
		t.Helper()
		var rows []Signpost
		if err := db.Find(&rows).Error; err != nil {
			t.Fatalf("list: %v", err)
		}
		out := make(map[string]bool, len(rows))
		for _, r := range rows {
			out[r.Code] = r.FirstClass
		}
		return out
	}

	steps := []struct {
		name string
		sps  []Signpost
		want map[string]bool
	}{
		{"initial", full, map[string]bool{"swe_bench": true, "gpqa": true}},
		{"gpqa removed", trimmed, map[string]bool{"swe_bench": true, "gpqa": false}},
		{"gpqa back", full, map[string]bool{"swe_bench": true, "gpqa": true}},
		{"empty catalog", nil, map[string]bool{"swe_bench": false, "gpqa": false}},
	}
	for _, st := range steps {
		if err := SyncCatalog(ctx, db, st.sps); err != nil {
			t.Fatalf("%s: SyncCatalog: %v", st.name, err)
		}
		got := firstClass()
		for code, want := range st.want {
			if got[code] != want {
				t.Fatalf("%s: %s first_class = %v, want %v", st.name, code, got[code], want)
			}
		}
	}
}
