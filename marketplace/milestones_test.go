package marketplace

import (
	"errors"
	"testing"
)

func TestPrepareMilestonesSum(t *testing.T) {
	cases := []struct {
		name        string
		percentages []int
		ok          bool
	}{
		{"exact", []int{30, 30, 40}, true},
		{"single", []int{100}, true},
		{"under", []int{30, 30, 39}, false},
		{"over", []int{30, 30, 41}, false},
		{"zero leg", []int{0, 100}, false},
		{"negative leg", []int{-10, 110}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			milestones := make([]Milestone, len(tc.percentages))
			for i, pct := range tc.percentages {
				milestones[i] = Milestone{Ordinal: i, Percentage: pct}
			}
			prepared, err := PrepareMilestones(1000, milestones)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(prepared) != len(milestones) {
					t.Fatalf("expected %d milestones, got %d", len(milestones), len(prepared))
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMilestoneSum) {
				t.Fatalf("error %v is not ErrMilestoneSum", err)
			}
		})
	}
}

func TestPrepareMilestonesAmounts(t *testing.T) {
	milestones := []Milestone{
		{Ordinal: 0, Percentage: 33},
		{Ordinal: 1, Percentage: 33},
		{Ordinal: 2, Percentage: 34},
	}
	prepared, err := PrepareMilestones(99.99, milestones)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var sum float64
	for _, ms := range prepared {
		if ms.Status != MilestonePending {
			t.Fatalf("milestone %d status %s, want PENDING", ms.Ordinal, ms.Status)
		}
		sum += ms.Amount
	}
	// Cent-rounded legs may differ from the budget by at most a cent per leg.
	if diff := sum - 99.99; diff > 0.03 || diff < -0.03 {
		t.Fatalf("amounts sum to %.4f, budget 99.99", sum)
	}
}

func TestPrepareMilestonesOrdering(t *testing.T) {
	milestones := []Milestone{
		{Ordinal: 5, Percentage: 50, Title: "second"},
		{Ordinal: 1, Percentage: 50, Title: "first"},
	}
	prepared, err := PrepareMilestones(200, milestones)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if prepared[0].Title != "first" || prepared[1].Title != "second" {
		t.Fatalf("milestones not reordered: %s, %s", prepared[0].Title, prepared[1].Title)
	}
	if prepared[0].Ordinal != 0 || prepared[1].Ordinal != 1 {
		t.Fatalf("ordinals not reassigned: %d, %d", prepared[0].Ordinal, prepared[1].Ordinal)
	}
	if prepared[0].Amount != 100 || prepared[1].Amount != 100 {
		t.Fatalf("amounts %.2f/%.2f, want 100/100", prepared[0].Amount, prepared[1].Amount)
	}
}
