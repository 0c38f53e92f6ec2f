package marketplace

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// PrepareMilestones validates a milestone set against the task budget and
// returns the legs in ordinal order with identifiers and amounts assigned.
// Percentages are whole numbers and must sum to exactly 100.
func PrepareMilestones(totalBudget float64, milestones []Milestone) ([]Milestone, error) {
	if len(milestones) == 0 {
		return nil, fmt.Errorf("%w: milestone-mode tasks need at least one milestone", ErrMilestoneSum)
	}
	sum := 0
	for _, ms := range milestones {
		if ms.Percentage <= 0 {
			return nil, fmt.Errorf("%w: percentage must be positive", ErrMilestoneSum)
		}
		sum += ms.Percentage
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: got %d", ErrMilestoneSum, sum)
	}
	prepared := make([]Milestone, len(milestones))
	copy(prepared, milestones)
	sort.SliceStable(prepared, func(i, j int) bool { return prepared[i].Ordinal < prepared[j].Ordinal })
	for i := range prepared {
		if prepared[i].ID == uuid.Nil {
			prepared[i].ID = uuid.New()
		}
		prepared[i].Ordinal = i
		prepared[i].Amount = milestoneAmount(totalBudget, prepared[i].Percentage)
		prepared[i].Status = MilestonePending
	}
	return prepared, nil
}

// milestoneAmount computes the leg amount in cents so that slices of the
// budget never accumulate binary-float residue.
func milestoneAmount(totalBudget float64, percentage int) float64 {
	cents := math.Round(totalBudget * 100)
	return math.Round(cents*float64(percentage)/100) / 100
}
