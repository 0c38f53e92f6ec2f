package marketplace

import (
	"errors"
	"testing"
)

func TestTaskTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskDraft, TaskActive, true},
		{TaskDraft, TaskCancelled, true},
		{TaskDraft, TaskInProgress, false},
		{TaskDraft, TaskCompleted, false},
		{TaskActive, TaskInProgress, true},
		{TaskActive, TaskCompleted, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskCancelled, true},
		{TaskCompleted, TaskCancelled, false},
		{TaskCancelled, TaskActive, false},
		{TaskActive, TaskActive, true},
	}
	for _, tc := range cases {
		err := ValidateTaskTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s -> %s: expected error", tc.from, tc.to)
			} else if !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s -> %s: error %v is not ErrInvalidState", tc.from, tc.to, err)
			}
		}
	}
}

func TestApplicationTransitions(t *testing.T) {
	cases := []struct {
		from, to ApplicationStatus
		ok       bool
	}{
		{ApplicationPending, ApplicationAccepted, true},
		{ApplicationPending, ApplicationRejected, true},
		{ApplicationPending, ApplicationWithdrawn, true},
		{ApplicationPending, ApplicationPaid, false},
		{ApplicationAccepted, ApplicationPaid, true},
		{ApplicationAccepted, ApplicationReleased, true},
		{ApplicationAccepted, ApplicationWithdrawn, true},
		{ApplicationRejected, ApplicationAccepted, false},
		{ApplicationWithdrawn, ApplicationPending, false},
		{ApplicationPaid, ApplicationReleased, false},
	}
	for _, tc := range cases {
		err := ValidateApplicationTransition(tc.from, tc.to)
		if tc.ok != (err == nil) {
			t.Errorf("%s -> %s: ok=%v err=%v", tc.from, tc.to, tc.ok, err)
		}
	}
}

func TestSubmissionTransitions(t *testing.T) {
	cases := []struct {
		from, to SubmissionStatus
		ok       bool
	}{
		{SubmissionSubmitted, SubmissionApproved, true},
		{SubmissionSubmitted, SubmissionRejected, true},
		{SubmissionSubmitted, SubmissionDisputed, false},
		{SubmissionRejected, SubmissionDisputed, true},
		{SubmissionRejected, SubmissionApproved, false},
		{SubmissionDisputed, SubmissionApproved, true},
		{SubmissionDisputed, SubmissionRejected, true},
		{SubmissionApproved, SubmissionRejected, false},
	}
	for _, tc := range cases {
		err := ValidateSubmissionTransition(tc.from, tc.to)
		if tc.ok != (err == nil) {
			t.Errorf("%s -> %s: ok=%v err=%v", tc.from, tc.to, tc.ok, err)
		}
	}
}

func TestDisputeTransitions(t *testing.T) {
	cases := []struct {
		from, to DisputeStatus
		ok       bool
	}{
		{DisputeFiled, DisputeJuryReview, true},
		{DisputeFiled, DisputeHumanReview, false},
		{DisputeFiled, DisputeResolved, false},
		{DisputeJuryReview, DisputeHumanReview, true},
		{DisputeHumanReview, DisputeResolved, true},
		{DisputeResolved, DisputeHumanReview, false},
	}
	for _, tc := range cases {
		err := ValidateDisputeTransition(tc.from, tc.to)
		if tc.ok != (err == nil) {
			t.Errorf("%s -> %s: ok=%v err=%v", tc.from, tc.to, tc.ok, err)
		}
	}
}
