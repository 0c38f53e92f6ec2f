package marketplace

import "fmt"

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskDraft:      {TaskActive, TaskCancelled},
	TaskActive:     {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskCancelled},
}

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationPending:  {ApplicationAccepted, ApplicationRejected, ApplicationWithdrawn},
	ApplicationAccepted: {ApplicationPaid, ApplicationReleased, ApplicationWithdrawn},
}

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionSubmitted: {SubmissionApproved, SubmissionRejected},
	SubmissionRejected:  {SubmissionDisputed},
	SubmissionDisputed:  {SubmissionApproved, SubmissionRejected},
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeFiled:       {DisputeJuryReview},
	DisputeJuryReview:  {DisputeHumanReview},
	DisputeHumanReview: {DisputeResolved},
}

// ValidateTaskTransition ensures the transition follows the task state machine.
func ValidateTaskTransition(current, next TaskStatus) error {
	return validateTransition("task", string(current), string(next), taskTransitions[current], current == next)
}

// ValidateApplicationTransition ensures the transition follows the application
// state machine.
func ValidateApplicationTransition(current, next ApplicationStatus) error {
	return validateTransition("application", string(current), string(next), applicationTransitions[current], current == next)
}

// ValidateSubmissionTransition ensures the transition follows the submission
// state machine.
func ValidateSubmissionTransition(current, next SubmissionStatus) error {
	return validateTransition("submission", string(current), string(next), submissionTransitions[current], current == next)
}

// ValidateDisputeTransition ensures the transition follows the dispute state
// machine.
func ValidateDisputeTransition(current, next DisputeStatus) error {
	return validateTransition("dispute", string(current), string(next), disputeTransitions[current], current == next)
}

func validateTransition[S ~string](entity, current, next string, allowed []S, same bool) error {
	if same {
		return nil
	}
	for _, state := range allowed {
		if string(state) == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s transition %s -> %s", ErrInvalidState, entity, current, next)
}
