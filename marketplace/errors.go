package marketplace

import "errors"

var (
	// ErrInvalidState is returned when an operation targets an entity outside
	// its required precondition state.
	ErrInvalidState = errors.New("marketplace: invalid state for operation")
	// ErrCapacityExceeded indicates the task's worker slots are full.
	ErrCapacityExceeded = errors.New("marketplace: worker capacity exceeded")
	// ErrWindowExpired indicates a time-boxed action was attempted after its
	// deadline.
	ErrWindowExpired = errors.New("marketplace: action window expired")
	// ErrAlreadyResolved is the concurrency-guard rejection for a second
	// resolution attempt on a dispute.
	ErrAlreadyResolved = errors.New("marketplace: dispute already resolved")
	// ErrDisputeAlreadyExists rejects a second dispute on the same submission.
	ErrDisputeAlreadyExists = errors.New("marketplace: dispute already exists for submission")
	// ErrDuplicateApplication rejects a second live application for the same
	// (task, worker) pair.
	ErrDuplicateApplication = errors.New("marketplace: active application already exists")
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("marketplace: entity not found")
	// ErrMilestoneSum rejects milestone sets whose percentages do not sum to 100.
	ErrMilestoneSum = errors.New("marketplace: milestone percentages must sum to 100")
	// ErrNoEscrowWallet indicates the task has no provisioned escrow wallet.
	ErrNoEscrowWallet = errors.New("marketplace: task has no escrow wallet")
)
