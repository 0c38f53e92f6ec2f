package marketplace

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentMode selects how a task's budget is released to workers.
type PaymentMode string

const (
	PaymentFixed     PaymentMode = "FIXED"
	PaymentMilestone PaymentMode = "MILESTONE"
)

// TaskStatus represents a state in the task lifecycle.
type TaskStatus string

const (
	TaskDraft      TaskStatus = "DRAFT"
	TaskActive     TaskStatus = "ACTIVE"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// ApplicationStatus tracks a worker's claim on a task.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "PENDING"
	ApplicationAccepted  ApplicationStatus = "ACCEPTED"
	ApplicationRejected  ApplicationStatus = "REJECTED"
	ApplicationWithdrawn ApplicationStatus = "WITHDRAWN"
	ApplicationPaid      ApplicationStatus = "PAID"
	ApplicationReleased  ApplicationStatus = "RELEASED"
)

// SubmissionStatus tracks review of delivered work. The payout status is kept
// separate because approval and fund movement are not atomic.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "SUBMITTED"
	SubmissionApproved  SubmissionStatus = "APPROVED"
	SubmissionRejected  SubmissionStatus = "REJECTED"
	SubmissionDisputed  SubmissionStatus = "DISPUTED"
)

// PayoutStatus tracks fund movement for an approved unit of work.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutApproved   PayoutStatus = "APPROVED"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutPaid       PayoutStatus = "PAID"
	PayoutRefunded   PayoutStatus = "REFUNDED"
)

// MilestoneStatus tracks review of a single milestone. Rejection returns the
// milestone to PENDING with feedback rather than terminating it.
type MilestoneStatus string

const (
	MilestonePending     MilestoneStatus = "PENDING"
	MilestoneUnderReview MilestoneStatus = "UNDER_REVIEW"
	MilestoneCompleted   MilestoneStatus = "COMPLETED"
)

// DisputeStatus tracks the phases of a worker-initiated re-review.
type DisputeStatus string

const (
	DisputeFiled       DisputeStatus = "FILED"
	DisputeJuryReview  DisputeStatus = "JURY_REVIEW"
	DisputeHumanReview DisputeStatus = "HUMAN_REVIEW"
	DisputeResolved    DisputeStatus = "RESOLVED"
)

// DisputeOutcome is the binary resolution of a dispute.
type DisputeOutcome string

const (
	OutcomeWorkerPaid      DisputeOutcome = "WORKER_PAID"
	OutcomeRejectionUpheld DisputeOutcome = "REJECTION_UPHELD"
)

// Valid reports whether the outcome is one of the two supported values.
func (o DisputeOutcome) Valid() bool {
	return o == OutcomeWorkerPaid || o == OutcomeRejectionUpheld
}

// Task is a unit of paid work funded through a dedicated escrow wallet.
type Task struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey"`
	CreatorID        uuid.UUID   `gorm:"type:uuid;index"`
	CreatorWallet    string      `gorm:"size:64"`
	Title            string      `gorm:"size:256"`
	Description      string      `gorm:"type:text"`
	Category         string      `gorm:"size:64;index"`
	Skills           string      `gorm:"size:512"`
	TotalBudget      float64     `gorm:"not null"`
	PaymentMode      PaymentMode `gorm:"size:16"`
	PaymentPerWorker float64
	MaxWorkers       int
	CurrentWorkers   int
	Status           TaskStatus `gorm:"size:16;index"`
	WalletID         string     `gorm:"size:128"`
	WalletAddress    string     `gorm:"size:64;index"`
	FundingChain     string     `gorm:"size:32"`
	FundingTxHash    string     `gorm:"size:128"`
	FundingReference string     `gorm:"size:128;index"`
	Deadline         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Milestones       []Milestone
}

// Application is a worker's claim on a task. At most one non-withdrawn,
// non-rejected application may exist per (task, worker) pair.
type Application struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID         `gorm:"type:uuid;index:idx_app_task_worker"`
	WorkerID  uuid.UUID         `gorm:"type:uuid;index:idx_app_task_worker"`
	Message   string            `gorm:"type:text"`
	Status    ApplicationStatus `gorm:"size:16;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Submission is delivered work against a task (FIXED mode) or a milestone.
type Submission struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TaskID         uuid.UUID  `gorm:"type:uuid;index"`
	MilestoneID    *uuid.UUID `gorm:"type:uuid;index"`
	WorkerID       uuid.UUID  `gorm:"type:uuid;index"`
	WorkerWallet   string     `gorm:"size:64"`
	Content        string     `gorm:"type:text"`
	DeliverableURL string     `gorm:"size:512"`
	EvidenceCount  int
	Status         SubmissionStatus `gorm:"size:16;index"`
	ReviewNotes    string           `gorm:"size:1024"`
	RejectReason   string           `gorm:"size:1024"`
	RejectedAt     *time.Time
	PayoutAmount   float64
	PayoutStatus   PayoutStatus `gorm:"size:16;index"`
	PayoutTxHash   string       `gorm:"size:128"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Milestone is an ordered, percentage-weighted slice of a MILESTONE-mode
// task's budget. Percentages across a task must sum to exactly 100.
type Milestone struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID     uuid.UUID `gorm:"type:uuid;index"`
	Ordinal    int
	Title      string `gorm:"size:256"`
	Percentage int    `gorm:"not null"`
	Amount     float64
	Status     MilestoneStatus `gorm:"size:16;index"`
	Feedback   string          `gorm:"size:1024"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Dispute is a single worker-initiated re-review of a rejected submission.
// JuryVerdict stays nil both when the jury could not reach quorum and when a
// full jury split evenly; QuorumMet separates the two downstream.
type Dispute struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	TaskID          uuid.UUID `gorm:"type:uuid;index"`
	WorkerID        uuid.UUID `gorm:"type:uuid;index"`
	Reason          string    `gorm:"type:text"`
	Status          DisputeStatus   `gorm:"size:16;index"`
	JuryVerdict     *DisputeOutcome `gorm:"size:32"`
	QuorumMet       bool
	HumanDecision   *DisputeOutcome `gorm:"size:32"`
	Outcome         *DisputeOutcome `gorm:"size:32"`
	ResolvedBy      *uuid.UUID      `gorm:"type:uuid"`
	ResolutionNotes string          `gorm:"size:1024"`
	FiledAt         time.Time
	JuryStartedAt   *time.Time
	JuryCompletedAt *time.Time
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JuryVote is one evaluator's independent verdict on a dispute. Immutable once
// written; a missing juror index signifies abstention, never a default vote.
type JuryVote struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DisputeID  uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_vote_dispute_juror"`
	JurorIndex int            `gorm:"uniqueIndex:idx_vote_dispute_juror"`
	Persona    string         `gorm:"size:64"`
	Vote       DisputeOutcome `gorm:"size:32"`
	Reasoning  string         `gorm:"type:text"`
	Confidence float64
	CreatedAt  time.Time
}

// Event is the audit trail appended alongside guarded transitions.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TaskID    *uuid.UUID `gorm:"type:uuid;index"`
	ActorID   uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates the schema for every marketplace model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Task{},
		&Application{},
		&Submission{},
		&Milestone{},
		&Dispute{},
		&JuryVote{},
		&Event{},
	)
}
