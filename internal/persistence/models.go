package persistence

import "time"

// CrownStatus is the per-task evaluation status column.
type CrownStatus string

const (
	CrownNone       CrownStatus = "none"
	CrownPending    CrownStatus = "pending"
	CrownInProgress CrownStatus = "in_progress"
	CrownSucceeded  CrownStatus = "succeeded"
	CrownError      CrownStatus = "error"
)

// RunStatus tracks an agent attempt as reported by the orchestration pipeline.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type Task struct {
	ID          string
	Prompt      string
	IsCompleted bool

	CrownStatus        CrownStatus
	CrownError         string
	CrownRetryData     string
	CrownRetryCount    int
	CrownLastRetryAt   *time.Time
	CrownIsRefreshing  bool
	CrownAttemptID     string
	CrownUnrecoverable bool
	// CrownNeedsConfig marks a failure caused by missing configuration.
	// Sweeps leave such a task alone until a user retries it.
	CrownNeedsConfig bool
	SelectedRunID    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Run struct {
	ID        string
	TaskID    string
	AgentName string
	ModelName string
	Status    RunStatus

	SandboxID string
	Repo      string
	BaseRef   string
	NewBranch *string

	IsCrowned        bool
	CrownReason      string
	Summary          string
	PRTitle          string
	PRDescription    string
	PullRequestURL   string
	PullRequestState string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasBranch reports whether the run pushed a branch the compare API can diff.
func (r Run) HasBranch() bool {
	return r.NewBranch != nil && *r.NewBranch != ""
}

// Evaluation is the persisted result of one judgment. A task has at most one.
type Evaluation struct {
	ID                 string
	TaskID             string
	WinnerRunID        string
	CandidateRunIDs    []string
	EvaluationPrompt   string
	EvaluationResponse string
	HadEmptyDiffs      bool
	AutoRefreshCount   int
	IsFallback         bool
	Note               string
	CreatedAt          time.Time
}

// CrownEvent is one row of the per-task transition history.
type CrownEvent struct {
	EventID   int64
	TaskID    string
	TraceID   string
	Trigger   string
	StateFrom CrownStatus
	StateTo   CrownStatus
	Payload   string
	CreatedAt time.Time
}

// TaskPatch lists task columns to overwrite; nil fields are left alone.
type TaskPatch struct {
	IsCompleted        *bool
	CrownError         *string
	CrownRetryData     *string
	CrownRetryCount    *int
	CrownLastRetryAt   *time.Time
	CrownIsRefreshing  *bool
	CrownAttemptID     *string
	CrownUnrecoverable *bool
	CrownNeedsConfig   *bool
	SelectedRunID      *string
}

// RunPatch lists run columns to overwrite; nil fields are left alone.
type RunPatch struct {
	Status           *RunStatus
	SandboxID        *string
	NewBranch        *string
	IsCrowned        *bool
	CrownReason      *string
	Summary          *string
	PRTitle          *string
	PRDescription    *string
	PullRequestURL   *string
	PullRequestState *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
