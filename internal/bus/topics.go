package bus

// Crown evaluation topics.
const (
	TopicCrownStatusChanged = "crown.status_changed"
	TopicCrownEvaluated     = "crown.evaluated"
	TopicCrownOverridden    = "crown.overridden"
	TopicCrownSweepRepaired = "crown.sweep.repaired"
)

// CrownStatusChanged is published after a transaction that moved a task's
// crown status has committed.
type CrownStatusChanged struct {
	TaskID    string
	OldStatus string
	NewStatus string
	Trigger   string
	AttemptID string
}

// CrownEvaluated is published when a winner is persisted.
type CrownEvaluated struct {
	TaskID       string
	WinnerRunID  string
	Candidates   int
	IsRefresh    bool
	HadEmptyDiff bool
}

// CrownOverridden is published when an operator crowns a run by hand.
type CrownOverridden struct {
	TaskID    string
	RunID     string
	Principal string
}

// SweepRepaired is published once per task repaired by a reconciliation sweep.
type SweepRepaired struct {
	Sweep  string // "stuck", "missing" or "auto_refresh"
	TaskID string
	Action string
}
