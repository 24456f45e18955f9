package crown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/jobs"
	"github.com/basket/crownd/internal/otel"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/shared"
)

// JobTypeEvaluate is the job that runs one evaluation attempt.
const JobTypeEvaluate = "crown.evaluate"

// ErrEvaluationInFlight rejects an entry point while the task already has a
// pending, running or refreshing attempt.
var ErrEvaluationInFlight = errors.New("crown: evaluation already in flight")

// Mode selects where an evaluation job gets its candidates.
type Mode string

const (
	ModeInitial   Mode = "initial"
	ModeRetryData Mode = "retry_data"
	ModeFresh     Mode = "fresh"
	ModeRefresh   Mode = "refresh"
)

// EvaluateJob is the payload of a crown.evaluate job.
type EvaluateJob struct {
	TaskID           string `json:"task_id"`
	Mode             Mode   `json:"mode"`
	AttemptID        string `json:"attempt_id"`
	AutoRefreshCount int    `json:"auto_refresh_count,omitempty"`
}

// PreferencesFunc returns the model preferences for one invocation. purpose
// is "judge" or "summary".
type PreferencesFunc func(purpose string) engine.ModelPreferences

// Settings are the timing and cap knobs of the engine.
type Settings struct {
	RetryCooldown               time.Duration
	StaleThreshold              time.Duration
	MissingEvaluationAge        time.Duration
	MissingEvaluationMaxRetries int
	AutoRefreshCap              int
	AutoRefreshLookback         time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		RetryCooldown:               30 * time.Second,
		StaleThreshold:              10 * time.Minute,
		MissingEvaluationAge:        10 * time.Minute,
		MissingEvaluationMaxRetries: 3,
		AutoRefreshCap:              2,
		AutoRefreshLookback:         24 * time.Hour,
	}
}

type Options struct {
	Collector   *Collector
	Evaluator   *Evaluator
	Summarizer  *Summarizer
	Preferences PreferencesFunc
	// Settings zero fields take the defaults.
	Settings Settings
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// Service is the crown engine: the entry points callers use and the job
// handler that executes attempts.
type Service struct {
	store      *persistence.Store
	collector  *Collector
	evaluator  *Evaluator
	summarizer *Summarizer
	prefs      PreferencesFunc
	settings   Settings
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
}

func NewService(store *persistence.Store, opts Options) *Service {
	s := &Service{
		store:      store,
		collector:  opts.Collector,
		evaluator:  opts.Evaluator,
		summarizer: opts.Summarizer,
		prefs:      opts.Preferences,
		settings:   withDefaults(opts.Settings),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if s.prefs == nil {
		s.prefs = func(string) engine.ModelPreferences { return engine.ModelPreferences{} }
	}
	if s.collector == nil {
		s.collector = &Collector{Runs: store, Logger: s.logger}
	}
	return s
}

func withDefaults(in Settings) Settings {
	def := DefaultSettings()
	if in.RetryCooldown <= 0 {
		in.RetryCooldown = def.RetryCooldown
	}
	if in.StaleThreshold <= 0 {
		in.StaleThreshold = def.StaleThreshold
	}
	if in.MissingEvaluationAge <= 0 {
		in.MissingEvaluationAge = def.MissingEvaluationAge
	}
	if in.MissingEvaluationMaxRetries <= 0 {
		in.MissingEvaluationMaxRetries = def.MissingEvaluationMaxRetries
	}
	if in.AutoRefreshCap <= 0 {
		in.AutoRefreshCap = def.AutoRefreshCap
	}
	if in.AutoRefreshLookback <= 0 {
		in.AutoRefreshLookback = def.AutoRefreshLookback
	}
	return in
}

func (s *Service) Settings() Settings {
	return s.settings
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return s.logger.With(shared.LogAttrs(ctx)...)
}

func enqueueEvaluate(ctx context.Context, tx *persistence.Tx, job EvaluateJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode evaluate job: %w", err)
	}
	if _, err := tx.Enqueue(ctx, JobTypeEvaluate, string(payload), 0); err != nil {
		return fmt.Errorf("enqueue evaluate job: %w", err)
	}
	return nil
}

// RequestOutcome is the result of RequestEvaluation: either a pending
// attempt, an existing winner, or neither.
type RequestOutcome struct {
	Pending     bool
	WinnerRunID string
}

func (o RequestOutcome) String() string {
	switch {
	case o.Pending:
		return "pending"
	case o.WinnerRunID != "":
		return o.WinnerRunID
	default:
		return "none"
	}
}

// RequestEvaluation starts an evaluation unless one exists or is under way.
// The check and the status write share one transaction, so concurrent
// callers never schedule two attempts.
func (s *Service) RequestEvaluation(ctx context.Context, taskID string) (RequestOutcome, error) {
	ctx = shared.WithTaskID(ctx, taskID)
	var out RequestOutcome
	err := s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		out = RequestOutcome{}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		ev, err := tx.GetEvaluation(ctx, taskID)
		if err != nil {
			return err
		}
		if ev != nil {
			out.WinnerRunID = ev.WinnerRunID
			return nil
		}
		switch task.CrownStatus {
		case StatusPending, StatusInProgress:
			out.Pending = true
			return nil
		case StatusSucceeded:
			// Crowned by hand without an evaluation.
			out.WinnerRunID = task.SelectedRunID
			return nil
		}
		attemptID := shared.NewAttemptID()
		if err := transition(ctx, tx, task, TriggerRequest, persistence.TaskPatch{
			CrownError:       persistence.Ptr(""),
			CrownAttemptID:   persistence.Ptr(attemptID),
			CrownNeedsConfig: persistence.Ptr(false),
		}); err != nil {
			return err
		}
		out.Pending = true
		return enqueueEvaluate(ctx, tx, EvaluateJob{TaskID: taskID, Mode: ModeInitial, AttemptID: attemptID})
	})
	if err != nil {
		return RequestOutcome{}, fmt.Errorf("request evaluation: %w", err)
	}
	s.log(ctx).Info("crown evaluation requested", "outcome", out.String())
	return out, nil
}

// HandleEvaluateJob is the jobs.Handler for crown.evaluate. It claims the
// attempt, does the model work outside any transaction and finalizes. A
// job whose attempt is no longer current is a no-op.
func (s *Service) HandleEvaluateJob(ctx context.Context, job persistence.Job) error {
	var p EvaluateJob
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decode evaluate job: %w", err))
	}
	if p.TaskID == "" || p.AttemptID == "" {
		return jobs.Permanent(errors.New("evaluate job without task or attempt id"))
	}
	ctx = shared.WithTaskID(ctx, p.TaskID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "crown.evaluate",
		otel.AttrTaskID.String(p.TaskID),
		otel.AttrMode.String(string(p.Mode)),
	)
	defer span.End()
	logger := s.log(ctx).With("mode", p.Mode, "attempt_id", p.AttemptID)

	task, claimed, err := s.claim(ctx, p)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	if !claimed {
		logger.Info("evaluate job is stale; skipping")
		return nil
	}

	start := time.Now()
	outcome := s.execute(ctx, task, p)
	if err := ctx.Err(); err != nil {
		// Interrupted, not failed: leave the claim for the redelivered job.
		return err
	}
	applied, err := s.Finalize(ctx, outcome)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}
	result := "succeeded"
	if !outcome.Success {
		result = "error"
	}
	if !applied {
		result = "discarded"
	}
	span.SetAttributes(otel.AttrOutcome.String(result))
	s.metrics.ObserveEvaluation(ctx, time.Since(start), result)
	logger.Info("crown attempt finished", "outcome", result, "winner_run_id", outcome.WinnerRunID, "message", outcome.Message)
	return nil
}

// claim moves a pending attempt to in_progress. A redelivered job whose
// attempt is already in_progress is claimed again, since the previous worker
// died before finalizing.
func (s *Service) claim(ctx context.Context, p EvaluateJob) (*persistence.Task, bool, error) {
	var (
		task    *persistence.Task
		claimed bool
	)
	err := s.store.Atomic(ctx, func(tx *persistence.Tx) error {
		claimed = false
		t, err := tx.GetTask(ctx, p.TaskID)
		if err != nil {
			if errors.Is(err, persistence.ErrTaskNotFound) {
				return nil
			}
			return err
		}
		task = t
		if t.CrownAttemptID != p.AttemptID {
			return nil
		}
		switch {
		case t.CrownStatus == StatusInProgress:
			claimed = p.Mode != ModeRefresh || t.CrownIsRefreshing
			return nil
		case t.CrownStatus == StatusPending && p.Mode != ModeRefresh:
			if err := transition(ctx, tx, t, TriggerClaim, persistence.TaskPatch{}); err != nil {
				return err
			}
			claimed = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim attempt: %w", err)
	}
	return task, claimed, nil
}

// execute runs one attempt without holding a transaction and reports what
// Finalize should write.
func (s *Service) execute(ctx context.Context, task *persistence.Task, p EvaluateJob) Outcome {
	base := Outcome{
		TaskID:           task.ID,
		AttemptID:        p.AttemptID,
		Refresh:          p.Mode == ModeRefresh,
		AutoRefreshCount: p.AutoRefreshCount,
	}
	logger := s.log(ctx)

	var (
		prompt     = task.Prompt
		candidates []Candidate
		hadEmpty   bool
	)
	if p.Mode == ModeRetryData {
		decoded, err := Decode(task.CrownRetryData)
		if err == nil {
			prompt, candidates = decoded.Prompt, decoded.Candidates
			if decoded.Dropped > 0 {
				logger.Warn("retry data had malformed candidates", "dropped", decoded.Dropped)
			}
			for _, c := range candidates {
				if c.GitDiff == "" || c.GitDiff == diffsource.EmptyDiffPlaceholder {
					hadEmpty = true
				}
			}
		} else {
			logger.Warn("retry data no longer decodes; collecting fresh", "error", err)
		}
	}

	if candidates == nil {
		col, err := s.collector.Collect(ctx, task.ID)
		if err != nil {
			return base.failure(fmt.Sprintf("Could not collect candidate diffs: %v", err), task.CrownRetryData)
		}
		switch col.Kind {
		case NoCandidates:
			return base.failure("No completed runs to evaluate", "")
		case SingleWinner:
			return base.single(col.Winner(), singleWinnerReason)
		}
		candidates, hadEmpty = col.Candidates, col.HadEmptyDiffs
	}

	blob := Encode(prompt, candidates)
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.RunID
	}

	verdict, err := s.evaluator.Evaluate(ctx, prompt, candidates, s.prefs("judge"))
	if err != nil {
		return base.failure(fmt.Sprintf("Crown evaluation failed: %v", err), blob).because(err)
	}
	if verdict.IsFallback || verdict.Winner == nil {
		return base.failure("Crown evaluation failed: "+verdict.Note, blob)
	}
	winner := candidates[*verdict.Winner]

	summary, err := s.summarizer.Summarize(ctx, prompt, winner.GitDiff, s.prefs("summary"))
	if err != nil {
		return base.failure(fmt.Sprintf("Crown summarization failed: %v", err), blob).because(err)
	}

	out := base
	out.Success = true
	out.WinnerRunID = winner.RunID
	out.CandidateRunIDs = ids
	out.Reason = verdict.Reason
	out.Summary = summary
	out.EvaluationPrompt = blob
	out.EvaluationResponse = verdict.Response
	out.HadEmptyDiffs = hadEmpty
	out.Note = verdict.Note
	return out
}

// TaskReport is everything the status command shows for a task.
type TaskReport struct {
	Task       *persistence.Task
	Runs       []persistence.Run
	Evaluation *persistence.Evaluation
	Events     []persistence.CrownEvent
}

func (s *Service) Describe(ctx context.Context, taskID string) (TaskReport, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskReport{}, err
	}
	runs, err := s.store.ListRuns(ctx, taskID)
	if err != nil {
		return TaskReport{}, err
	}
	ev, err := s.store.GetEvaluation(ctx, taskID)
	if err != nil {
		return TaskReport{}, err
	}
	events, err := s.store.ListCrownEvents(ctx, taskID)
	if err != nil {
		return TaskReport{}, err
	}
	return TaskReport{Task: task, Runs: runs, Evaluation: ev, Events: events}, nil
}
