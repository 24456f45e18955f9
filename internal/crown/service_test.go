package crown

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/persistence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDiffs serves diffs by run id. A run with an entry in errs fails.
type fakeDiffs struct {
	mu        sync.Mutex
	diffs     map[string]string
	errs      map[string]error
	reachable bool
	fetches   int
}

func (f *fakeDiffs) Name() string { return "fake" }

func (f *fakeDiffs) FetchDiff(_ context.Context, req diffsource.DiffRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.errs[req.RunID]; err != nil {
		return "", err
	}
	return f.diffs[req.RunID], nil
}

func (f *fakeDiffs) Reachable(context.Context, diffsource.DiffRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakeDiffs) failAll(runIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range runIDs {
		f.errs[id] = errors.New("sandbox exec failed")
	}
}

type harness struct {
	store   *persistence.Store
	svc     *Service
	gateway *fakeGateway
	diffs   *fakeDiffs
	clock   *fakeClock
	bus     *bus.Bus
	taskID  string
	runIDs  []string
}

func newHarness(t *testing.T, runs int) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crownd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	h := &harness{
		store:   store,
		gateway: newFakeGateway(),
		diffs:   &fakeDiffs{diffs: map[string]string{}, errs: map[string]error{}, reachable: true},
		clock:   clock,
		bus:     b,
	}
	h.gateway.script("judge", fakeReply{obj: `{"winner": 1, "reason": "covers the edge case"}`})
	h.gateway.script("summary", fakeReply{obj: `{"summary": "Retries the flaky call."}`})

	sleeper := &recordingSleeper{}
	h.svc = NewService(store, Options{
		Collector:  &Collector{Runs: store, Diffs: h.diffs},
		Evaluator:  &Evaluator{Gateway: h.gateway, Sleep: sleeper.Sleep},
		Summarizer: &Summarizer{Gateway: h.gateway, Sleep: sleeper.Sleep},
		Preferences: func(string) engine.ModelPreferences {
			return testPrefs
		},
	})
	h.taskID, h.runIDs = h.seed(t, "Fix the flaky test", runs)
	return h
}

func (h *harness) seed(t *testing.T, prompt string, runs int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	taskID, err := h.store.CreateTask(ctx, prompt)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	var ids []string
	for i := 0; i < runs; i++ {
		branch := fmt.Sprintf("crown/agent-%d", i)
		id, err := h.store.AddRun(ctx, taskID, persistence.NewRun{
			AgentName: fmt.Sprintf("agent-%d", i),
			ModelName: fmt.Sprintf("model-%d", i),
			Status:    persistence.RunCompleted,
			SandboxID: fmt.Sprintf("sb-%d", i),
			Repo:      "acme/widgets",
			BaseRef:   "main",
			NewBranch: &branch,
		})
		if err != nil {
			t.Fatalf("add run: %v", err)
		}
		h.diffs.mu.Lock()
		h.diffs.diffs[id] = sampleDiff(fmt.Sprintf("file%d.go", i))
		h.diffs.mu.Unlock()
		ids = append(ids, id)
		// Runs are listed by creation time; keep their order stable.
		h.clock.Advance(time.Millisecond)
	}
	return taskID, ids
}

// runJobs executes every due job in order, as a worker would.
func (h *harness) runJobs(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for {
		job, err := h.store.ClaimNextJob(ctx)
		if err != nil {
			t.Fatalf("claim job: %v", err)
		}
		if job == nil {
			return n
		}
		if err := h.svc.HandleEvaluateJob(ctx, *job); err != nil {
			t.Fatalf("handle job %s: %v", job.ID, err)
		}
		if err := h.store.CompleteJob(ctx, job.ID, job.LeaseOwner); err != nil {
			t.Fatalf("complete job: %v", err)
		}
		n++
	}
}

func (h *harness) task(t *testing.T) *persistence.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), h.taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (h *harness) evaluation(t *testing.T) *persistence.Evaluation {
	t.Helper()
	ev, err := h.store.GetEvaluation(context.Background(), h.taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	return ev
}

// crowned returns the ids of every crowned run of the task.
func (h *harness) crowned(t *testing.T) []persistence.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), h.taskID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var out []persistence.Run
	for _, r := range runs {
		if r.IsCrowned {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) assertOneCrownMatchesEvaluation(t *testing.T) {
	t.Helper()
	ev := h.evaluation(t)
	if ev == nil {
		t.Fatal("expected an evaluation")
	}
	crowned := h.crowned(t)
	if len(crowned) != 1 || crowned[0].ID != ev.WinnerRunID {
		t.Fatalf("crowned runs = %v, want exactly the winner %s", crowned, ev.WinnerRunID)
	}
}

func (h *harness) succeed(t *testing.T) {
	t.Helper()
	if _, err := h.svc.RequestEvaluation(context.Background(), h.taskID); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.runJobs(t)
	if got := h.task(t).CrownStatus; got != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (error %q)", got, h.task(t).CrownError)
	}
}

func TestRequestEvaluation_Idempotent(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	first, err := h.svc.RequestEvaluation(ctx, h.taskID)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := h.svc.RequestEvaluation(ctx, h.taskID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if !first.Pending || second != first {
		t.Fatalf("outcomes = %+v, %+v; want both pending", first, second)
	}
	jobs, err := h.store.ListJobs(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}

	h.runJobs(t)
	third, err := h.svc.RequestEvaluation(ctx, h.taskID)
	if err != nil {
		t.Fatal(err)
	}
	fourth, err := h.svc.RequestEvaluation(ctx, h.taskID)
	if err != nil {
		t.Fatal(err)
	}
	if third.WinnerRunID != h.runIDs[1] || fourth != third {
		t.Fatalf("outcomes after success = %+v, %+v", third, fourth)
	}
	if n := h.runJobs(t); n != 0 {
		t.Fatalf("requests after success enqueued %d jobs", n)
	}
}

func TestRequestEvaluation_ConcurrentCallersScheduleOnce(t *testing.T) {
	h := newHarness(t, 3)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.RequestEvaluation(context.Background(), h.taskID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request: %v", err)
	}
	if n := h.runJobs(t); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}
	h.assertOneCrownMatchesEvaluation(t)
}

func TestEvaluation_SuccessCrownsWinner(t *testing.T) {
	h := newHarness(t, 3)
	sub := h.bus.Subscribe("crown.")
	defer h.bus.Unsubscribe(sub)

	h.succeed(t)
	h.assertOneCrownMatchesEvaluation(t)

	task := h.task(t)
	if !task.IsCompleted || task.SelectedRunID != h.runIDs[1] || task.CrownRetryData != "" || task.CrownAttemptID != "" {
		t.Fatalf("task after success = %+v", task)
	}
	winner := h.crowned(t)[0]
	if winner.CrownReason != "covers the edge case" || winner.Summary != "Retries the flaky call." {
		t.Fatalf("winner = %+v", winner)
	}
	if winner.PRTitle != "[Crown] Fix the flaky test" {
		t.Fatalf("pr title = %q", winner.PRTitle)
	}
	ev := h.evaluation(t)
	if len(ev.CandidateRunIDs) != 3 || ev.HadEmptyDiffs || ev.IsFallback {
		t.Fatalf("evaluation = %+v", ev)
	}
	if _, err := Decode(ev.EvaluationPrompt); err != nil {
		t.Fatalf("stored evaluation prompt should decode: %v", err)
	}

	var topics []string
	for len(sub.Ch()) > 0 {
		topics = append(topics, (<-sub.Ch()).Topic)
	}
	joined := strings.Join(topics, ",")
	if !strings.Contains(joined, bus.TopicCrownEvaluated) || !strings.Contains(joined, bus.TopicCrownStatusChanged) {
		t.Fatalf("topics = %v", topics)
	}
}

func TestEvaluation_SingleRunSkipsModel(t *testing.T) {
	h := newHarness(t, 1)
	h.succeed(t)

	if n := h.gateway.total(); n != 0 {
		t.Fatalf("model calls = %d, want 0", n)
	}
	crowned := h.crowned(t)
	if len(crowned) != 1 || crowned[0].CrownReason != "Only one model completed the task" {
		t.Fatalf("crowned = %+v", crowned)
	}
	if crowned[0].PRTitle != "Fix the flaky test" {
		t.Fatalf("pr title = %q", crowned[0].PRTitle)
	}
	h.assertOneCrownMatchesEvaluation(t)
}

func TestEvaluation_NoCompletedRunsFails(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.svc.RequestEvaluation(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)
	task := h.task(t)
	if task.CrownStatus != StatusError || !task.IsCompleted || task.CrownError == "" {
		t.Fatalf("task = %+v", task)
	}
}

func TestEvaluation_FallbackKeepsRetryData(t *testing.T) {
	h := newHarness(t, 2)
	h.gateway.script("judge", fakeReply{err: errors.New("503 overloaded")})

	if _, err := h.svc.RequestEvaluation(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)

	task := h.task(t)
	if task.CrownStatus != StatusError || !task.IsCompleted {
		t.Fatalf("task = %+v", task)
	}
	if !strings.Contains(task.CrownError, "gave up after 3 attempts") {
		t.Fatalf("error = %q", task.CrownError)
	}
	decoded, err := Decode(task.CrownRetryData)
	if err != nil {
		t.Fatalf("retry data should decode: %v", err)
	}
	if decoded.Prompt != "Fix the flaky test" || len(decoded.Candidates) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if h.evaluation(t) != nil || len(h.crowned(t)) != 0 {
		t.Fatal("a failed attempt must not crown anything")
	}
}

func TestEvaluation_SummaryFailureIsOverallFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.gateway.script("summary", fakeReply{obj: `{"summary": " "}`})

	if _, err := h.svc.RequestEvaluation(context.Background(), h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)

	task := h.task(t)
	if task.CrownStatus != StatusError || !decodable(task.CrownRetryData) {
		t.Fatalf("task = %+v", task)
	}
	if h.evaluation(t) != nil || len(h.crowned(t)) != 0 {
		t.Fatal("no winner may be persisted without a summary")
	}
}

func TestRetryEvaluation_UsesRetryDataAndCooldown(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.gateway.script("judge", fakeReply{err: errors.New("500 internal server error")})
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)

	if err := h.svc.RetryEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	task := h.task(t)
	if task.CrownStatus != StatusPending || task.CrownRetryCount != 1 || task.CrownLastRetryAt == nil {
		t.Fatalf("task after retry = %+v", task)
	}
	fetchesBefore := h.diffs.fetches
	h.runJobs(t)
	if h.diffs.fetches != fetchesBefore {
		t.Fatal("retry from retry data must not re-collect diffs")
	}

	h.clock.Advance(10 * time.Second)
	err := h.svc.RetryEvaluation(ctx, h.taskID)
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("second retry err = %v, want *CooldownError", err)
	}
	if !strings.Contains(err.Error(), "20 seconds") {
		t.Fatalf("cooldown message = %q", err.Error())
	}

	h.clock.Advance(20 * time.Second)
	h.gateway.script("judge", fakeReply{obj: `{"winner": 0, "reason": "finally"}`})
	if err := h.svc.RetryEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("retry after cooldown: %v", err)
	}
	h.runJobs(t)
	task = h.task(t)
	if task.CrownStatus != StatusSucceeded || task.CrownRetryCount != 2 {
		t.Fatalf("task = %+v", task)
	}
	h.assertOneCrownMatchesEvaluation(t)
}

func TestRetryEvaluation_RequiresError(t *testing.T) {
	h := newHarness(t, 2)
	err := h.svc.RetryEvaluation(context.Background(), h.taskID)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusNone {
		t.Fatalf("err = %v, want *TransitionError from none", err)
	}
}

func TestRetryEvaluation_FreshWhenRetryDataMissing(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)
	if h.task(t).CrownRetryData != "" {
		t.Fatal("no retry data expected")
	}
	_, ids := h.addRuns(t, 2)

	if err := h.svc.RetryEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.runJobs(t)
	task := h.task(t)
	if task.CrownStatus != StatusSucceeded || task.SelectedRunID != ids[1] {
		t.Fatalf("task = %+v", task)
	}
}

func TestRetryEvaluation_Unrecoverable(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)
	h.addRuns(t, 2)
	h.diffs.reachable = false

	err := h.svc.RetryEvaluation(ctx, h.taskID)
	if !errors.Is(err, ErrDiffsUnrecoverable) {
		t.Fatalf("err = %v, want ErrDiffsUnrecoverable", err)
	}
	task := h.task(t)
	if task.CrownStatus != StatusError || !task.CrownUnrecoverable {
		t.Fatalf("task = %+v", task)
	}
	if !strings.Contains(task.CrownError, "diffs cannot be recovered; create a new task") {
		t.Fatalf("error = %q", task.CrownError)
	}
	if n := h.runJobs(t); n != 0 {
		t.Fatalf("unrecoverable retry enqueued %d jobs", n)
	}
}

func (h *harness) addRuns(t *testing.T, n int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := h.store.AddRun(ctx, h.taskID, persistence.NewRun{
			AgentName: fmt.Sprintf("late-%d", i),
			Status:    persistence.RunCompleted,
			SandboxID: fmt.Sprintf("late-sb-%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		h.diffs.mu.Lock()
		h.diffs.diffs[id] = sampleDiff(fmt.Sprintf("late%d.go", i))
		h.diffs.mu.Unlock()
		ids = append(ids, id)
		h.clock.Advance(time.Millisecond)
	}
	return h.taskID, ids
}

func TestRefreshEvaluation_FailureRestoresState(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.succeed(t)
	before := h.evaluation(t)
	crownedBefore := h.crowned(t)[0]

	h.diffs.failAll(h.runIDs)
	if err := h.svc.RefreshEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	task := h.task(t)
	if task.CrownStatus != StatusInProgress || !task.CrownIsRefreshing {
		t.Fatalf("task during refresh = %+v", task)
	}
	if err := h.svc.RefreshEvaluation(ctx, h.taskID); !errors.Is(err, ErrEvaluationInFlight) {
		t.Fatalf("second refresh err = %v, want ErrEvaluationInFlight", err)
	}

	h.runJobs(t)
	task = h.task(t)
	if task.CrownStatus != StatusSucceeded || task.CrownIsRefreshing || task.CrownError != "" {
		t.Fatalf("task after failed refresh = %+v", task)
	}
	after := h.evaluation(t)
	if after == nil || after.ID != before.ID || after.WinnerRunID != before.WinnerRunID {
		t.Fatalf("evaluation changed: before %+v after %+v", before, after)
	}
	crownedAfter := h.crowned(t)
	if len(crownedAfter) != 1 || crownedAfter[0].ID != crownedBefore.ID || crownedAfter[0].Summary != crownedBefore.Summary {
		t.Fatalf("crowned run changed: %+v", crownedAfter)
	}
}

func TestRefreshEvaluation_SuccessReplacesEvaluation(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.succeed(t)
	before := h.evaluation(t)

	h.gateway.script("judge", fakeReply{obj: `{"winner": 0, "reason": "fresh diffs favour agent 0"}`})
	if err := h.svc.RefreshEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)

	after := h.evaluation(t)
	if after.ID == before.ID || after.WinnerRunID != h.runIDs[0] {
		t.Fatalf("evaluation after refresh = %+v", after)
	}
	h.assertOneCrownMatchesEvaluation(t)
	if task := h.task(t); task.CrownIsRefreshing || task.SelectedRunID != h.runIDs[0] {
		t.Fatalf("task = %+v", task)
	}
}

func TestRefreshEvaluation_RequiresSucceeded(t *testing.T) {
	h := newHarness(t, 2)
	err := h.svc.RefreshEvaluation(context.Background(), h.taskID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransitionError", err)
	}
}

func TestSweepAutoRefresh(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.diffs.diffs[h.runIDs[0]] = ""
	h.succeed(t)
	if ev := h.evaluation(t); !ev.HadEmptyDiffs || ev.AutoRefreshCount != 0 {
		t.Fatalf("evaluation = %+v", ev)
	}

	n, err := h.svc.SweepAutoRefresh(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if task := h.task(t); !task.CrownIsRefreshing {
		t.Fatalf("task = %+v", task)
	}
	h.runJobs(t)
	if ev := h.evaluation(t); ev.AutoRefreshCount != 1 || !ev.HadEmptyDiffs {
		t.Fatalf("evaluation after auto refresh = %+v", ev)
	}

	n, err = h.svc.SweepAutoRefresh(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
	h.runJobs(t)
	if ev := h.evaluation(t); ev.AutoRefreshCount != 2 {
		t.Fatalf("count = %d, want 2", ev.AutoRefreshCount)
	}

	n, err = h.svc.SweepAutoRefresh(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep at cap = %d, %v; want 0", n, err)
	}
	if task := h.task(t); task.CrownStatus != StatusSucceeded || task.CrownIsRefreshing {
		t.Fatalf("task = %+v", task)
	}
}

func TestSweepAutoRefresh_SkipsWithoutBranches(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 2; i++ {
		id, err := h.store.AddRun(ctx, h.taskID, persistence.NewRun{AgentName: "a", Status: persistence.RunCompleted, SandboxID: "sb"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		h.clock.Advance(time.Millisecond)
	}
	h.diffs.diffs[ids[1]] = sampleDiff("x.go")
	h.succeed(t)

	n, err := h.svc.SweepAutoRefresh(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v; want 0", n, err)
	}
}

func TestSweepAutoRefresh_OutsideLookback(t *testing.T) {
	h := newHarness(t, 2)
	h.diffs.diffs[h.runIDs[0]] = ""
	h.succeed(t)
	h.clock.Advance(25 * time.Hour)

	n, err := h.svc.SweepAutoRefresh(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v; want 0", n, err)
	}
}

func TestSweepStuck_TimesOutAndDiscardsLateResult(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	job, err := h.store.ClaimNextJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}

	h.clock.Advance(11 * time.Minute)
	report, err := h.svc.SweepStuck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Scanned != 1 {
		t.Fatalf("report = %+v", report)
	}
	task := h.task(t)
	if task.CrownStatus != StatusError || task.CrownError != "Crown evaluation timed out after 11 minutes" || task.CrownAttemptID != "" {
		t.Fatalf("task = %+v", task)
	}

	// The abandoned job finishes late and must not change anything.
	if err := h.svc.HandleEvaluateJob(ctx, *job); err != nil {
		t.Fatal(err)
	}
	if task := h.task(t); task.CrownStatus != StatusError || h.evaluation(t) != nil {
		t.Fatalf("late result was applied: %+v", task)
	}

	report, err = h.svc.SweepStuck(ctx)
	if err != nil || report.Repaired() != 0 {
		t.Fatalf("second sweep = %+v, %v", report, err)
	}
}

func TestSweepStuck_RecoversCrashedRefresh(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.succeed(t)
	if err := h.svc.RefreshEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(15 * time.Minute)

	report, err := h.svc.SweepStuck(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("report = %+v, %v", report, err)
	}
	task := h.task(t)
	if task.CrownStatus != StatusSucceeded || task.CrownIsRefreshing {
		t.Fatalf("task = %+v", task)
	}
	h.assertOneCrownMatchesEvaluation(t)
}

func TestSweepStuck_IgnoresFreshTasks(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(5 * time.Minute)
	report, err := h.svc.SweepStuck(ctx)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("report = %+v, %v", report, err)
	}
}

func TestSweepMissingEvaluations(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	multiTask, multiRuns := h.seed(t, "Add caching", 2)
	for _, id := range []string{h.taskID, multiTask} {
		if err := h.store.MarkTaskCompleted(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.svc.SweepMissingEvaluations(ctx)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("young tasks must be left alone: %+v, %v", report, err)
	}

	h.clock.Advance(11 * time.Minute)
	report, err = h.svc.SweepMissingEvaluations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 || report.Scheduled != 1 {
		t.Fatalf("report = %+v", report)
	}
	if h.gateway.total() != 0 {
		t.Fatal("single-run recovery must not call the model")
	}
	crowned := h.crowned(t)
	if len(crowned) != 1 || crowned[0].CrownReason != "Only one model completed the task (recovery)" {
		t.Fatalf("crowned = %+v", crowned)
	}
	if task := h.task(t); task.CrownStatus != StatusSucceeded {
		t.Fatalf("single task = %+v", task)
	}

	multi, err := h.store.GetTask(ctx, multiTask)
	if err != nil {
		t.Fatal(err)
	}
	if multi.CrownStatus != StatusPending || multi.CrownRetryCount != 1 {
		t.Fatalf("multi task = %+v", multi)
	}
	h.runJobs(t)
	ev, err := h.store.GetEvaluation(ctx, multiTask)
	if err != nil || ev == nil || ev.WinnerRunID != multiRuns[1] {
		t.Fatalf("multi evaluation = %+v, %v", ev, err)
	}
}

func TestSweepMissingEvaluations_RespectsRetryLimit(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.gateway.script("judge", fakeReply{err: errors.New("500 internal server error")})
	if err := h.store.MarkTaskCompleted(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		h.clock.Advance(11 * time.Minute)
		report, err := h.svc.SweepMissingEvaluations(ctx)
		if err != nil || report.Scheduled != 1 {
			t.Fatalf("sweep %d = %+v, %v", i, report, err)
		}
		h.runJobs(t)
	}
	h.clock.Advance(11 * time.Minute)
	report, err := h.svc.SweepMissingEvaluations(ctx)
	if err != nil || report.Repaired() != 0 {
		t.Fatalf("sweep past the retry limit = %+v, %v", report, err)
	}
	if task := h.task(t); task.CrownRetryCount != 3 || task.CrownStatus != StatusError {
		t.Fatalf("task = %+v", task)
	}
}

func TestManualOverride(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.succeed(t)
	if err := h.store.UpdateRun(ctx, h.runIDs[2], persistence.RunPatch{
		PullRequestURL:   persistence.Ptr("https://example.test/pr/7"),
		PullRequestState: persistence.Ptr("open"),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.ManualOverride(ctx, "", h.runIDs[2], "better"); !errors.Is(err, ErrPrincipalRequired) {
		t.Fatalf("err = %v, want ErrPrincipalRequired", err)
	}

	got, err := h.svc.ManualOverride(ctx, "alice", h.runIDs[2], "Reviewer prefers this approach")
	if err != nil || got != h.runIDs[2] {
		t.Fatalf("override = %q, %v", got, err)
	}
	h.assertOneCrownMatchesEvaluation(t)
	winner := h.crowned(t)[0]
	if winner.ID != h.runIDs[2] || winner.PullRequestURL != "" || winner.PullRequestState != "" {
		t.Fatalf("winner = %+v", winner)
	}
	if winner.CrownReason != "Reviewer prefers this approach" || winner.PRTitle != "[Crown] Fix the flaky test" {
		t.Fatalf("winner = %+v", winner)
	}
	ev := h.evaluation(t)
	if !strings.Contains(ev.Note, "alice") || len(ev.CandidateRunIDs) != 3 {
		t.Fatalf("evaluation = %+v", ev)
	}
	if task := h.task(t); task.SelectedRunID != h.runIDs[2] || task.CrownStatus != StatusSucceeded {
		t.Fatalf("task = %+v", task)
	}
}

func TestManualOverride_RejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ManualOverride(ctx, "alice", h.runIDs[0], ""); !errors.Is(err, ErrEvaluationInFlight) {
		t.Fatalf("err = %v, want ErrEvaluationInFlight", err)
	}
}

func TestManualOverride_WithoutEvaluation(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if _, err := h.svc.ManualOverride(ctx, "bob", h.runIDs[0], ""); err != nil {
		t.Fatal(err)
	}
	if h.evaluation(t) != nil {
		t.Fatal("override without an evaluation must not invent one")
	}
	out, err := h.svc.RequestEvaluation(ctx, h.taskID)
	if err != nil || out.WinnerRunID != h.runIDs[0] {
		t.Fatalf("request after manual crown = %+v, %v", out, err)
	}
}

func TestFinalize_StaleAttemptIsDiscarded(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	applied, err := h.svc.Finalize(ctx, Outcome{TaskID: h.taskID, AttemptID: "not-current", Success: true, WinnerRunID: h.runIDs[0]})
	if err != nil || applied {
		t.Fatalf("Finalize = %v, %v; want discarded", applied, err)
	}
	if h.evaluation(t) != nil {
		t.Fatal("discarded outcome wrote an evaluation")
	}
}

func TestSweepStuck_RestoresCrashedRefreshOfOverride(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if _, err := h.svc.ManualOverride(ctx, "alice", h.runIDs[0], "smaller change"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if h.evaluation(t) != nil {
		t.Fatal("override of an unevaluated task should not create an evaluation")
	}
	if err := h.svc.RefreshEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.clock.Advance(15 * time.Minute)

	report, err := h.svc.SweepStuck(ctx)
	if err != nil || report.Succeeded != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, %v", report, err)
	}
	task := h.task(t)
	if task.CrownStatus != StatusSucceeded || task.CrownIsRefreshing || task.CrownAttemptID != "" || task.CrownError != "" {
		t.Fatalf("task = %+v", task)
	}
	if task.SelectedRunID != h.runIDs[0] {
		t.Fatalf("selected run = %s, want %s", task.SelectedRunID, h.runIDs[0])
	}
	crowned := h.crowned(t)
	if len(crowned) != 1 || crowned[0].ID != h.runIDs[0] {
		t.Fatalf("crowned = %+v", crowned)
	}
}

func TestMissingCredentials_NotRetriedBySweep(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.gateway.script("judge", fakeReply{err: engine.ErrNoCredentials})
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)
	task := h.task(t)
	if task.CrownStatus != StatusError || !task.CrownNeedsConfig || !strings.Contains(task.CrownError, "credentials") {
		t.Fatalf("task = %+v", task)
	}
	if h.gateway.count("judge") != 1 {
		t.Fatalf("judge calls = %d, want 1", h.gateway.count("judge"))
	}

	h.clock.Advance(11 * time.Minute)
	report, err := h.svc.SweepMissingEvaluations(ctx)
	if err != nil || report.Scanned != 0 || report.Repaired() != 0 {
		t.Fatalf("sweep = %+v, %v; want the task left alone", report, err)
	}
	if got := h.task(t).CrownStatus; got != StatusError {
		t.Fatalf("status after sweep = %s", got)
	}

	// Once credentials are fixed a user retry goes through.
	h.gateway.script("judge", fakeReply{obj: `{"winner": 1, "reason": "covers the edge case"}`})
	if err := h.svc.RetryEvaluation(ctx, h.taskID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.task(t).CrownNeedsConfig {
		t.Fatal("retry should clear the configuration marker")
	}
	h.runJobs(t)
	if task := h.task(t); task.CrownStatus != StatusSucceeded || task.CrownNeedsConfig {
		t.Fatalf("task after retry = %+v", task)
	}
	h.assertOneCrownMatchesEvaluation(t)
}

func TestTransientFailure_LeavesConfigMarkerUnset(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.gateway.script("judge", fakeReply{err: errors.New("500 internal server error")})
	if _, err := h.svc.RequestEvaluation(ctx, h.taskID); err != nil {
		t.Fatal(err)
	}
	h.runJobs(t)
	if task := h.task(t); task.CrownStatus != StatusError || task.CrownNeedsConfig {
		t.Fatalf("task = %+v", task)
	}
}
