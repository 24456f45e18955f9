package crown

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/safety"
)

type staticRuns []persistence.Run

func (s staticRuns) ListRuns(context.Context, string) ([]persistence.Run, error) {
	return s, nil
}

func completed(id string) persistence.Run {
	return persistence.Run{ID: id, AgentName: "agent-" + id, Status: persistence.RunCompleted, SandboxID: "sb-" + id}
}

func TestCollect_Kinds(t *testing.T) {
	diffs := &fakeDiffs{diffs: map[string]string{"a": sampleDiff("a.go"), "b": sampleDiff("b.go")}, errs: map[string]error{}}
	failed := persistence.Run{ID: "x", Status: persistence.RunFailed}

	tests := []struct {
		name string
		runs staticRuns
		want CollectionKind
	}{
		{"no runs", nil, NoCandidates},
		{"only failed runs", staticRuns{failed}, NoCandidates},
		{"one completed", staticRuns{failed, completed("a")}, SingleWinner},
		{"two completed", staticRuns{completed("a"), failed, completed("b")}, MultipleCandidates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Collector{Runs: tt.runs, Diffs: diffs}
			got, err := c.Collect(context.Background(), "task")
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if got.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestCollect_SingleWinnerFetchesNothing(t *testing.T) {
	diffs := &fakeDiffs{diffs: map[string]string{}, errs: map[string]error{}}
	c := &Collector{Runs: staticRuns{completed("a")}, Diffs: diffs}
	got, err := c.Collect(context.Background(), "task")
	if err != nil {
		t.Fatal(err)
	}
	if got.Winner().ID != "a" || diffs.fetches != 0 {
		t.Fatalf("winner = %s, fetches = %d", got.Winner().ID, diffs.fetches)
	}
}

func TestCollect_PlaceholdersAndIndexes(t *testing.T) {
	diffs := &fakeDiffs{
		diffs: map[string]string{"a": sampleDiff("a.go"), "b": "   \n"},
		errs:  map[string]error{"c": errors.New("container gone")},
	}
	c := &Collector{Runs: staticRuns{completed("a"), completed("b"), completed("c")}, Diffs: diffs}
	got, err := c.Collect(context.Background(), "task")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !got.HadEmptyDiffs {
		t.Fatal("expected HadEmptyDiffs")
	}
	if len(got.Candidates) != 3 {
		t.Fatalf("candidates = %d", len(got.Candidates))
	}
	for i, c := range got.Candidates {
		if c.Index != i {
			t.Fatalf("candidate %d has index %d", i, c.Index)
		}
	}
	if got.Candidates[1].GitDiff != diffsource.EmptyDiffPlaceholder || got.Candidates[2].GitDiff != diffsource.EmptyDiffPlaceholder {
		t.Fatalf("placeholders = %q, %q", got.Candidates[1].GitDiff, got.Candidates[2].GitDiff)
	}
}

func TestCollect_AllFetchesFail(t *testing.T) {
	boom := errors.New("boom")
	diffs := &fakeDiffs{diffs: map[string]string{}, errs: map[string]error{"a": boom, "b": boom}}
	c := &Collector{Runs: staticRuns{completed("a"), completed("b")}, Diffs: diffs}
	_, err := c.Collect(context.Background(), "task")
	if !errors.Is(err, ErrDiffsUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestCollect_TruncatesLongDiffs(t *testing.T) {
	long := strings.Repeat("+added line with several words in it\n", 2000)
	diffs := &fakeDiffs{diffs: map[string]string{"a": long, "b": sampleDiff("b.go")}, errs: map[string]error{}}
	c := &Collector{Runs: staticRuns{completed("a"), completed("b")}, Diffs: diffs, MaxDiffTokens: 500}
	got, err := c.Collect(context.Background(), "task")
	if err != nil {
		t.Fatal(err)
	}
	diff := got.Candidates[0].GitDiff
	if !strings.HasSuffix(diff, diffTruncatedMarker) || len(diff) >= len(long) {
		t.Fatalf("diff not truncated: %d bytes", len(diff))
	}
	if got.Candidates[1].GitDiff != sampleDiff("b.go") {
		t.Fatal("short diff must be left alone")
	}
}

func TestHasRecoverableSource(t *testing.T) {
	runs := []persistence.Run{completed("a")}
	reachable := &Collector{Diffs: &fakeDiffs{reachable: true}}
	if !reachable.HasRecoverableSource(context.Background(), runs) {
		t.Fatal("expected recoverable")
	}
	gone := &Collector{Diffs: &fakeDiffs{}}
	if gone.HasRecoverableSource(context.Background(), runs) {
		t.Fatal("expected unrecoverable")
	}
	if reachable.HasRecoverableSource(context.Background(), nil) {
		t.Fatal("no runs cannot be recovered")
	}
}

func TestCollect_ScreensDiffs(t *testing.T) {
	leaky := "--- a/c.go\n+++ b/c.go\n@@ -0,0 +1 @@\n+var key = \"sk-abcdefghijklmnopqrstuvwxyz012345\"\n"
	diffs := &fakeDiffs{diffs: map[string]string{"a": leaky, "b": sampleDiff("b.go")}, errs: map[string]error{}}
	c := &Collector{Runs: staticRuns{completed("a"), completed("b")}, Diffs: diffs, Screen: safety.NewScreener()}
	got, err := c.Collect(context.Background(), "task")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got.Candidates[0].GitDiff, "sk-abcdefghijklmnopqrstuvwxyz012345") {
		t.Fatalf("secret reached the judge: %q", got.Candidates[0].GitDiff)
	}
	if !strings.Contains(got.Candidates[0].GitDiff, "[REDACTED provider API key]") {
		t.Fatalf("diff = %q", got.Candidates[0].GitDiff)
	}
	if got.Candidates[1].GitDiff != sampleDiff("b.go") {
		t.Fatalf("clean diff changed: %q", got.Candidates[1].GitDiff)
	}
}
