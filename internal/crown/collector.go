package crown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/safety"
	"github.com/basket/crownd/internal/shared"
	"github.com/basket/crownd/internal/tokenutil"
)

// ErrDiffsUnavailable means no candidate diff could be fetched at all.
var ErrDiffsUnavailable = errors.New("crown: no candidate diff could be fetched")

const (
	defaultFetchConcurrency = 4
	diffTruncatedMarker     = "\n[diff truncated]\n"
)

type CollectionKind int

const (
	NoCandidates CollectionKind = iota
	SingleWinner
	MultipleCandidates
)

func (k CollectionKind) String() string {
	switch k {
	case SingleWinner:
		return "single"
	case MultipleCandidates:
		return "multiple"
	default:
		return "none"
	}
}

// Collection is what Collect found for a task.
type Collection struct {
	Kind CollectionKind
	// Runs are the completed runs, oldest first.
	Runs []persistence.Run
	// Candidates is filled for MultipleCandidates only.
	Candidates    []Candidate
	HadEmptyDiffs bool
}

// Winner returns the only run of a SingleWinner collection.
func (c Collection) Winner() persistence.Run {
	return c.Runs[0]
}

// RunLister reads the runs of a task.
type RunLister interface {
	ListRuns(ctx context.Context, taskID string) ([]persistence.Run, error)
}

type Collector struct {
	Runs          RunLister
	Diffs         diffsource.Source
	MaxDiffTokens int
	Concurrency   int
	// Screen, when set, redacts secrets and flags judge-directed text in
	// every fetched diff.
	Screen *safety.Screener
	Logger *slog.Logger
}

func completedRuns(runs []persistence.Run) []persistence.Run {
	var out []persistence.Run
	for _, r := range runs {
		if r.Status == persistence.RunCompleted {
			out = append(out, r)
		}
	}
	return out
}

func diffRequest(r persistence.Run) diffsource.DiffRequest {
	req := diffsource.DiffRequest{
		RunID:     r.ID,
		SandboxID: r.SandboxID,
		Repo:      r.Repo,
		BaseRef:   r.BaseRef,
	}
	if r.NewBranch != nil {
		req.HeadRef = *r.NewBranch
	}
	return req
}

// Collect gathers the completed runs of taskID and, when there are two or
// more, fetches their diffs concurrently. An empty or unobtainable diff is
// replaced by the placeholder; only when every fetch fails is an error
// returned.
func (c *Collector) Collect(ctx context.Context, taskID string) (Collection, error) {
	all, err := c.Runs.ListRuns(ctx, taskID)
	if err != nil {
		return Collection{}, fmt.Errorf("list runs: %w", err)
	}
	runs := completedRuns(all)
	switch len(runs) {
	case 0:
		return Collection{Kind: NoCandidates}, nil
	case 1:
		return Collection{Kind: SingleWinner, Runs: runs}, nil
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(shared.LogAttrs(ctx)...)

	diffs := make([]string, len(runs))
	fetchErrs := make([]error, len(runs))
	limit := c.Concurrency
	if limit <= 0 {
		limit = defaultFetchConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, run := range runs {
		g.Go(func() error {
			if c.Diffs == nil {
				fetchErrs[i] = diffsource.ErrUnavailable
				return nil
			}
			diff, err := c.Diffs.FetchDiff(gctx, diffRequest(run))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fetchErrs[i] = err
				logger.Warn("candidate diff unavailable", "run_id", run.ID, "error", err)
				return nil
			}
			diffs[i] = diff
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Collection{}, err
	}

	out := Collection{Kind: MultipleCandidates, Runs: runs}
	failed := 0
	for i, run := range runs {
		if fetchErrs[i] != nil {
			failed++
		}
		diff := diffs[i]
		if strings.TrimSpace(diff) == "" {
			diff = diffsource.EmptyDiffPlaceholder
			out.HadEmptyDiffs = true
		} else {
			diff = c.screen(logger, run.ID, diff)
			diff = tokenutil.TruncateToTokens(diff, c.MaxDiffTokens, diffTruncatedMarker)
		}
		out.Candidates = append(out.Candidates, Candidate{
			RunID:     run.ID,
			AgentName: run.AgentName,
			ModelName: run.ModelName,
			GitDiff:   diff,
			NewBranch: run.NewBranch,
			Index:     i,
		})
	}
	if failed == len(runs) {
		return Collection{}, fmt.Errorf("%w: %w", ErrDiffsUnavailable, errors.Join(fetchErrs...))
	}
	return out, nil
}

func (c *Collector) screen(logger *slog.Logger, runID, diff string) string {
	if c.Screen == nil {
		return diff
	}
	rep := c.Screen.Screen(diff)
	if n := rep.Redacted(); n > 0 {
		logger.Warn("redacted secrets from candidate diff", "run_id", runID, "count", n)
	}
	for _, f := range rep.Findings {
		if f.Kind == safety.KindInjection {
			logger.Warn("candidate diff addresses the judge", "run_id", runID, "reason", f.Reason, "sample", f.Sample)
		}
	}
	return rep.Diff
}

// HasRecoverableSource reports whether any completed run can still produce
// a diff.
func (c *Collector) HasRecoverableSource(ctx context.Context, runs []persistence.Run) bool {
	rc, ok := c.Diffs.(diffsource.ReachabilityChecker)
	if !ok {
		return false
	}
	for _, r := range completedRuns(runs) {
		if rc.Reachable(ctx, diffRequest(r)) {
			return true
		}
	}
	return false
}
