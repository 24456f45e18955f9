// Package diffsource fetches the unified diff a run produced, either from
// its live sandbox or from the source host's commit-compare API.
package diffsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/crownd/internal/otel"
)

// EmptyDiffPlaceholder stands in for a diff that is empty or could not be
// fetched, so the judge still sees every candidate.
const EmptyDiffPlaceholder = "<git diff not available>"

var (
	// ErrUnavailable means the source cannot serve this run at all (no
	// sandbox, no branch), as opposed to a transient fetch failure.
	ErrUnavailable = errors.New("diff source unavailable")
)

// DiffRequest identifies the change to diff.
type DiffRequest struct {
	RunID     string
	SandboxID string
	Repo      string // owner/name
	BaseRef   string
	HeadRef   string // pushed branch, empty if none
}

type Source interface {
	Name() string
	FetchDiff(ctx context.Context, req DiffRequest) (string, error)
}

// ReachabilityChecker is implemented by sources that can tell whether a run
// is still fetchable without fetching it.
type ReachabilityChecker interface {
	Reachable(ctx context.Context, req DiffRequest) bool
}

// ChainSource tries each source in order and returns the first non-empty
// diff. An empty result from every source is not an error.
type ChainSource struct {
	Sources []Source
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

func (c *ChainSource) Name() string { return "chain" }

func (c *ChainSource) FetchDiff(ctx context.Context, req DiffRequest) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	sawEmpty := false
	for _, src := range c.Sources {
		start := time.Now()
		out, err := src.FetchDiff(ctx, req)
		c.Metrics.ObserveDiffFetch(ctx, time.Since(start), src.Name())
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !errors.Is(err, ErrUnavailable) {
				logger.Warn("diff fetch failed", "source", src.Name(), "run_id", req.RunID, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if strings.TrimSpace(out) != "" {
			return out, nil
		}
		sawEmpty = true
	}
	if sawEmpty || len(errs) == 0 {
		return "", nil
	}
	return "", errors.Join(errs...)
}

// Reachable reports whether any source in the chain can still serve req.
func (c *ChainSource) Reachable(ctx context.Context, req DiffRequest) bool {
	for _, src := range c.Sources {
		if rc, ok := src.(ReachabilityChecker); ok && rc.Reachable(ctx, req) {
			return true
		}
	}
	return false
}
