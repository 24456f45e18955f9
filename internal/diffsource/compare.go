package diffsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CompareSource rebuilds a unified diff from the per-file patches of the
// source host's compare endpoint (GET /repos/{repo}/compare/{base}...{head}).
// It needs a pushed branch and works after the sandbox is gone.
type CompareSource struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

type CompareOptions struct {
	BaseURL       string
	Token         string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	HTTPClient    *http.Client
}

func NewCompareSource(opts CompareOptions) *CompareSource {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.github.com"
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &CompareSource{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

func (c *CompareSource) Name() string { return "compare" }

type compareResponse struct {
	Files []struct {
		Filename         string `json:"filename"`
		PreviousFilename string `json:"previous_filename"`
		Status           string `json:"status"`
		Patch            string `json:"patch"`
	} `json:"files"`
}

func (c *CompareSource) FetchDiff(ctx context.Context, req DiffRequest) (string, error) {
	if req.Repo == "" || req.HeadRef == "" {
		return "", ErrUnavailable
	}
	base := req.BaseRef
	if base == "" {
		base = "main"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("compare rate limit: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/compare/%s...%s",
		c.baseURL, req.Repo, escapeRef(base), escapeRef(req.HeadRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("compare request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("compare %s...%s not found: %w", base, req.HeadRef, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("compare API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed compareResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse compare response: %w", err)
	}
	return assembleUnifiedDiff(parsed), nil
}

func (c *CompareSource) Reachable(_ context.Context, req DiffRequest) bool {
	return req.Repo != "" && req.HeadRef != ""
}

// escapeRef escapes each path segment of a ref but keeps the slashes that
// branch names commonly contain.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// assembleUnifiedDiff stitches per-file patches, which carry only hunks,
// back into a multi-file unified diff.
func assembleUnifiedDiff(r compareResponse) string {
	var b strings.Builder
	for _, f := range r.Files {
		if f.Patch == "" {
			continue
		}
		oldName := f.Filename
		if f.PreviousFilename != "" {
			oldName = f.PreviousFilename
		}
		oldPath, newPath := "a/"+oldName, "b/"+f.Filename
		switch f.Status {
		case "added":
			oldPath = "/dev/null"
		case "removed":
			newPath = "/dev/null"
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n--- %s\n+++ %s\n", oldName, f.Filename, oldPath, newPath)
		b.WriteString(f.Patch)
		if !strings.HasSuffix(f.Patch, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
