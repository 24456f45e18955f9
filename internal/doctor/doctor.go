// Package doctor runs the diagnostic checks behind `crownd doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/crownd/internal/config"
	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/engine"
	"github.com/basket/crownd/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type pinger interface {
	Ping(ctx context.Context) error
	Close() error
}

// dialDocker is replaced in tests.
var dialDocker = func(host string) (pinger, error) {
	return diffsource.NewDockerExecutor(host)
}

// Run executes all diagnostic checks. cfg may be nil when the config could
// not be loaded; loadErr explains why.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkSandbox,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: fmt.Sprintf("No config.yaml in %s; using defaults", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func usableProviders(cfg *config.Config) []string {
	prefs := engine.ModelPreferences{Providers: cfg.Crown.Providers, APIKeys: cfg.APIKeys()}
	return prefs.Usable()
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	usable := usableProviders(cfg)
	if len(usable) == 0 {
		return CheckResult{
			Name:    "API Key",
			Status:  "FAIL",
			Message: "No provider in the preference list has a credential",
			Detail:  fmt.Sprintf("preference order %v; set ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or OPENROUTER_API_KEY", cfg.Crown.Providers),
		}
	}
	status := "PASS"
	if usable[0] != cfg.Crown.Providers[0] {
		status = "WARN"
	}
	return CheckResult{
		Name:    "API Key",
		Status:  status,
		Message: fmt.Sprintf("Judge will use %s", usable[0]),
		Detail:  fmt.Sprintf("usable providers %v of %v", usable, cfg.Crown.Providers),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d, %d queued job(s)", version, depth),
		Detail:  cfg.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkSandbox warns rather than fails: without Docker, diffs still come
// from the compare API once a run has pushed its branch.
func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Sandbox diff source disabled"}
	}
	p, err := dialDocker(cfg.Sandbox.Host)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "WARN", Message: "Docker client unavailable", Detail: err.Error()}
	}
	defer p.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: "WARN", Message: "Docker daemon unreachable; only the compare API will serve diffs", Detail: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "Docker daemon reachable"}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	var hosts []string
	if usable := usableProviders(cfg); len(usable) > 0 {
		host := providerHosts[usable[0]]
		if base := cfg.Providers[usable[0]].BaseURL; base != "" {
			if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
				host = u.Hostname()
			}
		}
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if u, err := url.Parse(cfg.Compare.BaseURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No endpoint to resolve"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var failed []string
	for _, host := range hosts {
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", host, err))
		}
	}
	latency := time.Since(start)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %d of %d host(s)", len(failed), len(hosts)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%dms)", strings.Join(hosts, ", "), latency.Milliseconds()),
	}
}
