package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/crownd/internal/otel"
)

// ProviderConfig holds per-provider settings for the judge and summary models.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
	Model   string `yaml:"model"`
}

// CrownConfig tunes evaluation, retry and sweep behaviour.
type CrownConfig struct {
	// Harness names the configured judge bundle; it is recorded on every
	// evaluation note and log line.
	Harness string `yaml:"harness" validate:"required"`

	// Providers is the preference order used to pick a model backend. Only
	// providers with a credential are considered.
	Providers []string `yaml:"providers" validate:"min=1,dive,oneof=anthropic openai google openrouter"`

	JudgeSystemPrompt   string `yaml:"judge_system_prompt"`
	SummarySystemPrompt string `yaml:"summary_system_prompt"`

	RetryCooldownSeconds        int `yaml:"retry_cooldown_seconds" validate:"min=0"`
	StaleThresholdMinutes       int `yaml:"stale_threshold_minutes" validate:"min=1"`
	MissingEvaluationAgeMinutes int `yaml:"missing_evaluation_age_minutes" validate:"min=1"`
	MissingEvaluationMaxRetries int `yaml:"missing_evaluation_max_retries" validate:"min=1"`
	AutoRefreshCap              int `yaml:"auto_refresh_cap" validate:"min=0"`
	AutoRefreshLookbackHours    int `yaml:"auto_refresh_lookback_hours" validate:"min=1"`
	MaxDiffTokens               int `yaml:"max_diff_tokens" validate:"min=0"`

	StuckSchedule       string `yaml:"stuck_schedule" validate:"cronspec"`
	AutoRefreshSchedule string `yaml:"auto_refresh_schedule" validate:"cronspec"`
	MissingSchedule     string `yaml:"missing_schedule" validate:"cronspec"`
}

// FailoverConfig controls the provider circuit breakers.
type FailoverConfig struct {
	// Threshold is the number of consecutive failures before a provider's
	// breaker trips. Default 5.
	Threshold int `yaml:"threshold" validate:"min=1"`
	// CooldownSeconds is how long a tripped breaker stays open. Default 300.
	CooldownSeconds int `yaml:"cooldown_seconds" validate:"min=1"`
}

// SandboxConfig addresses the live agent sandboxes.
type SandboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"` // empty uses DOCKER_HOST / the default socket
	Workdir string `yaml:"workdir" validate:"required"`
}

// CompareConfig addresses the source host's commit-compare API.
type CompareConfig struct {
	BaseURL        string  `yaml:"base_url" validate:"required,url"`
	Token          string  `yaml:"token"`
	RatePerSecond  float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst          int     `yaml:"burst" validate:"min=1"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=1"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	DBPath   string `yaml:"db_path"`

	WorkerCount         int `yaml:"worker_count" validate:"min=1,max=64"`
	PollIntervalMillis  int `yaml:"poll_interval_ms" validate:"min=10"`
	LeaseSeconds        int `yaml:"lease_seconds" validate:"min=5"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds" validate:"min=0"`
	RetentionAuditDays  int `yaml:"retention_audit_days" validate:"min=0"`
	RetentionEventsDays int `yaml:"retention_events_days" validate:"min=0"`

	Crown     CrownConfig               `yaml:"crown"`
	Failover  FailoverConfig            `yaml:"failover"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Compare   CompareConfig             `yaml:"compare"`
	OTel      otel.Config               `yaml:"otel"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("cronspec", validateCronSpec)
}

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

func validateCronSpec(fl validator.FieldLevel) bool {
	spec := strings.TrimSpace(fl.Field().String())
	if spec == "" {
		return false
	}
	_, err := cronParser.Parse(spec)
	return err == nil
}

// providerEnv maps provider names to the env vars that override their keys.
var providerEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// APIKeys returns every provider credential currently configured, keyed by
// provider name. Providers without a key are omitted.
func (c Config) APIKeys() map[string]string {
	keys := make(map[string]string)
	for name := range providerEnv {
		if v := c.ProviderAPIKey(name); v != "" {
			keys[name] = v
		}
	}
	return keys
}

// ProviderModels returns the configured model id per provider.
func (c Config) ProviderModels() map[string]string {
	models := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.Model != "" {
			models[name] = p.Model
		}
	}
	return models
}

// ProviderBaseURLs returns custom endpoints per provider.
func (c Config) ProviderBaseURLs() map[string]string {
	urls := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.BaseURL != "" {
			urls[name] = p.BaseURL
		}
	}
	return urls
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the effective config, logged on
// reload so operators can tell which snapshot a worker is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	data, err := yaml.Marshal(c) // map keys are emitted sorted
	if err != nil {
		fmt.Fprintf(h, "%+v", c)
	} else {
		h.Write(data)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		WorkerCount:         4,
		PollIntervalMillis:  500,
		LeaseSeconds:        60,
		DrainTimeoutSeconds: 5,
		RetentionAuditDays:  365,
		RetentionEventsDays: 90,
		Crown: CrownConfig{
			Harness:                     "default",
			Providers:                   []string{"anthropic", "openai", "google", "openrouter"},
			RetryCooldownSeconds:        30,
			StaleThresholdMinutes:       10,
			MissingEvaluationAgeMinutes: 10,
			MissingEvaluationMaxRetries: 3,
			AutoRefreshCap:              2,
			AutoRefreshLookbackHours:    24,
			MaxDiffTokens:               24000,
			StuckSchedule:               "*/5 * * * *",
			AutoRefreshSchedule:         "*/15 * * * *",
			MissingSchedule:             "@hourly",
		},
		Failover: FailoverConfig{
			Threshold:       5,
			CooldownSeconds: 300,
		},
		Providers: map[string]ProviderConfig{
			"anthropic":  {Model: "claude-sonnet-4-5"},
			"openai":     {Model: "gpt-4o"},
			"google":     {Model: "gemini-2.5-flash"},
			"openrouter": {Model: "openrouter/auto", BaseURL: "https://openrouter.ai/api/v1"},
		},
		Sandbox: SandboxConfig{
			Enabled: true,
			Workdir: "/workspace",
		},
		Compare: CompareConfig{
			BaseURL:        "https://api.github.com",
			RatePerSecond:  1,
			Burst:          5,
			TimeoutSeconds: 30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CROWN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crownd")
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crownd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags and reports every failing field.
func Validate(cfg Config) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "crownd.db")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if strings.TrimSpace(cfg.Crown.Harness) == "" {
		cfg.Crown.Harness = "default"
	}
	prefs := cfg.Crown.Providers[:0]
	seen := make(map[string]bool)
	for _, p := range cfg.Crown.Providers {
		p = strings.ToLower(strings.TrimSpace(p))
		// Legacy provider alias.
		if p == "gemini" {
			p = "google"
		}
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		prefs = append(prefs, p)
	}
	cfg.Crown.Providers = prefs
	defaults := defaultConfig().Providers
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, def := range defaults {
		p := cfg.Providers[name]
		if p.Model == "" {
			p.Model = def.Model
		}
		if p.BaseURL == "" {
			p.BaseURL = def.BaseURL
		}
		cfg.Providers[name] = p
	}
	cfg.Compare.BaseURL = strings.TrimRight(cfg.Compare.BaseURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CROWN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CROWN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CROWN_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("CROWN_HARNESS"); raw != "" {
		cfg.Crown.Harness = raw
	}
	if raw := os.Getenv("GITHUB_TOKEN"); raw != "" {
		cfg.Compare.Token = raw
	}
	if raw := os.Getenv("DOCKER_HOST"); raw != "" && cfg.Sandbox.Host == "" {
		cfg.Sandbox.Host = raw
	}
}

// Snapshot holds the live configuration. Readers always get a complete
// Config; Reload swaps it atomically and keeps the old one on error.
type Snapshot struct {
	cur atomic.Pointer[Config]
}

func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.cur.Store(&cfg)
	return s
}

// Current returns the active configuration.
func (s *Snapshot) Current() Config {
	return *s.cur.Load()
}

// Reload re-reads the config from the current home directory.
func (s *Snapshot) Reload() (Config, error) {
	cfg, err := LoadFrom(s.Current().HomeDir)
	if err != nil {
		return s.Current(), err
	}
	s.cur.Store(&cfg)
	return cfg, nil
}
