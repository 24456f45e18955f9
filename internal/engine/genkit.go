package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/crownd/internal/otel"
	"github.com/basket/crownd/internal/shared"
)

// ErrAllProvidersTripped is returned when every usable provider is inside
// its breaker cooldown.
var ErrAllProvidersTripped = errors.New("failover: all providers tripped")

const openRouterBaseURL = "https://openrouter.ai/api/v1"

var defaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o",
	"google":     "gemini-2.5-flash",
	"openrouter": "openrouter/auto",
}

// ModelCall is one request to one provider.
type ModelCall struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	System   string
	Prompt   string
}

// GenerateFunc performs a single model call and returns the reply text.
type GenerateFunc func(ctx context.Context, call ModelCall) (string, error)

type GatewayOptions struct {
	Breakers *Breakers
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	// Generate replaces the genkit-backed call; used by tests.
	Generate GenerateFunc
}

// GenkitGateway implements Gateway over genkit plugins. Providers are tried
// in preference order; a transport failure moves on to the next one.
type GenkitGateway struct {
	breakers   *Breakers
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	generate   GenerateFunc
	validators validatorCache

	mu        sync.Mutex
	instances map[string]*genkit.Genkit
}

func NewGenkitGateway(opts GatewayOptions) *GenkitGateway {
	g := &GenkitGateway{
		breakers:  opts.Breakers,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		generate:  opts.Generate,
		instances: make(map[string]*genkit.Genkit),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tracer == nil {
		g.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if g.generate == nil {
		g.generate = g.genkitGenerate
	}
	return g
}

func (g *GenkitGateway) GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, error) {
	providers := req.Prefs.Usable()
	if len(providers) == 0 {
		return nil, ErrNoCredentials
	}
	validator, err := g.validators.get(req.SchemaName, req.Schema)
	if err != nil {
		return nil, fmt.Errorf("prepare %s schema: %w", req.Purpose, err)
	}

	system := req.SystemPrompt
	if system == "" {
		system = req.Prefs.SystemPrompt
	}
	system = strings.TrimSpace(system + "\n\nRespond with a single JSON value that matches this JSON Schema and nothing else:\n" + string(validator.SchemaJSON()))

	logger := g.logger.With(shared.LogAttrs(ctx)...).With("purpose", req.Purpose, "harness", req.Prefs.Harness)

	var errs []error
	attempted := 0
	for _, provider := range providers {
		if g.breakers != nil && g.breakers.IsTripped(provider) {
			logger.Debug("failover: skipping tripped provider", "provider", provider)
			continue
		}
		attempted++
		call := ModelCall{
			Provider: provider,
			Model:    req.Prefs.Model(provider),
			APIKey:   req.Prefs.APIKeys[provider],
			BaseURL:  req.Prefs.BaseURLs[provider],
			System:   system,
			Prompt:   req.UserPrompt,
		}
		if call.Model == "" {
			call.Model = defaultModels[provider]
		}

		text, err := g.callProvider(ctx, req.Purpose, call)
		g.metrics.CountModelCall(ctx, provider, req.Purpose, err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			class := ClassifyError(err)
			if g.breakers != nil && class.CountsAgainstProvider() {
				g.breakers.RecordFailure(provider)
			}
			logger.Warn("model call failed", "provider", provider, "model", call.Model, "class", class, "error", err)
			if !class.FailsOver() {
				return nil, fmt.Errorf("%s: %w", provider, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", provider, err))
			continue
		}
		if g.breakers != nil {
			g.breakers.RecordSuccess(provider)
		}

		obj, err := validator.Validate(text)
		if err != nil {
			logger.Warn("model reply failed validation", "provider", provider, "model", call.Model, "error", err)
			return nil, err
		}
		logger.Debug("model call succeeded", "provider", provider, "model", call.Model)
		return obj, nil
	}

	if attempted == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllProvidersTripped, strings.Join(providers, ", "))
	}
	return nil, fmt.Errorf("failover: all providers failed: %w", errors.Join(errs...))
}

func (g *GenkitGateway) callProvider(ctx context.Context, purpose string, call ModelCall) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, g.tracer, "model.generate",
		otel.AttrProvider.String(call.Provider),
		otel.AttrModel.String(call.Model),
		otel.AttrPurpose.String(purpose),
	)
	defer span.End()
	start := time.Now()
	text, err := g.generate(ctx, call)
	span.SetAttributes(otel.AttrOutcome.String(outcomeOf(err)))
	otel.RecordError(span, err)
	g.logger.Debug("model call finished", "provider", call.Provider, "duration", time.Since(start))
	return text, err
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (g *GenkitGateway) genkitGenerate(ctx context.Context, call ModelCall) (string, error) {
	gk, err := g.instance(ctx, call)
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, gk,
		ai.WithModelName(modelNameForProvider(call.Provider, call.Model)),
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		ai.WithSystem(strings.ReplaceAll(call.System, "%", "%%")),
		ai.WithMessages(ai.NewUserTextMessage(call.Prompt)),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// instance returns a genkit instance with the provider's plugin, built once
// per credential and endpoint.
func (g *GenkitGateway) instance(ctx context.Context, call ModelCall) (gk *genkit.Genkit, err error) {
	key := call.Provider + "\x00" + call.APIKey + "\x00" + call.BaseURL
	g.mu.Lock()
	defer g.mu.Unlock()
	if gk, ok := g.instances[key]; ok {
		return gk, nil
	}

	ictx := context.WithoutCancel(ctx)
	var build func() *genkit.Genkit
	switch call.Provider {
	case "anthropic":
		p := &anthropic.Anthropic{APIKey: call.APIKey, BaseURL: call.BaseURL}
		build = func() *genkit.Genkit { return genkit.Init(ictx, genkit.WithPlugins(p)) }
	case "openai":
		p := &compat_oai.OpenAICompatible{Provider: "openai", APIKey: call.APIKey, BaseURL: call.BaseURL}
		build = func() *genkit.Genkit { return genkit.Init(ictx, genkit.WithPlugins(p)) }
	case "openrouter":
		baseURL := call.BaseURL
		if baseURL == "" {
			baseURL = openRouterBaseURL
		}
		p := &compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: call.APIKey, BaseURL: baseURL}
		build = func() *genkit.Genkit { return genkit.Init(ictx, genkit.WithPlugins(p)) }
	case "google":
		p := &googlegenai.GoogleAI{APIKey: call.APIKey}
		build = func() *genkit.Genkit { return genkit.Init(ictx, genkit.WithPlugins(p)) }
	default:
		return nil, fmt.Errorf("unknown model provider %q", call.Provider)
	}

	// genkit.Init panics when a plugin fails to initialize.
	defer func() {
		if r := recover(); r != nil {
			gk, err = nil, fmt.Errorf("init %s plugin: %v", call.Provider, r)
		}
	}()
	gk = build()
	g.instances[key] = gk
	g.logger.Info("genkit provider initialized", "provider", call.Provider)
	return gk, nil
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openrouter":
		return "openrouter/" + model
	default:
		return "googleai/" + model
	}
}
