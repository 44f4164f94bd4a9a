// Package router implements the Model Router (C9): complexity
// classification, ordered candidate selection across providers, fallback
// on failure, and cost-tracker wiring, per spec §4.9.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/atlasgw/atlas/internal/cost"
	"github.com/atlasgw/atlas/internal/health"
	"github.com/atlasgw/atlas/internal/provider"
)

// Complexity is the three-valued prompt classification driving candidate
// selection.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// complexPatterns match prompts that should be routed to a higher-tier
// model regardless of length: analysis/design verbs, security keywords,
// algorithm/data-structure terms win over simple-pattern matches below.
var complexPatterns = regexp.MustCompile(`(?i)\b(analyz|architect|design|refactor|optimi[sz]e|vulnerabilit|exploit|security\s+audit|penetration|algorithm|data\s*structure|complexity\s+analysis|distributed\s+system|concurren(cy|t)|race\s+condition)\w*\b`)

// simplePatterns match short, single-intent prompts.
var simplePatterns = regexp.MustCompile(`(?i)^\s*(list|show|what\s+is|what's|summari[sz]e|translate|define)\b`)

// ClassifyComplexity implements spec §4.9 step 1: complex patterns beat
// simple patterns, which beat a length heuristic.
func ClassifyComplexity(prompt string) Complexity {
	if complexPatterns.MatchString(prompt) {
		return ComplexityComplex
	}
	if simplePatterns.MatchString(prompt) {
		return ComplexitySimple
	}
	n := len(prompt)
	switch {
	case n < 100:
		return ComplexitySimple
	case n > 1000:
		return ComplexityComplex
	default:
		return ComplexityModerate
	}
}

// RoutingRules is the ordered candidate list per complexity tier, plus the
// shared fallback chain appended to every tier.
type RoutingRules struct {
	Simple   []string
	Moderate []string
	Complex  []string
}

// Config mirrors config.RouterConfig.
type Config struct {
	RoutingRules         RoutingRules
	FallbackChain        []string
	AutoDetectComplexity bool
	// DefaultLocalProvider is the implicit provider name for a bare
	// model-spec (no "provider:" prefix), per spec §4.9.
	DefaultLocalProvider string
}

// Router holds the provider registry and health cache and dispatches
// route() calls per spec §4.9.
type Router struct {
	cfg       Config
	providers map[string]provider.Provider
	health    *health.Cache
	tracker   *cost.Tracker
	pricing   map[string]map[string]ModelPrice // provider -> model -> price
}

// ModelPrice is the per-1k-token pricing used to compute a call's cost.
type ModelPrice struct {
	CostPer1kInput  float64
	CostPer1kOutput float64
}

// New builds a Router.
func New(cfg Config, providers map[string]provider.Provider, healthCache *health.Cache, tracker *cost.Tracker, pricing map[string]map[string]ModelPrice) *Router {
	if pricing == nil {
		pricing = map[string]map[string]ModelPrice{}
	}
	return &Router{cfg: cfg, providers: providers, health: healthCache, tracker: tracker, pricing: pricing}
}

// candidate is a parsed model-spec.
type candidate struct {
	provider string
	model    string
}

func (r *Router) parseSpec(spec string) candidate {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		return candidate{provider: spec[:idx], model: spec[idx+1:]}
	}
	return candidate{provider: r.cfg.DefaultLocalProvider, model: spec}
}

// buildCandidates assembles the primary tier's specs followed by the
// fallback chain, deduplicated while preserving order, per spec §4.9
// step 2.
func (r *Router) buildCandidates(complexity Complexity) []candidate {
	var primary []string
	switch complexity {
	case ComplexitySimple:
		primary = r.cfg.RoutingRules.Simple
	case ComplexityComplex:
		primary = r.cfg.RoutingRules.Complex
	default:
		primary = r.cfg.RoutingRules.Moderate
	}

	seen := make(map[string]bool)
	var out []candidate
	for _, spec := range append(append([]string{}, primary...), r.cfg.FallbackChain...) {
		if seen[spec] {
			continue
		}
		seen[spec] = true
		out = append(out, r.parseSpec(spec))
	}
	return out
}

// Route implements spec §4.9's route() operation: classify (unless a
// preference is given), build the candidate list, and try each in order
// until one returns a non-error response.
func (r *Router) Route(ctx context.Context, req provider.ChatRequest, preferred *Complexity) (*provider.ChatResponse, error) {
	complexity := ComplexityModerate
	switch {
	case preferred != nil:
		complexity = *preferred
	case r.cfg.AutoDetectComplexity:
		complexity = ClassifyComplexity(promptText(req))
	}

	for _, c := range r.buildCandidates(complexity) {
		p, ok := r.providers[c.provider]
		if !ok {
			continue
		}
		if status, ok := r.health.Peek(c.provider); ok && !status.Available {
			continue
		}
		if !modelAvailable(r.health, c.provider, c.model) {
			continue
		}

		callReq := req
		callReq.Model = c.model
		resp, err := p.Chat(ctx, callReq)
		if err != nil {
			continue
		}
		if resp.IsError() {
			continue
		}
		r.recordCost(ctx, c.provider, resp)
		return resp, nil
	}

	return &provider.ChatResponse{
		Model:        "none",
		FinishReason: provider.FinishError,
		Error:        "all models failed or unavailable",
	}, nil
}

// Stream implements the streaming analogue: same candidate selection,
// but returns the first provider's stream unchanged once it accepts the
// request, per spec §4.9.
func (r *Router) Stream(ctx context.Context, req provider.ChatRequest, preferred *Complexity, onDelta func(string)) (*provider.ChatResponse, error) {
	complexity := ComplexityModerate
	switch {
	case preferred != nil:
		complexity = *preferred
	case r.cfg.AutoDetectComplexity:
		complexity = ClassifyComplexity(promptText(req))
	}

	var lastErr error
	for _, c := range r.buildCandidates(complexity) {
		p, ok := r.providers[c.provider]
		if !ok {
			continue
		}
		if status, ok := r.health.Peek(c.provider); ok && !status.Available {
			continue
		}
		if !modelAvailable(r.health, c.provider, c.model) {
			continue
		}

		callReq := req
		callReq.Model = c.model
		resp, err := p.Stream(ctx, callReq, onDelta)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("%s", resp.Error)
			continue
		}
		r.recordCost(ctx, c.provider, resp)
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all models failed or unavailable")
	}
	return &provider.ChatResponse{Model: "none", FinishReason: provider.FinishError, Error: lastErr.Error()}, nil
}

func (r *Router) recordCost(ctx context.Context, providerName string, resp *provider.ChatResponse) {
	if r.tracker == nil {
		return
	}
	price := r.pricing[providerName][resp.Model]
	costUSD := float64(resp.Usage.InputTokens)/1000*price.CostPer1kInput + float64(resp.Usage.OutputTokens)/1000*price.CostPer1kOutput
	_ = r.tracker.Record(ctx, cost.Entry{
		Provider: providerName, Model: resp.Model,
		InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
		CostUSD: costUSD,
	})
}

func modelAvailable(h *health.Cache, providerName, model string) bool {
	status, ok := h.Peek(providerName)
	if !ok {
		// No snapshot yet: optimistically allow the call through rather than
		// starve every candidate on a cold cache; CheckHealth will populate
		// it for the next route.
		return true
	}
	if len(status.AvailableModels) == 0 {
		return true // provider doesn't publish a catalog (e.g. a fixed single-model adapter)
	}
	for _, m := range status.AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

func promptText(req provider.ChatRequest) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
