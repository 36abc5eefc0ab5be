// Package escalate sends high-risk or unmatched requests to the
// expensive reasoning backend. Calls run under a bounded timeout and a
// token-per-minute budget; any failure surfaces as an error the engine
// resolves to a fail-safe DENY.
package escalate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Pro-class pricing per million tokens.
const (
	proInputCostPerM  = 1.25
	proOutputCostPerM = 10.00
)

const escalatePrompt = `You are the escalation reviewer for an AI agent governance system.
A request could not be resolved by cached decisions or deterministic rules.
Decide whether to allow it. Respond with JSON only:
{"outcome": "allow|deny", "justification": "...", "guardrails": ["..."], "requires_confirmation": true|false, "simulation_required": true|false, "escalate_to_human": true|false, "confidence": 0.0-1.0}

Deny when in doubt. Set escalate_to_human for decisions a human operator
should review even after your verdict. Prefer allow-with-guardrails over
flat denial for routine operations by sufficiently privileged agents.

Agent tier: %d (1 lowest, 4 highest)
Namespace: %s
Action: %s
Classified intent: category=%s subcategory=%s risk=%s tier_violation=%t
Request: %s`

// decisionResponse is the JSON shape the reasoning model returns.
type decisionResponse struct {
	Outcome              string   `json:"outcome"`
	Justification        string   `json:"justification"`
	Guardrails           []string `json:"guardrails"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	SimulationRequired   bool     `json:"simulation_required"`
	EscalateToHuman      bool     `json:"escalate_to_human"`
	Confidence           float32  `json:"confidence"`
}

// Options configures the escalation client.
type Options struct {
	Model           string
	Timeout         time.Duration
	MaxOutputTokens int
	TokensPerMinute int
}

// Gemini is the reasoning backend client.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGemini creates an escalation client with a token-per-minute budget.
func NewGemini(ctx context.Context, apiKey string, opts Options, logger *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("escalation client: %w", err)
	}
	gm := client.GenerativeModel(opts.Model)
	gm.ResponseMIMEType = "application/json"
	gm.SetMaxOutputTokens(int32(opts.MaxOutputTokens))
	gm.SetTemperature(0)

	perSecond := rate.Limit(float64(opts.TokensPerMinute) / 60.0)
	return &Gemini{
		client:  client,
		model:   gm,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(perSecond, opts.TokensPerMinute),
		logger:  logger,
	}, nil
}

// Escalate implements engine.Escalator. Budget exhaustion, timeouts, and
// malformed model output all wrap engine.ErrEscalationUnavailable so the
// engine fails safe.
func (g *Gemini) Escalate(ctx context.Context, req *engine.GovernanceRequest, intent engine.Intent) (*engine.Escalated, error) {
	prompt := fmt.Sprintf(escalatePrompt,
		req.AgentTier, req.Namespace, req.Verb,
		intent.Category, intent.Subcategory, intent.Risk, intent.TierViolation,
		req.Text,
	)

	// Rough token estimate up front; the budget exists to bound spend, not
	// to meter exactly.
	estimate := len(prompt)/4 + 256
	if !g.limiter.AllowN(time.Now(), estimate) {
		return nil, fmt.Errorf("%w: token budget exhausted", engine.ErrEscalationUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrEscalationUnavailable, err)
	}
	text, err := firstText(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrEscalationUnavailable, err)
	}

	var parsed decisionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: unparsable escalation output: %v", engine.ErrEscalationUnavailable, err)
	}

	var outcome engine.Outcome
	switch parsed.Outcome {
	case "allow":
		outcome = engine.OutcomeAllow
	case "deny":
		outcome = engine.OutcomeDeny
	default:
		return nil, fmt.Errorf("%w: model returned outcome %q", engine.ErrEscalationUnavailable, parsed.Outcome)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0
	}

	var usage engine.Usage
	if resp.UsageMetadata != nil {
		usage.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		usage.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.CostUSD = float64(usage.TokensIn)*proInputCostPerM/1e6 +
			float64(usage.TokensOut)*proOutputCostPerM/1e6
	}

	return &engine.Escalated{
		Decision: engine.Decision{
			Outcome:              outcome,
			Reason:               engine.ReasonEscalationDecision,
			Justification:        parsed.Justification,
			Guardrails:           mergeGuardrails(intent.Guardrails, parsed.Guardrails),
			RequiresConfirmation: parsed.RequiresConfirmation,
			SimulationRequired:   parsed.SimulationRequired,
			Escalate:             parsed.EscalateToHuman,
			Confidence:           parsed.Confidence,
		},
		Usage: usage,
	}, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty model response")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			return string(text), nil
		}
	}
	return "", fmt.Errorf("no text part in model response")
}

func mergeGuardrails(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, g := range a {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	for _, g := range b {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}
