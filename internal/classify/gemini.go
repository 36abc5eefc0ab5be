package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Flash-class pricing per million tokens, for the cost estimate carried
// on audit records.
const (
	flashInputCostPerM  = 0.10
	flashOutputCostPerM = 0.40
)

const classifyPrompt = `You classify governance requests from AI agents. Respond with JSON only:
{"category": "...", "subcategory": "...", "risk": "low|medium|high|critical", "guardrails": ["..."], "confidence": 0.0-1.0, "cacheable": true|false}

Categories: data_access, provisioning, configuration, decommission, compliance.
Risk reflects blast radius and reversibility. Mark cacheable=true only when
an identical request from the same tier/namespace should get the same
decision for the next hour.

Agent tier: %d
Namespace: %s
Action: %s
Request: %s`

// Gemini is the cheap classifier backed by a Flash-class model.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
	logger  *zap.Logger
}

// NewGemini creates a classifier client. model is e.g. "gemini-2.0-flash".
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("classifier client: %w", err)
	}
	gm := client.GenerativeModel(model)
	gm.ResponseMIMEType = "application/json"
	gm.SetMaxOutputTokens(256)
	gm.SetTemperature(0)
	return &Gemini{
		client:  client,
		model:   gm,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Classify implements engine.Classifier. Any backend failure surfaces as
// an error wrapping engine.ErrClassifierUnavailable; the engine degrades
// to its local intent.
func (g *Gemini) Classify(ctx context.Context, req *engine.GovernanceRequest) (*engine.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := fmt.Sprintf(classifyPrompt, req.AgentTier, req.Namespace, req.Verb, req.Text)
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrClassifierUnavailable, err)
	}

	text, err := firstText(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrClassifierUnavailable, err)
	}

	var parsed intentResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: unparsable classifier output: %v", engine.ErrClassifierUnavailable, err)
	}

	risk := engine.ParseRiskLevel(parsed.Risk)
	if risk == engine.RiskUnspecified {
		return nil, fmt.Errorf("%w: classifier returned unknown risk %q", engine.ErrClassifierUnavailable, parsed.Risk)
	}
	if parsed.Category == "" {
		return nil, fmt.Errorf("%w: classifier returned empty category", engine.ErrClassifierUnavailable)
	}
	if parsed.Subcategory == "" {
		parsed.Subcategory = "general"
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0
	}

	var usage engine.Usage
	if resp.UsageMetadata != nil {
		usage.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		usage.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.CostUSD = float64(usage.TokensIn)*flashInputCostPerM/1e6 +
			float64(usage.TokensOut)*flashOutputCostPerM/1e6
	}

	return &engine.Classification{
		Intent: engine.Intent{
			Category:    parsed.Category,
			Subcategory: parsed.Subcategory,
			Risk:        risk,
			Guardrails:  parsed.Guardrails,
			Confidence:  parsed.Confidence,
		},
		Cacheable: parsed.Cacheable,
		Usage:     usage,
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
