package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
	"github.com/suhlabs/gatekeeper/internal/events"
)

// handleDecide implements POST /v1/decide. Auth middleware has already
// resolved the agent's registered tier; the request body may claim a
// lower tier (acting with reduced privilege) but never a higher one.
func (d *Dependencies) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	agent := agentFromContext(r.Context())
	if agent == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing agent context"})
		return
	}

	tier := agent.Tier
	if req.AgentTier > 0 && req.AgentTier < tier {
		tier = req.AgentTier
	}

	greq := &engine.GovernanceRequest{
		RequestID: req.RequestID,
		AgentID:   agent.AgentID,
		AgentTier: tier,
		Namespace: req.Namespace,
		Verb:      engine.ParseActionVerb(req.Action),
		Text:      req.Text,
	}
	if req.Context != nil {
		greq.Context = &engine.RequestContext{
			ResourceCounts: req.Context.ResourceCounts,
			Quotas:         req.Context.Quotas,
			Labels:         req.Context.Labels,
			Paths:          req.Context.Paths,
		}
	}

	res, err := d.Engine.Decide(r.Context(), greq)
	if err != nil && !errors.Is(err, engine.ErrAuditWriteFailure) {
		d.Logger.Error("decide failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}
	// An audit write failure still yields a well-formed DENY; the agent
	// gets the denial, operators get the error log.

	resp := DecideResponse{
		RequestID:            res.RequestID,
		Outcome:              res.Decision.Outcome.String(),
		Reason:               res.Decision.Reason,
		Justification:        res.Decision.Justification,
		Guardrails:           res.Decision.Guardrails,
		RequiresConfirmation: res.Decision.RequiresConfirmation,
		SimulationRequired:   res.Decision.SimulationRequired,
		Escalate:             res.Decision.Escalate,
		Confidence:           res.Decision.Confidence,
		Route:                res.Decision.Route.String(),
		Category:             res.Intent.Category,
		Subcategory:          res.Intent.Subcategory,
		Risk:                 res.Intent.Risk.String(),
		Fingerprint:          res.Fingerprint,
		LatencyMs:            float64(res.Latency) / float64(time.Millisecond),
	}

	if d.Tokens != nil && res.Decision.Outcome == engine.OutcomeAllow {
		tok, terr := d.Tokens.Issue(greq, res)
		if terr != nil {
			d.Logger.Error("decision token issue failed",
				zap.String("request_id", res.RequestID),
				zap.Error(terr),
			)
		} else {
			resp.DecisionToken = tok
		}
	}

	if d.Emitter != nil {
		d.Emitter.Emit(events.DecisionEvent{
			Timestamp:   time.Now().UTC(),
			RequestID:   res.RequestID,
			AgentID:     greq.AgentID,
			AgentTier:   greq.AgentTier,
			Namespace:   greq.Namespace,
			Verb:        greq.Verb.String(),
			Category:    res.Intent.Category,
			Subcategory: res.Intent.Subcategory,
			Risk:        res.Intent.Risk.String(),
			Outcome:     resp.Outcome,
			Reason:      resp.Reason,
			Route:       resp.Route,
			Escalate:    resp.Escalate,
			LatencyMs:   resp.LatencyMs,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
