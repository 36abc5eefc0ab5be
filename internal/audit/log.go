package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// LogSink writes records as structured log lines. Used as a mirror in
// local development and as a last-resort visibility layer in production.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements engine.AuditSink. It never fails.
func (s *LogSink) Record(_ context.Context, rec *engine.AuditRecord) error {
	s.logger.Info("governance_decision",
		zap.String("request_id", rec.RequestID),
		zap.String("agent_id", rec.AgentID),
		zap.Int("agent_tier", rec.AgentTier),
		zap.String("namespace", rec.Namespace),
		zap.String("verb", rec.Verb),
		zap.String("category", rec.Category),
		zap.String("subcategory", rec.Subcategory),
		zap.String("risk", rec.Risk),
		zap.Bool("tier_violation", rec.TierViolation),
		zap.String("outcome", rec.Outcome),
		zap.String("reason", rec.Reason),
		zap.String("route", rec.Route),
		zap.Float64("cost_usd", rec.CostUSD),
		zap.Float64("latency_ms", rec.LatencyMs),
		zap.String("record_hash", rec.RecordHash),
	)
	return nil
}
