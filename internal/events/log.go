package events

import "go.uber.org/zap"

// LogEmitter writes events as structured log lines. Default emitter for
// local development.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter on the given logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(event DecisionEvent) {
	e.logger.Info("decision_event",
		zap.String("request_id", event.RequestID),
		zap.String("agent_id", event.AgentID),
		zap.String("namespace", event.Namespace),
		zap.String("verb", event.Verb),
		zap.String("category", event.Category),
		zap.String("risk", event.Risk),
		zap.String("outcome", event.Outcome),
		zap.String("reason", event.Reason),
		zap.String("route", event.Route),
		zap.Bool("escalate", event.Escalate),
	)
}
