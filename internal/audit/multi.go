package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// MultiSink fans one record out to a synchronous primary plus any number
// of best-effort mirrors. Only the primary's error propagates: a failed
// primary append denies the request, a failed mirror only logs.
type MultiSink struct {
	primary engine.AuditSink
	mirrors []engine.AuditSink
	logger  *zap.Logger
}

// NewMultiSink wraps a primary sink with mirrors.
func NewMultiSink(primary engine.AuditSink, logger *zap.Logger, mirrors ...engine.AuditSink) *MultiSink {
	return &MultiSink{primary: primary, mirrors: mirrors, logger: logger}
}

// Record implements engine.AuditSink.
func (s *MultiSink) Record(ctx context.Context, rec *engine.AuditRecord) error {
	if err := s.primary.Record(ctx, rec); err != nil {
		return err
	}
	for _, m := range s.mirrors {
		if err := m.Record(ctx, rec); err != nil {
			s.logger.Warn("audit mirror write failed",
				zap.String("request_id", rec.RequestID),
				zap.Error(err),
			)
		}
	}
	return nil
}
