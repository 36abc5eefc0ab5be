package audit

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseMirror batch-inserts audit records into ClickHouse for
// analytical queries. It is a secondary sink: Record never returns an
// error and never blocks, dropping records when the buffer is full. The
// file sink remains the source of truth.
type ClickHouseMirror struct {
	conn    driver.Conn
	buffer  chan *engine.AuditRecord
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseMirror connects, pings, and starts the background flush loop.
func NewClickHouseMirror(dsn string, logger *zap.Logger) (*ClickHouseMirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	m := &ClickHouseMirror{
		conn:    conn,
		buffer:  make(chan *engine.AuditRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go m.flushLoop()
	return m, nil
}

// Record implements engine.AuditSink. Non-blocking; drops when full.
func (m *ClickHouseMirror) Record(_ context.Context, rec *engine.AuditRecord) error {
	select {
	case m.buffer <- rec:
	default:
		m.logger.Warn("clickhouse audit buffer full, dropping record",
			zap.String("request_id", rec.RequestID),
		)
	}
	return nil
}

// Close signals the flush loop to drain remaining records and waits for
// it to finish. Safe to call once.
func (m *ClickHouseMirror) Close() {
	close(m.done)
	<-m.flushed
}

func (m *ClickHouseMirror) flushLoop() {
	defer close(m.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*engine.AuditRecord, 0, flushBatch)

	for {
		select {
		case rec := <-m.buffer:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-m.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case rec := <-m.buffer:
					batch = append(batch, rec)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				m.flush(batch)
			}
			return
		}
	}
}

func (m *ClickHouseMirror) flush(records []*engine.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO governance_decisions (
			timestamp, request_id, agent_id, agent_tier, namespace, verb, fingerprint,
			category, subcategory, risk, tier_violation, intent_confidence,
			outcome, reason, justification, guardrails,
			requires_confirmation, simulation_required, escalate, decision_confidence, route,
			tokens_in, tokens_out, cost_usd, latency_ms, policy_hash,
			prev_hash, record_hash
		)
	`)
	if err != nil {
		m.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		if err := batch.Append(
			r.Timestamp,
			r.RequestID,
			r.AgentID,
			uint8(r.AgentTier),
			r.Namespace,
			r.Verb,
			r.Fingerprint,
			r.Category,
			r.Subcategory,
			r.Risk,
			boolUint8(r.TierViolation),
			r.IntentConf,
			r.Outcome,
			r.Reason,
			r.Justification,
			r.Guardrails,
			boolUint8(r.RequiresConfirmation),
			boolUint8(r.SimulationRequired),
			boolUint8(r.Escalate),
			r.DecisionConf,
			r.Route,
			uint32(r.TokensIn),
			uint32(r.TokensOut),
			r.CostUSD,
			r.LatencyMs,
			r.PolicyHash,
			r.PrevHash,
			r.RecordHash,
		); err != nil {
			m.logger.Error("clickhouse append record failed",
				zap.String("request_id", r.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		m.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
