// Package distill turns recurring high-confidence escalation decisions
// into draft rule candidates. It runs entirely off the decision hot path:
// the engine offers candidates into a bounded queue and the worker
// tallies them per fingerprint, promoting a signature exactly once when
// it recurs often enough inside the observation window.
package distill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/engine"
	"github.com/suhlabs/gatekeeper/internal/rules"
)

// Promotion is an emitted rule candidate: a recurring escalated decision
// packaged as a loadable rule record plus the evidence behind it.
type Promotion struct {
	Signature   string
	Record      rules.RuleRecord
	Occurrences int
	FirstSeen   time.Time
	LastSeen    time.Time
	Namespace   string
	AgentTier   int
	Confidence  float32
}

// PromotionSink receives promoted candidates (candidate store, event
// emitter). Promotion stays advisory: nothing here touches the live
// rule table.
type PromotionSink interface {
	Promote(ctx context.Context, p *Promotion) error
}

// Options bounds the worker.
type Options struct {
	MinOccurrences int
	Window         time.Duration
	QueueSize      int
}

type tally struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	last      engine.DistillCandidate
	promoted  bool
}

// Worker is the distillation consumer. Offer is safe for concurrent use;
// the tally map is touched only by the Run goroutine.
type Worker struct {
	queue  chan engine.DistillCandidate
	opts   Options
	sink   PromotionSink
	logger *zap.Logger

	tallies map[string]*tally
}

// NewWorker creates a distillation worker. Run must be started for
// offered candidates to be consumed.
func NewWorker(opts Options, sink PromotionSink, logger *zap.Logger) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Worker{
		queue:   make(chan engine.DistillCandidate, opts.QueueSize),
		opts:    opts,
		sink:    sink,
		logger:  logger,
		tallies: make(map[string]*tally),
	}
}

// Offer implements engine.DistillSink. Non-blocking; reports false when
// the queue is full and the candidate was dropped.
func (w *Worker) Offer(c engine.DistillCandidate) bool {
	select {
	case w.queue <- c:
		return true
	default:
		return false
	}
}

// Run consumes candidates until ctx is cancelled. Stale signatures are
// pruned periodically so the tally map stays bounded by traffic inside
// one window.
func (w *Worker) Run(ctx context.Context) {
	pruneEvery := w.opts.Window / 8
	if pruneEvery < time.Minute {
		pruneEvery = time.Minute
	}
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-w.queue:
			w.observe(ctx, c)
		case <-ticker.C:
			w.prune(time.Now())
		}
	}
}

func (w *Worker) observe(ctx context.Context, c engine.DistillCandidate) {
	t := w.tallies[c.Signature]
	if t == nil || c.At.Sub(t.firstSeen) > w.opts.Window {
		// New signature, or the old streak aged out of the window.
		t = &tally{firstSeen: c.At}
		w.tallies[c.Signature] = t
	}
	t.count++
	t.lastSeen = c.At
	t.last = c

	if t.promoted || t.count < w.opts.MinOccurrences {
		return
	}
	t.promoted = true

	p := &Promotion{
		Signature:   c.Signature,
		Record:      draftFromCandidate(c, t.count),
		Occurrences: t.count,
		FirstSeen:   t.firstSeen,
		LastSeen:    t.lastSeen,
		Namespace:   c.Namespace,
		AgentTier:   c.AgentTier,
		Confidence:  c.Decision.Confidence,
	}
	if err := w.sink.Promote(ctx, p); err != nil {
		w.logger.Error("candidate promotion failed",
			zap.String("signature", c.Signature),
			zap.Error(err),
		)
		// Leave promoted set: retrying on the next occurrence would risk
		// emitting the same signature twice downstream.
		return
	}
	w.logger.Info("rule candidate promoted",
		zap.String("signature", c.Signature),
		zap.String("category", c.Intent.Category),
		zap.String("subcategory", c.Intent.Subcategory),
		zap.Int("occurrences", t.count),
	)
}

func (w *Worker) prune(now time.Time) {
	for sig, t := range w.tallies {
		if now.Sub(t.lastSeen) > w.opts.Window {
			delete(w.tallies, sig)
		}
	}
}

func draftFromCandidate(c engine.DistillCandidate, occurrences int) rules.RuleRecord {
	justification := fmt.Sprintf(
		"distilled from %d consistent escalation decisions: %s",
		occurrences, c.Decision.Justification,
	)
	return rules.DraftRecord(
		c.Intent.Category,
		c.Intent.Subcategory,
		c.Intent.Risk.String(),
		c.Decision.Outcome.String(),
		c.Namespace,
		c.AgentTier,
		c.Decision.Guardrails,
		justification,
	)
}
