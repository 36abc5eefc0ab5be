package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suhlabs/gatekeeper/internal/distill"
	"github.com/suhlabs/gatekeeper/internal/rules"
)

// Candidate is a stored distilled rule candidate awaiting human review.
type Candidate struct {
	Signature   string           `json:"signature"`
	Record      rules.RuleRecord `json:"record"`
	Occurrences int              `json:"occurrences"`
	FirstSeen   time.Time        `json:"first_seen"`
	LastSeen    time.Time        `json:"last_seen"`
	Namespace   string           `json:"namespace"`
	Confidence  float32          `json:"confidence"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Promote implements distill.PromotionSink: one row per signature, with
// later promotions of the same signature updating the evidence counters
// instead of duplicating the candidate.
func (s *Store) Promote(ctx context.Context, p *distill.Promotion) error {
	record, err := json.Marshal(p.Record)
	if err != nil {
		return fmt.Errorf("Promote: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_candidates (
			signature, record, occurrences, first_seen, last_seen,
			namespace, confidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (signature) DO UPDATE SET
			occurrences = rule_candidates.occurrences + EXCLUDED.occurrences,
			last_seen   = EXCLUDED.last_seen`,
		p.Signature, record, p.Occurrences, p.FirstSeen, p.LastSeen,
		p.Namespace, p.Confidence,
	)
	if err != nil {
		return fmt.Errorf("Promote: %w", err)
	}
	return nil
}

// ListCandidates returns pending candidates, newest first.
func (s *Store) ListCandidates(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, record, occurrences, first_seen, last_seen,
		       namespace, confidence, created_at
		FROM rule_candidates
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListCandidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c   Candidate
			raw json.RawMessage
		)
		if err := rows.Scan(&c.Signature, &raw, &c.Occurrences, &c.FirstSeen,
			&c.LastSeen, &c.Namespace, &c.Confidence, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListCandidates: %w", err)
		}
		if err := json.Unmarshal(raw, &c.Record); err != nil {
			return nil, fmt.Errorf("ListCandidates: corrupt record for %s: %w", c.Signature, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCandidates: %w", err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
