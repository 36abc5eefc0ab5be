package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suhlabs/gatekeeper/internal/rules"
)

// RuleTable is the registry's serialized rule table: one row per
// version, the rules themselves as a JSONB document.
type RuleTable struct {
	Version string
	Records []rules.RuleRecord
}

// ActiveRuleTable loads the currently active rule table, or nil when
// none has been activated yet.
func (s *Store) ActiveRuleTable(ctx context.Context) (*RuleTable, error) {
	var (
		version string
		raw     json.RawMessage
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, rules
		FROM rule_tables
		WHERE active
		ORDER BY activated_at DESC
		LIMIT 1`,
	).Scan(&version, &raw)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ActiveRuleTable: %w", err)
	}

	var records []rules.RuleRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("ActiveRuleTable: corrupt rules document: %w", err)
	}
	return &RuleTable{Version: version, Records: records}, nil
}
