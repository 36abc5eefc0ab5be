package store

import (
	"context"
	"fmt"

	"github.com/suhlabs/gatekeeper/internal/auth"
)

// LookupByPrefix implements auth.AgentStore over the agents table.
// sql.ErrNoRows passes through so the authenticator can map it to an
// invalid-key rejection rather than an outage.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*auth.AgentRow, error) {
	row := &auth.AgentRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, api_key_hash, tier, halted
		FROM agents
		WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.AgentID, &row.APIKeyHash, &row.Tier, &row.Halted)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// HaltedAgents returns the IDs of all agents marked halted in the
// registry, used to seed the kill switch at startup.
func (s *Store) HaltedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agents WHERE halted`)
	if err != nil {
		return nil, fmt.Errorf("HaltedAgents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("HaltedAgents: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("HaltedAgents: %w", err)
	}
	return ids, nil
}

// SetAgentHalted flips an agent's halted flag. The kill switch applies
// immediately in memory; this persists the state across restarts.
func (s *Store) SetAgentHalted(ctx context.Context, agentID string, halted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET halted = $2, updated_at = now() WHERE agent_id = $1`,
		agentID, halted,
	)
	if err != nil {
		return fmt.Errorf("SetAgentHalted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetAgentHalted: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("SetAgentHalted: unknown agent %q", agentID)
	}
	return nil
}
