// Package killswitch holds the out-of-band halt signal consulted on every
// request. Reads are atomic loads so the check adds no measurable latency
// or contention to the hot path.
package killswitch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

// Switch tracks the global and per-agent halt state. The engine only
// reads it; signal distribution (file, flag service, control-plane push)
// updates it from outside the request path.
type Switch struct {
	global atomic.Bool
	agents sync.Map // map[string]struct{}
}

// New returns a cleared switch.
func New() *Switch {
	return &Switch{}
}

// Name implements engine.Preflight.
func (s *Switch) Name() string { return "kill_switch" }

// Check implements engine.Preflight. Returns engine.ErrHalted when the
// global switch or the requesting agent's switch is active.
func (s *Switch) Check(req *engine.GovernanceRequest) error {
	if s.global.Load() {
		return fmt.Errorf("%w: global kill switch active", engine.ErrHalted)
	}
	if _, halted := s.agents.Load(req.AgentID); halted {
		return fmt.Errorf("%w: agent %s halted", engine.ErrHalted, req.AgentID)
	}
	return nil
}

// SetGlobal sets or clears the global halt.
func (s *Switch) SetGlobal(active bool) {
	s.global.Store(active)
}

// HaltAgent halts a single agent.
func (s *Switch) HaltAgent(agentID string) {
	s.agents.Store(agentID, struct{}{})
}

// ClearAgent clears a single agent's halt.
func (s *Switch) ClearAgent(agentID string) {
	s.agents.Delete(agentID)
}

// Apply replaces the full switch state in one step, used by signal
// sources that deliver complete snapshots.
func (s *Switch) Apply(global bool, agentIDs []string) {
	s.global.Store(global)
	next := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		next[id] = struct{}{}
	}
	s.agents.Range(func(k, _ any) bool {
		if _, keep := next[k.(string)]; !keep {
			s.agents.Delete(k)
		}
		return true
	})
	for id := range next {
		s.agents.Store(id, struct{}{})
	}
}

// Global reports the global halt state.
func (s *Switch) Global() bool { return s.global.Load() }
