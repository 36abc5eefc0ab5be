package api

import (
	"net/http"

	"go.uber.org/zap"
)

// handleGetRules implements GET /api/gatekeeper/rules: the active
// snapshot's version, hash, and size, for operators verifying what is
// live against the registry.
func (d *Dependencies) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	snap := d.Rules.Current()
	writeJSON(w, http.StatusOK, RulesResp{
		Version:  snap.Version(),
		Hash:     snap.Hash(),
		Rules:    snap.Len(),
		LoadedAt: snap.LoadedAt(),
	})
}

// handleListCandidates implements GET /api/gatekeeper/candidates.
func (d *Dependencies) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "no candidate store configured"})
		return
	}
	candidates, err := d.Store.ListCandidates(r.Context(), 100)
	if err != nil {
		d.Logger.Error("list candidates failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

// handleKillSwitch implements POST /api/gatekeeper/killswitch: flip the
// global switch or halt/clear one agent. Per-agent changes persist to
// the registry when a store is configured; the in-memory switch applies
// either way.
func (d *Dependencies) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	switch {
	case req.Global != nil:
		d.Kill.SetGlobal(*req.Global)
		d.Logger.Warn("global kill switch changed", zap.Bool("halted", *req.Global))

	case req.AgentID != "" && req.Halted != nil:
		if *req.Halted {
			d.Kill.HaltAgent(req.AgentID)
		} else {
			d.Kill.ClearAgent(req.AgentID)
		}
		if d.Store != nil {
			if err := d.Store.SetAgentHalted(r.Context(), req.AgentID, *req.Halted); err != nil {
				d.Logger.Error("persisting agent halt failed",
					zap.String("agent_id", req.AgentID),
					zap.Error(err),
				)
			}
		}
		d.Logger.Warn("agent kill switch changed",
			zap.String("agent_id", req.AgentID),
			zap.Bool("halted", *req.Halted),
		)

	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "set either global or agent_id with halted"})
		return
	}

	writeJSON(w, http.StatusOK, KillSwitchResp{Global: d.Kill.Global()})
}
