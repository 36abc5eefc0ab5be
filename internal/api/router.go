// Package api exposes the HTTP surface: the agent-facing decide
// endpoint plus an admin surface for operators.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/suhlabs/gatekeeper/internal/auth"
	"github.com/suhlabs/gatekeeper/internal/engine"
	"github.com/suhlabs/gatekeeper/internal/events"
	"github.com/suhlabs/gatekeeper/internal/killswitch"
	"github.com/suhlabs/gatekeeper/internal/rules"
	"github.com/suhlabs/gatekeeper/internal/store"
	"github.com/suhlabs/gatekeeper/internal/token"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Auth    auth.Authenticator
	Engine  *engine.Engine
	Rules   *rules.Table
	Kill    *killswitch.Switch
	Store   *store.Store    // nil without a registry DB
	Tokens  *token.Issuer   // nil when decision tokens are disabled
	Emitter events.Emitter  // nil when event publishing is disabled
	Logger  *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Agent-facing decide endpoint (auth required via Bearer gk_ key)
	mux.HandleFunc("POST /v1/decide", deps.authMiddleware(deps.handleDecide))

	// Admin surface (no auth; fronted by the operator gateway)
	mux.HandleFunc("GET /api/gatekeeper/rules", deps.handleGetRules)
	mux.HandleFunc("GET /api/gatekeeper/candidates", deps.handleListCandidates)
	mux.HandleFunc("POST /api/gatekeeper/killswitch", deps.handleKillSwitch)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
