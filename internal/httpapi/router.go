// Package httpapi is the HTTP surface of the realtime service: the swipe,
// match and partner endpoints, the WebSocket handshake route, health and
// metrics.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/metrics"
	"github.com/mealmatch/realtime/internal/ratelimit"
)

// Dependencies wires the router.
type Dependencies struct {
	Service   Service
	Matches   MatchReader
	Users     UserRegistry
	Auth      Authenticator
	Limiter   Limiter        // optional
	SwipeRule ratelimit.Rule // used when Limiter is set
	WebSocket http.Handler   // optional, mounted at /ws
	Health    func() any     // optional body for /health
	Logger    *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(deps Dependencies) chi.Router {
	log := deps.Logger.Named("http")
	h := &handler{
		svc:       deps.Service,
		matches:   deps.Matches,
		limiter:   deps.Limiter,
		swipeRule: deps.SwipeRule,
		log:       log,
	}

	r := chi.NewRouter()
	applyMiddlewares(r, log)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if deps.Health == nil {
			write(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		write(w, http.StatusOK, deps.Health())
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", deps.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(deps.Auth, deps.Users, log))
		r.Post("/swipes", h.recordSwipe)
		r.Get("/matches", h.listMatches)
		r.Get("/matches/{id}", h.getMatch)
		r.Patch("/matches/{id}/status", h.updateMatchStatus)
		r.Post("/partner", h.connectPartner)
		r.Delete("/partner", h.disconnectPartner)
	})
	return r
}
