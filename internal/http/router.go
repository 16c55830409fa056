package httpx

import (
	"log/slog"
	"net/http"

	"warroom/internal/app"
	"warroom/internal/store"
	"warroom/internal/ws"
	"warroom/pkg/auth"
	"warroom/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers
func NewRouter(cfg app.Config, logger *slog.Logger, hub *ws.Hub, db *store.Postgres) http.Handler {
	mw := NewMiddleware(cfg)
	j := auth.New(cfg.JWTSecret)
	authAPI := &AuthAPI{DB: db, JWT: j}
	roomAPI := &RoomsAPI{DB: db}

	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/metrics", metrics.Handler())

	// WebSocket session gateway
	mux.Handle("/ws", http.HandlerFunc(hub.ServeWS))

	// Auth endpoints
	mux.Handle("/api/auth/register", http.HandlerFunc(authAPI.Register))
	mux.Handle("/api/auth/login", http.HandlerFunc(authAPI.Login))
	mux.Handle("/api/auth/me", mw.Auth(http.HandlerFunc(authAPI.Me)))

	// Room CRUD (JWT-protected); the sync core does not depend on these
	// rows, they exist for listings and ownership
	mux.Handle("/api/rooms", mw.Auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			roomAPI.Create(w, r)
			return
		}
		if r.Method == http.MethodGet {
			roomAPI.List(w, r)
			return
		}
		http.NotFound(w, r)
	})))
	mux.Handle("/api/rooms/{id}", mw.Auth(http.HandlerFunc(roomAPI.Get)))

	return mw.Wrap(mux) // CORS + rate limit applied globally
}
