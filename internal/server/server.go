// Package server wires the shard resolution entry points into an HTTP
// surface. The handlers are deliberately thin: request validation, email
// delivery and OAuth2 handshakes live in collaborating services; what
// matters here is where and how the shard context gets populated.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/internal/auth"
	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/shard"
)

// Server hosts the auth HTTP API
type Server struct {
	topology *shard.Topology
	accounts database.AccountRepository
	store    *database.ShardedAccountStore
	tokens   *auth.TokenService
}

// New creates the server
func New(topology *shard.Topology, accounts database.AccountRepository, store *database.ShardedAccountStore, tokens *auth.TokenService) *Server {
	return &Server{
		topology: topology,
		accounts: accounts,
		store:    store,
		tokens:   tokens,
	}
}

// Router builds the HTTP router with shard resolution middleware applied
// to the API surface
func (s *Server) Router(middleware *auth.Middleware) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.ResolveShard)

	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/sso", s.handleSSOLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/accounts/me", s.handleMe).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "auth"}`))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeAuthError answers every authentication failure identically, never
// revealing whether an account exists or which shard was involved
func writeAuthError(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "invalid credentials or session",
	})
}
