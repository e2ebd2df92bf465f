package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/dltrh/devision-auth/internal/auth"
	"github.com/dltrh/devision-auth/internal/database"
	"github.com/dltrh/devision-auth/internal/shard"
	"github.com/dltrh/devision-auth/pkg/models"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CountryCode string `json:"country_code"`
	Role        string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ssoRequest struct {
	Provider    string `json:"provider"`
	ProviderID  string `json:"provider_id"`
	Email       string `json:"email"`
	CountryCode string `json:"country_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleRegister is the explicit shard resolution entry point: the country
// arrives in the request, so the shard is resolved and set before the
// first write. The middleware owns the slot lifecycle; the explicit Clear
// is the guaranteed-cleanup contract for this entry point regardless of
// how the handler exits.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.CountryCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email, password and country_code are required"})
		return
	}

	ctx := r.Context()
	target := s.topology.Resolve(req.CountryCode)
	shard.Set(ctx, target)
	defer shard.Clear(ctx)

	// The email must be globally unique, not just unique on the target
	// shard, so the existence check fans out.
	_, _, err := s.store.FindByEmailAnyShard(ctx, req.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "account already exists"})
		return
	case errors.Is(err, shard.ErrNotFound):
		// Free to register
	default:
		log.Error().Err(err).Msg("Registration lookup failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	role := models.RoleCandidate
	if req.Role != "" {
		role = models.Role(req.Role)
	}

	account := &models.Account{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       models.AccountStatusPending,
		CountryCode:  strings.ToUpper(req.CountryCode),
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		log.Error().Err(err).Str("shard", string(target)).Msg("Failed to create account")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	log.Info().
		Str("account_id", account.ID).
		Str("shard", string(target)).
		Msg("Account registered")

	writeJSON(w, http.StatusCreated, map[string]string{"id": account.ID})
}

// handleLogin is the scatter-gather entry point: before a token exists the
// shard is unknown, so the email is looked up across every shard's direct
// pool concurrently.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ctx := r.Context()
	account, owner, err := s.store.FindByEmailAnyShard(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// Not-found, degraded shards and integrity violations all look
		// the same to the caller; the distinction only goes to the log.
		if !errors.Is(err, shard.ErrNotFound) {
			log.Error().Err(err).Msg("Login lookup failed")
		}
		writeAuthError(w)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		writeAuthError(w)
		return
	}

	shard.Set(ctx, owner)
	defer shard.Clear(ctx)

	s.issueTokens(w, account)
}

// handleSSOLogin looks up an SSO identity across shards. A hit logs the
// account in; a miss provisions the account on the shard mapped from the
// supplied country.
func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	var req ssoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Provider == "" || req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider and provider_id are required"})
		return
	}

	ctx := r.Context()
	account, owner, err := s.store.FindByProviderAnyShard(ctx, req.Provider, req.ProviderID)
	switch {
	case err == nil:
		shard.Set(ctx, owner)
		defer shard.Clear(ctx)
		s.issueTokens(w, account)
		return
	case errors.Is(err, shard.ErrNotFound):
		// First sign-in through this provider, provision below
	default:
		log.Error().Err(err).Msg("SSO lookup failed")
		writeAuthError(w)
		return
	}

	if req.Email == "" || req.CountryCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and country_code are required for first sign-in"})
		return
	}

	target := s.topology.Resolve(req.CountryCode)
	shard.Set(ctx, target)
	defer shard.Clear(ctx)

	account = &models.Account{
		ID:          uuid.New().String(),
		Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		Role:        models.RoleCandidate,
		Status:      models.AccountStatusActive,
		CountryCode: strings.ToUpper(req.CountryCode),
		Provider:    req.Provider,
		ProviderID:  req.ProviderID,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		log.Error().Err(err).Str("shard", string(target)).Msg("Failed to provision SSO account")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	log.Info().
		Str("account_id", account.ID).
		Str("provider", req.Provider).
		Str("shard", string(target)).
		Msg("SSO account provisioned")

	s.issueTokens(w, account)
}

// handleRefresh exchanges a refresh token for a fresh token pair. The
// shard comes from the refresh token's country claim; a tenant whose
// sessions were invalidated by a migration must log in again so the new
// tokens carry the corrected claim.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	claims, err := s.tokens.Validate(req.RefreshToken, auth.TokenTypeRefresh)
	if err != nil {
		writeAuthError(w)
		return
	}

	if s.tokens.SessionsInvalidated(claims.SubjectID) {
		writeAuthError(w)
		return
	}

	ctx := r.Context()
	shard.Set(ctx, s.topology.Resolve(claims.CountryCode))
	defer shard.Clear(ctx)

	account, err := s.accounts.Get(ctx, claims.SubjectID)
	if err != nil {
		writeAuthError(w)
		return
	}

	// Rotation: the presented refresh token dies with this exchange
	s.tokens.Revoke(claims)

	s.issueTokens(w, account)
}

// handleLogout revokes the presented tokens
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeAuthError(w)
		return
	}
	s.tokens.Revoke(claims)

	// Revoke the paired refresh token too when the client sends it along
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		if refreshClaims, err := s.tokens.Validate(req.RefreshToken, auth.TokenTypeRefresh); err == nil {
			s.tokens.Revoke(refreshClaims)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleMe serves the authenticated account. The shard was already
// resolved from the token by the middleware; the repository call routes
// through it without any lookup.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		writeAuthError(w)
		return
	}

	account, err := s.accounts.Get(ctx, claims.SubjectID)
	if err != nil {
		if !errors.Is(err, database.ErrAccountNotFound) {
			log.Error().Err(err).Msg("Failed to load account")
		}
		writeAuthError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           account.ID,
		"email":        account.Email,
		"role":         account.Role,
		"status":       account.Status,
		"country_code": account.CountryCode,
	})
}

func (s *Server) issueTokens(w http.ResponseWriter, account *models.Account) {
	access, err := s.tokens.IssueAccessToken(account)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue access token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	refresh, err := s.tokens.IssueRefreshToken(account)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue refresh token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
	})
}
