package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sparkgrid/internal/ratelimit"
	"sparkgrid/internal/usertoken"
	"sparkgrid/internal/util"
	"sparkgrid/pkg/billing"
	"sparkgrid/services/wallet/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the wallet service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		limiter:        cfg.Limiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("wallet", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /claim", s.withUser(s.handleClaim))
	s.mux.Handle("GET /status", s.withUser(s.handleStatus))
	s.mux.Handle("GET /transactions", s.withUser(s.handleTransactions))
	s.mux.Handle("GET /analytics", s.withUser(s.handleAnalytics))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Claims)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var claims usertoken.Claims
		if s.tokenVerifier != nil {
			token, ok := usertoken.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			verified, err := s.tokenVerifier.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			claims = verified
		} else {
			claims.UserID = strings.TrimSpace(r.Header.Get("X-User-Id"))
			if claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}

		if s.limiter != nil && !s.limiter.Allow(claims.UserID) {
			util.LoggerFromContext(r.Context()).Warn("rate limit exceeded",
				"user_id", claims.UserID, "client_ip", util.ClientIP(r, s.trustedProxies))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if err := s.app.EnsureAccount(r.Context(), claims.UserID, claims.Verified); err != nil {
			util.LoggerFromContext(r.Context()).Error("ensure account failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, claims)
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	res, err := s.app.Claim(r.Context(), claims.UserID)
	if err != nil {
		var alreadyClaimed *billing.AlreadyClaimedError
		switch {
		case errors.As(err, &alreadyClaimed):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "already claimed today",
				"nextClaimAt": alreadyClaimed.NextClaimAt,
			})
		case errors.Is(err, billing.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			util.LoggerFromContext(r.Context()).Error("claim failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	status, err := s.app.Status(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		util.LoggerFromContext(r.Context()).Error("status failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")
	txs, err := s.app.Transactions(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list transactions failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	rollups, err := s.app.Analytics(r.Context(), claims.UserID, queryInt(r, "days"))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("analytics failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": rollups})
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
