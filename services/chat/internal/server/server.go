package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"sparkgrid/internal/ratelimit"
	"sparkgrid/internal/usertoken"
	"sparkgrid/internal/util"
	"sparkgrid/pkg/billing"
	"sparkgrid/services/chat/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the chat service.
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
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("chat", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /turns", s.withUser(s.handleTurn))
	s.mux.Handle("GET /conversations", s.withUser(s.handleListConversations))
	s.mux.Handle("GET /conversations/{id}/messages", s.withUser(s.handleListMessages))
	s.mux.Handle("POST /transcriptions", s.withUser(s.handleCreateTranscription))
	s.mux.Handle("GET /transcriptions/{id}", s.withUser(s.handleGetTranscription))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Claims)

// withUser authenticates the request and ensures the wallet row exists.
// Without a configured verifier (local development) identity is taken
// from the X-User-Id header instead.
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

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	var req app.TurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The SSE preamble is deferred until the first delta so that
	// pre-generation failures can still carry a real status code.
	streaming := false
	startStream := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		streaming = true
	}

	res, err := s.app.StreamTurn(r.Context(), claims.UserID, req, func(delta string) error {
		if !streaming {
			startStream()
		}
		return writeSSE(w, flusher, "delta", map[string]string{"delta": delta})
	})
	if err != nil {
		if streaming {
			_ = writeSSE(w, flusher, "error", map[string]string{"error": "generation failed"})
			return
		}
		s.writeTurnError(w, r, err)
		return
	}
	if !streaming {
		startStream()
	}
	_ = writeSSE(w, flusher, "done", res)
}

func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *billing.QuotaExceededError
	var balanceErr *billing.InsufficientBalanceError
	switch {
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusTooManyRequests, quotaErr.Error())
	case errors.As(err, &balanceErr):
		writeError(w, http.StatusPaymentRequired, balanceErr.Error())
	case errors.Is(err, billing.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, app.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrNotConversationOwner):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("turn failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	convs, err := s.app.ListConversations(r.Context(), claims.UserID, 0)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list conversations failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	msgs, err := s.app.ListMessages(r.Context(), claims.UserID, r.PathValue("id"), 0)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrNotConversationOwner):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("list messages failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleCreateTranscription(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	tr, err := s.app.SubmitTranscription(r.Context(), claims.UserID, r.FormValue("model"), file, header.Size, mimeType)
	if err != nil {
		var balanceErr *billing.InsufficientBalanceError
		switch {
		case errors.As(err, &balanceErr):
			writeError(w, http.StatusPaymentRequired, balanceErr.Error())
		case errors.Is(err, app.ErrAudioTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, app.ErrUploadsDisabled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("submit transcription failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, tr)
}

func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	tr, err := s.app.GetTranscription(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, app.ErrTranscriptionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		util.LoggerFromContext(r.Context()).Error("get transcription failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
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
