// Package server implements the hushd HTTP surface: the authentication
// endpoint in front of the defense state machine, and the thin CRUD
// layer that shuttles ciphertext blobs in and out of storage. Nothing
// in this package can decrypt anything it handles.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thefeshin/hush-sub000/internal/config"
	"github.com/thefeshin/hush-sub000/internal/defense"
	"github.com/thefeshin/hush-sub000/internal/session"
	"github.com/thefeshin/hush-sub000/internal/store"
)

// Server wires the HTTP handlers to the store, the defense state
// machine, and the session issuer.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	defense *defense.StateMachine
	issuer  *session.Issuer
	limiter *ipLimiter
	events  *EventPublisher
	mux     *http.ServeMux

	// authHash is the decoded stored passphrase hash.
	authHash []byte
}

// New builds a server from a validated config.
func New(cfg *config.Config, st *store.Store, sm *defense.StateMachine, events *EventPublisher) (*Server, error) {
	authHash, err := base64.StdEncoding.DecodeString(cfg.Auth.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode auth hash: %w", err)
	}

	secret, err := base64.StdEncoding.DecodeString(cfg.Auth.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session secret: %w", err)
	}
	issuer, err := session.NewIssuer(secret, time.Duration(cfg.Auth.SessionTTLMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		defense:  sm,
		issuer:   issuer,
		limiter:  newIPLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		events:   events,
		mux:      http.NewServeMux(),
		authHash: authHash,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /auth", s.handleAuth)
	s.mux.HandleFunc("GET /auth/salt", s.handleSalt)

	auth := s.requireSession
	s.mux.Handle("POST /conversations", auth(s.handleCreateConversation))
	s.mux.Handle("GET /conversations", auth(s.handleListConversations))
	s.mux.Handle("PUT /conversations/{id}/metadata", auth(s.handleUpdateMetadata))
	s.mux.Handle("POST /conversations/{id}/messages", auth(s.handlePostMessage))
	s.mux.Handle("GET /conversations/{id}/messages", auth(s.handleListMessages))
	s.mux.Handle("POST /groups", auth(s.handleCreateGroup))
	s.mux.Handle("GET /groups/{id}", auth(s.handleGetGroup))
	s.mux.Handle("POST /groups/{id}/members", auth(s.handleAddMember))
	s.mux.Handle("DELETE /groups/{id}/members/{uid}", auth(s.handleRemoveMember))
}

// Handler returns the HTTP handler, for tests and for Run.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves HTTP until the context is cancelled, alongside the message
// expiry sweeper.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("listen", s.cfg.Listen).Msg("hushd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.runExpirySweeper(ctx)
		return nil
	})

	return g.Wait()
}

// runExpirySweeper periodically deletes messages past their expiry.
func (s *Server) runExpirySweeper(ctx context.Context) {
	interval := time.Duration(s.cfg.Expiry.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.DeleteExpiredMessages(time.Now())
			if err != nil {
				log.Error().Err(err).Msg("Message expiry sweep failed")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Expired messages removed")
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// requireSession verifies the bearer token on protected routes.
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if err := s.issuer.Verify(header[len(prefix):]); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r)
	})
}
