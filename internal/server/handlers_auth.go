package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

const maxAuthBodyBytes = 4 * 1024

type authRequest struct {
	PassphraseHash string `json:"passphrase_hash"`
}

type authResponse struct {
	Token     string `json:"token"`
	KDFSalt   string `json:"kdf_salt"`
	ExpiresIn int    `json:"expires_in"`
}

// handleAuth authenticates the single vault owner. The passphrase
// never crosses the wire: the client sends base64(SHA-256(normalized
// passphrase)) and the server compares it in constant time against the
// configured hash. Failures feed the defense state machine per source
// IP; blocked IPs get the same generic refusal whether the hash was
// right or wrong.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limiter.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	status, err := s.defense.CheckBlocked(ip)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check block state")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if status.Blocked {
		writeError(w, http.StatusForbidden, "forbidden", "access denied")
		return
	}

	var req authRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	presented, err := base64.StdEncoding.Strict().DecodeString(req.PassphraseHash)
	if err != nil || len(presented) != len(s.authHash) ||
		subtle.ConstantTimeCompare(presented, s.authHash) != 1 {
		s.recordAuthFailure(w, ip)
		return
	}

	if err := s.defense.ResetFailures(ip); err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("Failed to reset auth failures")
	}

	token, expiresIn, err := s.issuer.Issue()
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue session token")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	log.Info().Str("ip", ip).Msg("Vault authenticated")
	writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		KDFSalt:   s.cfg.Auth.KDFSalt,
		ExpiresIn: expiresIn,
	})
}

func (s *Server) recordAuthFailure(w http.ResponseWriter, ip string) {
	remaining, err := s.defense.RecordFailure(ip)
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("Failed to record auth failure")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	log.Warn().Str("ip", ip).Int("remaining_attempts", remaining).Msg("Authentication failed")
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error":              "invalid_credentials",
		"remaining_attempts": remaining,
	})
}

// handleSalt returns the public KDF salt so a client can derive the
// vault key before it has a session. The salt is not a secret; knowing
// it without the passphrase yields nothing.
func (s *Server) handleSalt(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kdf_salt": s.cfg.Auth.KDFSalt})
}
