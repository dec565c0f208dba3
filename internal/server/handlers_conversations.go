package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/store"
	"github.com/thefeshin/hush-sub000/internal/vault"
)

const maxConversationBodyBytes = 128 * 1024

type createConversationRequest struct {
	ID       string    `json:"id"`
	Metadata *wireBlob `json:"metadata,omitempty"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Metadata  *wireBlob `json:"metadata,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// handleCreateConversation registers a direct conversation. The ID is
// client-derived from the two participant identities, so both sides
// arrive at the same row independently; a duplicate create is reported
// as a conflict.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConversationBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID")
		return
	}

	var metadata *vault.EncryptedBlob
	if req.Metadata != nil {
		blob, err := decodeBlob(*req.Metadata, MaxMetadataCiphertextBytes)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		metadata = &blob
	}

	existing, err := s.store.GetConversation(req.ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up conversation")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "conflict", "conversation already exists")
		return
	}

	conv := &store.Conversation{
		ID:        req.ID,
		Kind:      "direct",
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateConversation(conv); err != nil {
		log.Error().Err(err).Msg("Failed to create conversation")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, conversationToWire(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list conversations")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for i := range conversations {
		out = append(out, conversationToWire(&conversations[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req wireBlob
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConversationBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	blob, err := decodeBlob(req, MaxMetadataCiphertextBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.store.UpdateConversationMetadata(id, blob); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type postMessageRequest struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	KeyEpoch   *int64 `json:"key_epoch,omitempty"`
	ExpiresIn  *int64 `json:"expires_in,omitempty"` // seconds
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Ciphertext     string `json:"ciphertext"`
	IV             string `json:"iv"`
	KeyEpoch       *int64 `json:"key_epoch,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
}

// handlePostMessage stores one ciphertext message. Group messages must
// carry the epoch their key belongs to, and it must match the group's
// current epoch; a stale sender is told to refresh.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	conv, err := s.store.GetConversation(convID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up conversation")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConversationBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	blob, err := decodeBlob(wireBlob{Ciphertext: req.Ciphertext, IV: req.IV}, MaxMessageCiphertextBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if conv.Kind == "group" {
		if req.KeyEpoch == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "key_epoch is required for group messages")
			return
		}
		state, err := s.store.GetGroupState(convID, "")
		if err != nil || state == nil {
			log.Error().Err(err).Str("group", convID).Msg("Failed to load group state")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if *req.KeyEpoch != state.Epoch {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":         "stale_epoch",
				"current_epoch": state.Epoch,
			})
			return
		}
	} else if req.KeyEpoch != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "key_epoch is only valid for group messages")
		return
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Blob:           blob,
		KeyEpoch:       req.KeyEpoch,
		CreatedAt:      time.Now(),
	}
	if req.ExpiresIn != nil {
		if *req.ExpiresIn <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "expires_in must be positive")
			return
		}
		t := msg.CreatedAt.Add(time.Duration(*req.ExpiresIn) * time.Second)
		msg.ExpiresAt = &t
	}

	if err := s.store.InsertMessage(msg); err != nil {
		log.Error().Err(err).Msg("Failed to insert message")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	s.events.MessageCreated(convID, req.KeyEpoch)
	writeJSON(w, http.StatusCreated, messageToWire(msg))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	messages, err := s.store.ListMessages(convID, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list messages")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for i := range messages {
		out = append(out, messageToWire(&messages[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func conversationToWire(c *store.Conversation) conversationResponse {
	resp := conversationResponse{
		ID:        c.ID,
		Kind:      c.Kind,
		CreatedAt: c.CreatedAt.Unix(),
	}
	if c.Metadata != nil {
		wb := encodeBlob(*c.Metadata)
		resp.Metadata = &wb
	}
	return resp
}

func messageToWire(m *store.Message) messageResponse {
	wb := encodeBlob(m.Blob)
	resp := messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Ciphertext:     wb.Ciphertext,
		IV:             wb.IV,
		KeyEpoch:       m.KeyEpoch,
		CreatedAt:      m.CreatedAt.Unix(),
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.Unix()
		resp.ExpiresAt = &t
	}
	return resp
}
