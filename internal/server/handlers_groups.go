package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/group"
	"github.com/thefeshin/hush-sub000/internal/vault"
)

const maxGroupBodyBytes = 512 * 1024

// wireGroupState is a full group state as clients submit it. The
// server cannot compute key envelopes — every epoch's envelopes are
// wrapped client-side and stored opaque.
type wireGroupState struct {
	GroupID   string              `json:"group_id"`
	Epoch     int64               `json:"epoch"`
	Members   []wireMember        `json:"members"`
	Envelopes map[string]wireBlob `json:"envelopes"`
}

type wireMember struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joined_at"`
}

type createGroupRequest struct {
	wireGroupState
	CreatedBy string    `json:"created_by"`
	Metadata  *wireBlob `json:"metadata,omitempty"`
}

// decodeGroupState validates a submitted state: member list and
// envelope set must cover exactly the same users, every envelope must
// pass blob validation, and roles must be known.
func decodeGroupState(ws wireGroupState) (*group.State, error) {
	if _, err := uuid.Parse(ws.GroupID); err != nil {
		return nil, errInvalid("group_id must be a UUID")
	}
	if ws.Epoch < 1 {
		return nil, errInvalid("epoch must be at least 1")
	}
	if len(ws.Members) == 0 {
		return nil, errInvalid("members must not be empty")
	}

	state := &group.State{
		GroupID:   ws.GroupID,
		Epoch:     ws.Epoch,
		Envelopes: make(map[string]vault.EncryptedBlob, len(ws.Envelopes)),
	}

	seen := make(map[string]bool, len(ws.Members))
	for _, m := range ws.Members {
		if strings.TrimSpace(m.UserID) == "" {
			return nil, errInvalid("member user_id is required")
		}
		if seen[m.UserID] {
			return nil, errInvalid("duplicate member: " + m.UserID)
		}
		seen[m.UserID] = true

		role := group.Role(m.Role)
		if role != group.RoleOwner && role != group.RoleAdmin && role != group.RoleMember {
			return nil, errInvalid("unknown role: " + m.Role)
		}

		joined := time.Unix(m.JoinedAt, 0)
		if m.JoinedAt == 0 {
			joined = time.Now()
		}
		state.Members = append(state.Members, group.Member{UserID: m.UserID, Role: role, JoinedAt: joined})
	}

	if len(ws.Envelopes) != len(ws.Members) {
		return nil, errInvalid("envelopes must cover every member exactly once")
	}
	for userID, wb := range ws.Envelopes {
		if !seen[userID] {
			return nil, errInvalid("envelope for non-member: " + userID)
		}
		blob, err := decodeBlob(wb, MaxMetadataCiphertextBytes)
		if err != nil {
			return nil, err
		}
		state.Envelopes[userID] = blob
	}

	return state, nil
}

type invalidRequestError string

func errInvalid(msg string) error           { return invalidRequestError(msg) }
func (e invalidRequestError) Error() string { return string(e) }

// handleCreateGroup registers a group at epoch 1 with its initial
// membership and client-wrapped key envelopes.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGroupBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	state, err := decodeGroupState(req.wireGroupState)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if state.Epoch != 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "a new group starts at epoch 1")
		return
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "created_by is required")
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

	existing, err := s.store.GetConversation(state.GroupID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up group")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "conflict", "group already exists")
		return
	}

	if err := s.store.CreateGroup(state, req.CreatedBy, metadata, time.Now()); err != nil {
		log.Error().Err(err).Str("group", state.GroupID).Msg("Failed to create group")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	log.Info().Str("group", state.GroupID).Int("members", len(state.Members)).Msg("Group created")
	s.events.GroupCreated(state.GroupID, state.Epoch)
	writeJSON(w, http.StatusCreated, map[string]any{
		"group_id": state.GroupID,
		"epoch":    state.Epoch,
	})
}

// handleGetGroup returns the current group state with only the
// requesting user's envelope attached.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	forUser := r.URL.Query().Get("user")
	if forUser == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user query parameter is required")
		return
	}

	state, err := s.store.GetGroupState(groupID, forUser)
	if err != nil {
		log.Error().Err(err).Str("group", groupID).Msg("Failed to load group state")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}

	role, err := s.store.GroupRole(groupID, forUser)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check group role")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if role == "" {
		// Non-members learn nothing, not even the member list.
		writeError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}

	writeJSON(w, http.StatusOK, groupStateToWire(state))
}

// handleAddMember applies a client-computed membership addition. The
// submitted state must advance the epoch and must include the new
// member; the store rejects anything that does not strictly increase
// the epoch.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	s.applyMembershipChange(w, r, func(state *group.State, groupID string) error {
		if state.GroupID != groupID {
			return errInvalid("group_id does not match URL")
		}
		return nil
	})
}

// handleRemoveMember applies a client-computed membership removal. The
// removed user must be absent from the submitted state so they hold no
// envelope for the new epoch.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	removed := r.PathValue("uid")
	s.applyMembershipChange(w, r, func(state *group.State, groupID string) error {
		if state.GroupID != groupID {
			return errInvalid("group_id does not match URL")
		}
		for _, m := range state.Members {
			if m.UserID == removed {
				return errInvalid("removed member still present in submitted state")
			}
		}
		return nil
	})
}

func (s *Server) applyMembershipChange(w http.ResponseWriter, r *http.Request, check func(*group.State, string) error) {
	groupID := r.PathValue("id")

	var ws wireGroupState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGroupBodyBytes)).Decode(&ws); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	state, err := decodeGroupState(ws)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := check(state, groupID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.store.ReplaceGroupState(state); err != nil {
		if strings.Contains(err.Error(), "epoch must increase") {
			current, cerr := s.store.GetGroupState(groupID, "")
			resp := map[string]any{"error": "stale_epoch"}
			if cerr == nil && current != nil {
				resp["current_epoch"] = current.Epoch
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		if strings.Contains(err.Error(), "group not found") {
			writeError(w, http.StatusNotFound, "not_found", "group not found")
			return
		}
		log.Error().Err(err).Str("group", groupID).Msg("Failed to replace group state")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	log.Info().Str("group", groupID).Int64("epoch", state.Epoch).Msg("Group membership changed")
	s.events.MembershipChanged(groupID, state.Epoch)
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": groupID,
		"epoch":    state.Epoch,
	})
}

func groupStateToWire(state *group.State) map[string]any {
	members := make([]wireMember, 0, len(state.Members))
	for _, m := range state.Members {
		members = append(members, wireMember{
			UserID:   m.UserID,
			Role:     string(m.Role),
			JoinedAt: m.JoinedAt.Unix(),
		})
	}

	envelopes := make(map[string]wireBlob, len(state.Envelopes))
	for userID, blob := range state.Envelopes {
		envelopes[userID] = encodeBlob(blob)
	}

	return map[string]any{
		"group_id":  state.GroupID,
		"epoch":     state.Epoch,
		"members":   members,
		"envelopes": envelopes,
	}
}
