package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thefeshin/hush-sub000/internal/config"
	"github.com/thefeshin/hush-sub000/internal/defense"
	"github.com/thefeshin/hush-sub000/internal/passphrase"
	"github.com/thefeshin/hush-sub000/internal/store"
	"github.com/thefeshin/hush-sub000/internal/vault"
)

const testWords = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.Hash = passphrase.Hash(testWords)
	cfg.Auth.KDFSalt = base64.StdEncoding.EncodeToString([]byte("testsalt12345678"))
	cfg.Auth.SessionSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xA5}, 32))
	// High enough that the rate limiter never interferes unless a test
	// wants it to.
	cfg.RateLimit.PerMinute = 100000
	cfg.RateLimit.Burst = 100000
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sm := defense.New(defense.Policy{
		MaxFailures: cfg.Defense.MaxAuthFailures,
		Mode:        defense.Mode(cfg.Defense.FailureMode),
		BlockWindow: time.Duration(cfg.Defense.IPBlockMinutes) * time.Minute,
		PanicMode:   cfg.Defense.PanicMode,
	}, st, st)

	srv, err := New(cfg, st, sm, nil)
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	return srv, st
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:54321"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func authenticate(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
		"passphrase_hash": passphrase.Hash(testWords),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Authentication failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token     string `json:"token"`
		KDFSalt   string `json:"kdf_salt"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse auth response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("Auth response has no token")
	}
	if resp.KDFSalt == "" {
		t.Fatal("Auth response has no kdf_salt")
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("Expected expires_in 3600, got %d", resp.ExpiresIn)
	}
	return resp.Token
}

func encodeTestBlob(size int) map[string]string {
	return map[string]string{
		"ciphertext": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, size)),
		"iv":         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x02}, vault.IVSize)),
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestAuthSuccess(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	authenticate(t, srv)
}

func TestAuthFailureCountsDown(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
		"passphrase_hash": passphrase.Hash("wrong words entirely"),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}

	var resp struct {
		Error     string `json:"error"`
		Remaining int    `json:"remaining_attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Error != "invalid_credentials" {
		t.Errorf("Expected invalid_credentials, got %q", resp.Error)
	}
	if resp.Remaining != 4 {
		t.Errorf("Expected 4 remaining attempts, got %d", resp.Remaining)
	}
}

func TestAuthBlockedAfterThreshold(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
			"passphrase_hash": passphrase.Hash("wrong words entirely"),
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("Attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	// Blocked now: even the correct hash gets the generic refusal.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
		"passphrase_hash": passphrase.Hash(testWords),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 while blocked, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("remaining_attempts")) {
		t.Error("Blocked response leaks attempt information")
	}
}

func TestAuthSuccessResetsFailures(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	for i := 0; i < 3; i++ {
		doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
			"passphrase_hash": passphrase.Hash("wrong words entirely"),
		})
	}
	authenticate(t, srv)

	count, err := st.GetFailureCount("10.0.0.1")
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected failure count reset after success, got %d", count)
	}
}

func TestAuthMalformedHashIsAFailure(t *testing.T) {
	srv, st := newTestServer(t, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
		"passphrase_hash": "!!!not-base64!!!",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for undecodable hash, got %d", rec.Code)
	}
	count, _ := st.GetFailureCount("10.0.0.1")
	if count != 1 {
		t.Errorf("Expected the failure to be recorded, got count %d", count)
	}
}

func TestAuthRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.PerMinute = 1
	cfg.RateLimit.Burst = 2
	srv, _ := newTestServer(t, cfg)

	var limited bool
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth", "", map[string]string{
			"passphrase_hash": passphrase.Hash(testWords),
		})
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("Expected a 429 after the burst was exhausted")
	}
}

func TestSaltEndpoint(t *testing.T) {
	cfg := testConfig()
	srv, _ := newTestServer(t, cfg)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/salt", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["kdf_salt"] != cfg.Auth.KDFSalt {
		t.Errorf("Expected configured salt, got %q", resp["kdf_salt"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/conversations", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bad token, got %d", rec.Code)
	}
}

func TestConversationAndMessageFlow(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	convID := vault.ConversationID("alice", "bob")
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/conversations", token, map[string]any{
		"id": convID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Duplicate create conflicts.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations", token, map[string]any{"id": convID})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate, got %d", rec.Code)
	}

	// Post a message.
	body := encodeTestBlob(128)
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+convID+"/messages", token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// List it back.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/conversations/"+convID+"/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Messages []struct {
			ID         string `json:"id"`
			Ciphertext string `json:"ciphertext"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("Failed to parse list response: %v", err)
	}
	if len(listResp.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(listResp.Messages))
	}
	if listResp.Messages[0].Ciphertext != body["ciphertext"] {
		t.Error("Ciphertext changed in storage roundtrip")
	}

	// Unknown conversation 404s.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/99999999-9999-9999-9999-999999999999/messages", token, body)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestMessageSizeCaps(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	convID := vault.ConversationID("alice", "bob")
	doJSON(t, srv.Handler(), http.MethodPost, "/conversations", token, map[string]any{"id": convID})

	// At the cap: accepted.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+convID+"/messages", token, encodeTestBlob(MaxMessageCiphertextBytes))
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected 201 at the size cap, got %d: %s", rec.Code, rec.Body.String())
	}

	// One byte over: rejected before storage.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+convID+"/messages", token, encodeTestBlob(MaxMessageCiphertextBytes+1))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 over the size cap, got %d", rec.Code)
	}
}

func TestMessageIVValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	convID := vault.ConversationID("alice", "bob")
	doJSON(t, srv.Handler(), http.MethodPost, "/conversations", token, map[string]any{"id": convID})

	tests := []struct {
		name string
		body map[string]string
	}{
		{"short IV", map[string]string{
			"ciphertext": base64.StdEncoding.EncodeToString([]byte("ct")),
			"iv":         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, vault.IVSize-1)),
		}},
		{"long IV", map[string]string{
			"ciphertext": base64.StdEncoding.EncodeToString([]byte("ct")),
			"iv":         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, vault.IVSize+1)),
		}},
		{"invalid base64 IV", map[string]string{
			"ciphertext": base64.StdEncoding.EncodeToString([]byte("ct")),
			"iv":         "!!!",
		}},
		{"invalid base64 ciphertext", map[string]string{
			"ciphertext": "%%%",
			"iv":         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, vault.IVSize)),
		}},
		{"empty ciphertext", map[string]string{
			"ciphertext": "",
			"iv":         base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, vault.IVSize)),
		}},
	}

	for _, tt := range tests {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+convID+"/messages", token, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, rec.Code)
		}
	}
}

func groupCreateBody(groupID string, epoch int64, members ...string) map[string]any {
	memberList := make([]map[string]any, 0, len(members))
	envelopes := make(map[string]any, len(members))
	for i, id := range members {
		role := "member"
		if i == 0 {
			role = "owner"
		}
		memberList = append(memberList, map[string]any{"user_id": id, "role": role})
		envelopes[id] = encodeTestBlob(48)
	}
	body := map[string]any{
		"group_id":  groupID,
		"epoch":     epoch,
		"members":   memberList,
		"envelopes": envelopes,
	}
	if len(members) > 0 {
		body["created_by"] = members[0]
	}
	return body
}

func TestGroupLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	groupID := "11111111-2222-3333-4444-555555555555"
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/groups", token, groupCreateBody(groupID, 1, "alice", "bob"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Fetch as a member: only that member's envelope comes back.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/groups/"+groupID+"?user=alice", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stateResp struct {
		Epoch     int64                      `json:"epoch"`
		Members   []map[string]any           `json:"members"`
		Envelopes map[string]json.RawMessage `json:"envelopes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stateResp); err != nil {
		t.Fatalf("Failed to parse state: %v", err)
	}
	if stateResp.Epoch != 1 {
		t.Errorf("Expected epoch 1, got %d", stateResp.Epoch)
	}
	if len(stateResp.Envelopes) != 1 {
		t.Errorf("Expected only the caller's envelope, got %d", len(stateResp.Envelopes))
	}

	// Non-members see nothing.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/groups/"+groupID+"?user=mallory", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for non-member, got %d", rec.Code)
	}

	// Membership addition advances the epoch.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/groups/"+groupID+"/members", token, groupCreateBody(groupID, 2, "alice", "bob", "carol"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Replaying the same epoch conflicts with the current epoch echoed.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/groups/"+groupID+"/members", token, groupCreateBody(groupID, 2, "alice", "bob", "carol"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for stale epoch, got %d", rec.Code)
	}
	var conflict struct {
		Error        string `json:"error"`
		CurrentEpoch int64  `json:"current_epoch"`
	}
	json.Unmarshal(rec.Body.Bytes(), &conflict)
	if conflict.Error != "stale_epoch" || conflict.CurrentEpoch != 2 {
		t.Errorf("Expected stale_epoch at current epoch 2, got %+v", conflict)
	}

	// Removal must exclude the removed member from the submitted state.
	rec = doJSON(t, srv.Handler(), http.MethodDelete, "/groups/"+groupID+"/members/carol", token, groupCreateBody(groupID, 3, "alice", "bob", "carol"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 when removed member is still present, got %d", rec.Code)
	}
	rec = doJSON(t, srv.Handler(), http.MethodDelete, "/groups/"+groupID+"/members/carol", token, groupCreateBody(groupID, 3, "alice", "bob"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGroupMessageEpochEnforcement(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	groupID := "11111111-2222-3333-4444-555555555555"
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/groups", token, groupCreateBody(groupID, 1, "alice", "bob"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Group message without an epoch is rejected.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+groupID+"/messages", token, encodeTestBlob(64))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without key_epoch, got %d", rec.Code)
	}

	// Correct epoch is accepted.
	body := encodeTestBlob(64)
	withEpoch := map[string]any{"ciphertext": body["ciphertext"], "iv": body["iv"], "key_epoch": 1}
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+groupID+"/messages", token, withEpoch)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Stale epoch conflicts and reports the current epoch.
	doJSON(t, srv.Handler(), http.MethodPost, "/groups/"+groupID+"/members", token, groupCreateBody(groupID, 2, "alice", "bob", "carol"))
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/conversations/"+groupID+"/messages", token, withEpoch)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for stale epoch, got %d", rec.Code)
	}
	var conflict struct {
		Error        string `json:"error"`
		CurrentEpoch int64  `json:"current_epoch"`
	}
	json.Unmarshal(rec.Body.Bytes(), &conflict)
	if conflict.Error != "stale_epoch" || conflict.CurrentEpoch != 2 {
		t.Errorf("Expected stale_epoch at epoch 2, got %+v", conflict)
	}
}

func TestGroupValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	groupID := "11111111-2222-3333-4444-555555555555"

	// Envelope set must cover the member list exactly.
	body := groupCreateBody(groupID, 1, "alice", "bob")
	envelopes := body["envelopes"].(map[string]any)
	delete(envelopes, "bob")
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/groups", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing envelope, got %d", rec.Code)
	}

	// Unknown role.
	body = groupCreateBody(groupID, 1, "alice")
	body["members"].([]map[string]any)[0]["role"] = "supreme_leader"
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/groups", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown role, got %d", rec.Code)
	}

	// A new group must start at epoch 1.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/groups", token, groupCreateBody(groupID, 7, "alice"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for initial epoch != 1, got %d", rec.Code)
	}
}

func TestMetadataUpdate(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	token := authenticate(t, srv)

	convID := vault.ConversationID("alice", "bob")
	doJSON(t, srv.Handler(), http.MethodPost, "/conversations", token, map[string]any{"id": convID})

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/conversations/"+convID+"/metadata", token, encodeTestBlob(256))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Metadata has a tighter cap than messages.
	rec = doJSON(t, srv.Handler(), http.MethodPut, "/conversations/"+convID+"/metadata", token, encodeTestBlob(MaxMetadataCiphertextBytes+1))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 over the metadata cap, got %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/conversations/99999999-9999-9999-9999-999999999999/metadata", token, encodeTestBlob(64))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown conversation, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		xff        string
		want       string
	}{
		{"10.0.0.1:1234", "", "10.0.0.1"},
		{"10.0.0.1:1234", "203.0.113.7", "203.0.113.7"},
		{"10.0.0.1:1234", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"[::1]:1234", "", "::1"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, xff=%q) = %q, want %q", tt.remoteAddr, tt.xff, got, tt.want)
		}
	}
}

func TestBase64MaxLength(t *testing.T) {
	tests := []struct {
		bytes int
		want  int
	}{
		{0, 0},
		{1, 4},
		{3, 4},
		{4, 8},
		{65536, 87384},
	}
	for _, tt := range tests {
		if got := base64MaxLength(tt.bytes); got != tt.want {
			t.Errorf("base64MaxLength(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}
