package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/crypto"
	"github.com/K9Crypt/website/internal/db"
	"github.com/K9Crypt/website/internal/service"
	"github.com/K9Crypt/website/internal/store"
	"github.com/K9Crypt/website/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Env:                   "dev",
		JWTSecret:             "secret",
		AccessTokenTTLMinutes: 15,
		RequestTimeout:        5 * time.Second,
		CryptoTimeout:         2 * time.Second,
		DecryptWorkers:        4,
		ListLimit:             100,
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	box, err := crypto.NewSecretBox("router-test-secret")
	require.NoError(t, err)

	st := store.New(gdb)
	hub := ws.NewHub()
	tracker := service.NewMembershipTracker(st)
	rooms := service.NewRoomService(st, tracker, hub, cfg)
	msgs := service.NewMessageService(st, crypto.NewBoundary(box, cfg.CryptoTimeout), tracker, hub, cfg)
	return SetupRouter(cfg, rooms, msgs, hub)
}

func do(t *testing.T, r *gin.Engine, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func session(t *testing.T, r *gin.Engine) (string, string) {
	t.Helper()
	code, body := do(t, r, http.MethodPost, "/api/v1/session", "", nil)
	require.Equal(t, http.StatusOK, code)
	return body["user_id"].(string), body["access_token"].(string)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	code, body := do(t, r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestRequiresToken(t *testing.T) {
	r := newTestRouter(t)
	code, _ := do(t, r, http.MethodPost, "/api/v1/rooms", "", map[string]string{"type": "public"})
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms", "garbage", map[string]string{"type": "public"})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestPrivateRoomFlow(t *testing.T) {
	r := newTestRouter(t)
	owner, ownerTok := session(t, r)
	guest, guestTok := session(t, r)

	code, body := do(t, r, http.MethodPost, "/api/v1/rooms", ownerTok, map[string]string{
		"type": "private", "password": "hunter2", "lifetime": "day", "category": "ops",
	})
	require.Equal(t, http.StatusCreated, code)
	roomID := body["room_id"].(string)
	require.Equal(t, "private", body["type"])
	require.NotNil(t, body["expires_at"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/password", guestTok, map[string]string{"password": "nope"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["valid"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/join", guestTok, map[string]string{"password": "nope"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "unauthorized", body["error"])
	require.Equal(t, false, body["retryable"])

	code, _ = do(t, r, http.MethodGet, "/api/v1/rooms/"+roomID+"/messages", guestTok, nil)
	require.Equal(t, http.StatusForbidden, code)

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/join", guestTok, map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "joined room", body["message"])

	code, body = do(t, r, http.MethodGet, "/api/v1/rooms/"+roomID, "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "private", body["type"])
	require.EqualValues(t, 2, body["member_count"])
	require.ElementsMatch(t, []any{owner, guest}, body["members"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages", ownerTok, map[string]string{"message": "hello"})
	require.Equal(t, http.StatusCreated, code)
	msgID := body["id"].(string)
	require.Equal(t, "hello", body["message"])

	code, body = do(t, r, http.MethodGet, "/api/v1/rooms/"+roomID+"/messages", guestTok, nil)
	require.Equal(t, http.StatusOK, code)
	list := body["messages"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	require.Equal(t, "hello", first["message"])
	require.Equal(t, owner, first["sender"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages/"+msgID+"/read", guestTok, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{guest}, body["readBy"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages/"+msgID+"/reactions", guestTok, map[string]string{"emoji": "👍"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "added", body["action"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages/"+msgID+"/reactions", guestTok, map[string]string{"emoji": "👍"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "removed", body["action"])

	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/leave", guestTok, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, r, http.MethodGet, "/api/v1/rooms/"+roomID+"/messages", guestTok, nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestPublicRoomListing(t *testing.T) {
	r := newTestRouter(t)
	_, tok := session(t, r)

	code, body := do(t, r, http.MethodPost, "/api/v1/rooms", tok, map[string]string{"name": "lobby", "category": "general", "lifetime": "permanent"})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "public", body["type"])
	require.Nil(t, body["expires_at"])

	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms", tok, map[string]string{"type": "private", "password": "x", "category": "general"})
	require.Equal(t, http.StatusCreated, code)

	code, body = do(t, r, http.MethodGet, "/api/v1/rooms?category=general&type=public", tok, nil)
	require.Equal(t, http.StatusOK, code)
	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 1)
	require.Equal(t, "lobby", rooms[0].(map[string]any)["name"])
	require.EqualValues(t, 0, rooms[0].(map[string]any)["online"])
}

func TestErrorResponses(t *testing.T) {
	r := newTestRouter(t)
	_, tok := session(t, r)

	code, body := do(t, r, http.MethodPost, "/api/v1/rooms", tok, map[string]string{"type": "secret"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", body["error"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/missing/messages", tok, map[string]string{"message": "hi"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["error"])

	code, body = do(t, r, http.MethodGet, "/api/v1/rooms/missing", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "public", body["type"])
	require.EqualValues(t, 0, body["member_count"])
	require.Equal(t, []any{}, body["members"])

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/missing/join", tok, map[string]string{"password": "guess"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "unauthorized", body["error"])
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid", fmt.Errorf("%w: bad", service.ErrInvalidArgument), http.StatusBadRequest, "invalid_argument"},
		{"unauthorized", service.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{"not found", service.ErrNotFound, http.StatusNotFound, "not_found"},
		{"decryption", &service.DecryptionError{Batch: 2, Err: &crypto.CryptoError{Op: "decrypt", Err: errors.New("x")}}, http.StatusBadGateway, "decryption_error"},
		{"crypto", &crypto.CryptoError{Op: "encrypt", Err: errors.New("x")}, http.StatusBadGateway, "crypto_error"},
		{"storage", &service.StorageError{Op: "get_room", Err: errors.New("x")}, http.StatusServiceUnavailable, "storage_error"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := errorStatus(tt.err)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.kind, kind)
		})
	}
}

func TestStandaloneCipher(t *testing.T) {
	r := newTestRouter(t)
	_, tok := session(t, r)

	code, body := do(t, r, http.MethodPost, "/api/v1/create", tok, map[string]string{"message": "note to self"})
	require.Equal(t, http.StatusOK, code)
	ct := body["message"].(string)
	require.NotEqual(t, "note to self", ct)

	code, body = do(t, r, http.MethodPost, "/api/v1/view", tok, map[string]string{"message": ct})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "note to self", body["message"])

	code, body = do(t, r, http.MethodPost, "/api/v1/decrypt", tok, map[string]any{
		"messages": []map[string]any{{"message": ct, "sender": "alice"}},
	})
	require.Equal(t, http.StatusOK, code)
	items := body["messages"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, map[string]any{"message": "note to self", "sender": "alice"}, items[0])

	code, _ = do(t, r, http.MethodPost, "/api/v1/create", "", map[string]string{"message": "x"})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestStandaloneCipher_Errors(t *testing.T) {
	r := newTestRouter(t)
	_, tok := session(t, r)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"empty plaintext", "/api/v1/create", map[string]string{"message": ""}, http.StatusBadRequest, "invalid_argument"},
		{"oversized plaintext", "/api/v1/create", map[string]string{"message": strings.Repeat("a", service.MaxMessageBytes+1)}, http.StatusBadRequest, "invalid_argument"},
		{"garbage ciphertext", "/api/v1/view", map[string]string{"message": "garbage"}, http.StatusBadGateway, "crypto_error"},
		{"messages not an array", "/api/v1/decrypt", map[string]any{"messages": "nope"}, http.StatusBadRequest, "invalid_argument"},
		{"messages missing", "/api/v1/decrypt", map[string]any{}, http.StatusBadRequest, "invalid_argument"},
		{"item without message", "/api/v1/decrypt", map[string]any{"messages": []map[string]any{{"sender": "a"}}}, http.StatusBadRequest, "invalid_argument"},
		{"undecryptable item", "/api/v1/decrypt", map[string]any{"messages": []map[string]any{{"message": "garbage"}}}, http.StatusBadGateway, "decryption_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, r, http.MethodPost, tt.path, tok, tt.body)
			require.Equal(t, tt.status, code)
			require.Equal(t, tt.kind, body["error"])
			require.Equal(t, false, body["retryable"])
		})
	}
}

// readUntil returns the first frame accepted by match, or fails.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func TestWebsocket_LeaveStopsEvents(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, ownerTok := session(t, r)
	bob, bobTok := session(t, r)
	code, body := do(t, r, http.MethodPost, "/api/v1/rooms", ownerTok, map[string]string{"type": "private", "password": "pw"})
	require.Equal(t, http.StatusCreated, code)
	roomID := body["room_id"].(string)
	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/join", bobTok, map[string]string{"password": "pw"})
	require.Equal(t, http.StatusOK, code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room_id=" + roomID + "&token=" + bobTok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, func(m map[string]any) bool { return m["type"] == "join" && m["user_id"] == bob })

	code, body = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages", ownerTok, map[string]string{"message": "hi"})
	require.Equal(t, http.StatusCreated, code)
	msgID := body["id"].(string)
	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages/"+msgID+"/read", ownerTok, nil)
	require.Equal(t, http.StatusOK, code)
	readUntil(t, conn, func(m map[string]any) bool { return m["type"] == "message_read" })

	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/leave", bobTok, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, r, http.MethodPost, "/api/v1/rooms/"+roomID+"/messages/"+msgID+"/reactions", ownerTok, map[string]string{"emoji": "x"})
	require.Equal(t, http.StatusOK, code)

	// The socket is closed by the server; nothing about the reaction gets through.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			var ne net.Error
			require.False(t, errors.As(err, &ne) && ne.Timeout(), "socket was not closed: %v", err)
			break
		}
		require.NotEqual(t, "message_reaction", m["type"])
	}
}
