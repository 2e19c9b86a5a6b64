package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat-server/internal/logging"
	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

const testOrigin = "http://localhost:8080"

func discardLogger() *slog.Logger {
	return logging.Discard()
}

func newRequestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/1", http.NoBody)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

type testEnv struct {
	t      *testing.T
	store  *store.GormStore
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	cfg := NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit = RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	if customize != nil {
		customize(cfg)
	}
	srv := New(*cfg, st, discardLogger())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(time.Second)
		_ = st.Close()
	})
	return &testEnv{t: t, store: st, server: srv, http: ts}
}

func (e *testEnv) user(name string) int64 {
	e.t.Helper()
	u, err := e.store.CreateUser(context.Background(), name, name+"@example.com")
	require.NoError(e.t, err)
	return u.ID
}

func (e *testEnv) befriend(a, b int64) {
	e.t.Helper()
	ctx := context.Background()
	_, err := e.store.RequestFriendship(ctx, a, b)
	require.NoError(e.t, err)
	_, err = e.store.RespondFriendship(ctx, a, b, store.FriendshipAccepted)
	require.NoError(e.t, err)
}

func (e *testEnv) group(creator int64, members ...int64) int64 {
	e.t.Helper()
	ctx := context.Background()
	g, err := e.store.CreateGroup(ctx, "group", creator)
	require.NoError(e.t, err)
	for _, m := range members {
		require.NoError(e.t, e.store.AddMember(ctx, g.ID, m, store.RoleMember))
	}
	return g.ID
}

func (e *testEnv) wsURL(userID int64) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + fmt.Sprintf("/ws/%d", userID)
}

func (e *testEnv) dialRaw(userID int64, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return dialer.Dial(e.wsURL(userID), header)
}

// connect dials a session and consumes its connection_established greeting,
// which guarantees the session is registered.
func (e *testEnv) connect(userID int64) *websocket.Conn {
	e.t.Helper()
	conn, resp, err := e.dialRaw(userID, testOrigin)
	require.NoError(e.t, err)
	_ = resp.Body.Close()
	e.t.Cleanup(func() { _ = conn.Close() })

	greeting := readEvent(e.t, conn)
	require.Equal(e.t, "connection_established", greeting["type"])
	require.EqualValues(e.t, userID, greeting["user_id"])
	return conn
}

func (e *testEnv) do(method, path string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(e.t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(e.t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// expectNoMessage must be the last read on conn: a timed-out read leaves the
// connection unusable.
func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

// TestWebSocketRefusesUnknownUser verifies the 404 happens before the upgrade.
func TestWebSocketRefusesUnknownUser(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := env.dialRaw(999, testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = env.dialRaw(0, testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestWebSocketRejectsDisallowedOrigin verifies the origin allow-list.
func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")

	_, resp, err := env.dialRaw(alice, "http://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, env.server.Hub().IsOnline(alice))
}

// TestPresenceFollowsSessions verifies that a user stays online until the last
// session closes.
func TestPresenceFollowsSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")

	phone := env.connect(alice)
	laptop := env.connect(alice)
	env.connect(bob)

	_, body := env.do(http.MethodGet, "/online", nil)
	assert.Equal(t, []any{float64(alice), float64(bob)}, body["online"])
	assert.Equal(t, 3, env.server.Hub().SessionCount())

	require.NoError(t, phone.Close())
	waitFor(t, func() bool { return env.server.Hub().SessionCount() == 2 })
	assert.True(t, env.server.Hub().IsOnline(alice))

	require.NoError(t, laptop.Close())
	waitFor(t, func() bool { return !env.server.Hub().IsOnline(alice) })
	assert.Equal(t, []int64{bob}, env.server.Hub().ListOnline())
}

// TestDirectMessageToOfflineFriend covers the offline recipient path: the
// sender is acknowledged and the message is kept for history.
func TestDirectMessageToOfflineFriend(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	env.befriend(alice, bob)

	conn := env.connect(alice)
	sendFrame(t, conn, map[string]any{"type": "message", "recipient_id": bob, "message": "hi"})

	ack := readEvent(t, conn)
	assert.Equal(t, "message_sent", ack["type"])
	assert.NotZero(t, ack["message_id"])

	msgs, err := env.store.ListDirect(context.Background(), alice, bob, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.EqualValues(t, ack["message_id"], msgs[0].ID)
}

// TestDirectMessageAndReadReceipt walks a message from send to read receipt
// across two live users.
func TestDirectMessageAndReadReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	env.befriend(bob, alice)

	aliceConn := env.connect(alice)
	bobConn := env.connect(bob)

	sendFrame(t, aliceConn, map[string]any{"type": "message", "recipient_id": bob, "message": "hello bob"})

	ack := readEvent(t, aliceConn)
	require.Equal(t, "message_sent", ack["type"])

	incoming := readEvent(t, bobConn)
	assert.Equal(t, "new_message", incoming["type"])
	assert.Equal(t, ack["message_id"], incoming["message_id"])
	assert.EqualValues(t, alice, incoming["sender_id"])
	assert.EqualValues(t, bob, incoming["recipient_id"])
	assert.Equal(t, "hello bob", incoming["message"])
	assert.Equal(t, "sent", incoming["status"])

	sendFrame(t, bobConn, map[string]any{"type": "read_receipt", "message_id": incoming["message_id"], "sender_id": alice})
	receipt := readEvent(t, aliceConn)
	assert.Equal(t, "read_receipt", receipt["type"])
	assert.Equal(t, incoming["message_id"], receipt["message_id"])
	assert.EqualValues(t, bob, receipt["read_by"])

	// A second receipt for the same message is a no-op.
	sendFrame(t, bobConn, map[string]any{"type": "read_receipt", "message_id": incoming["message_id"], "sender_id": alice})
	expectNoMessage(t, aliceConn, 200*time.Millisecond)
}

// TestGroupMessageFanOut verifies that every other member gets the message
// and the sender only gets the acknowledgement.
func TestGroupMessageFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.user("u1")
	u2 := env.user("u2")
	u3 := env.user("u3")
	gid := env.group(u1, u2, u3)

	c1 := env.connect(u1)
	c2 := env.connect(u2)
	c3 := env.connect(u3)

	sendFrame(t, c1, map[string]any{"type": "message", "group_id": gid, "message": "team update"})

	ack := readEvent(t, c1)
	assert.Equal(t, "message_sent", ack["type"])
	for _, conn := range []*websocket.Conn{c2, c3} {
		ev := readEvent(t, conn)
		assert.Equal(t, "new_message", ev["type"])
		assert.EqualValues(t, gid, ev["group_id"])
		assert.EqualValues(t, u1, ev["sender_id"])
		assert.Equal(t, "team update", ev["message"])
	}
	expectNoMessage(t, c1, 200*time.Millisecond)
}

// TestRejectedFramesGetErrorEvents verifies rejections are reported to the
// sending session and nothing is persisted.
func TestRejectedFramesGetErrorEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	stranger := env.user("stranger")
	loner := env.user("loner")
	gid := env.group(loner)

	conn := env.connect(alice)
	strangerConn := env.connect(stranger)

	tests := []struct {
		name  string
		frame map[string]any
		code  string
	}{
		{"not friends", map[string]any{"type": "message", "recipient_id": stranger, "message": "hey"}, "not_friends"},
		{"not a member", map[string]any{"type": "message", "group_id": gid, "message": "hey"}, "not_a_member"},
		{"no target", map[string]any{"type": "message", "message": "hey"}, "malformed_target"},
		{"both targets", map[string]any{"type": "typing", "recipient_id": stranger, "group_id": gid, "is_typing": true}, "malformed_target"},
		{"typing to stranger", map[string]any{"type": "typing", "recipient_id": stranger, "is_typing": true}, "not_friends"},
		{"unknown group", map[string]any{"type": "message", "group_id": 9999, "message": "hey"}, "unknown_group"},
		{"receipt without id", map[string]any{"type": "read_receipt"}, "invalid_request"},
		{"receipt for missing message", map[string]any{"type": "read_receipt", "message_id": 12345}, "message_not_found"},
		{"string id", map[string]any{"type": "message", "recipient_id": "two", "message": "hey"}, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frame)
			ev := readEvent(t, conn)
			assert.Equal(t, "error", ev["type"])
			assert.Equal(t, tt.code, ev["code"])
			assert.NotEmpty(t, ev["message"])
		})
	}

	var n int64
	require.NoError(t, env.store.DB().Model(&store.Message{}).Count(&n).Error)
	assert.Zero(t, n)
	expectNoMessage(t, strangerConn, 200*time.Millisecond)
}

// TestPingAndMalformedFrames verifies ping gets a pong and junk frames are
// dropped without closing the session.
func TestPingAndMalformedFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	conn := env.connect(alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	sendFrame(t, conn, map[string]any{"type": "mystery"})
	sendFrame(t, conn, map[string]any{"type": "ping"})

	pong := readEvent(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.NotEmpty(t, pong["timestamp"])
	assert.True(t, env.server.Hub().IsOnline(alice))
}

// TestTypingIndicatorRelay verifies typing signals reach the peer only.
func TestTypingIndicatorRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	env.befriend(alice, bob)

	aliceConn := env.connect(alice)
	bobConn := env.connect(bob)

	sendFrame(t, aliceConn, map[string]any{"type": "typing", "recipient_id": bob, "is_typing": true})
	ev := readEvent(t, bobConn)
	assert.Equal(t, "typing_indicator", ev["type"])
	assert.EqualValues(t, alice, ev["user_id"])
	assert.Equal(t, true, ev["is_typing"])

	expectNoMessage(t, aliceConn, 200*time.Millisecond)
}

// TestRateLimitDropsExcessFrames verifies frames beyond the burst are discarded.
func TestRateLimitDropsExcessFrames(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	alice := env.user("alice")
	conn := env.connect(alice)

	for i := 0; i < 4; i++ {
		sendFrame(t, conn, map[string]any{"type": "ping"})
	}
	assert.Equal(t, "pong", readEvent(t, conn)["type"])
	assert.Equal(t, "pong", readEvent(t, conn)["type"])
	expectNoMessage(t, conn, 200*time.Millisecond)
}

// TestOversizedFrameClosesSession verifies the read limit.
func TestOversizedFrameClosesSession(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxMessageSize = 64 })
	alice := env.user("alice")
	conn := env.connect(alice)

	big := strings.Repeat("x", 256)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","pad":"`+big+`"}`)))
	waitFor(t, func() bool { return !env.server.Hub().IsOnline(alice) })
}

// TestRESTMessages covers send, history and mark-read over HTTP, including
// live pushes triggered by REST calls.
func TestRESTMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	carol := env.user("carol")
	env.befriend(alice, bob)

	aliceConn := env.connect(alice)
	bobConn := env.connect(bob)

	resp, body := env.do(http.MethodPost, "/messages", map[string]any{
		"sender_id": alice, "recipient_id": bob, "text": "via rest",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "via rest", body["text"])
	assert.Equal(t, "sent", body["delivery_state"])
	assert.Equal(t, "unread", body["read_state"])
	messageID := body["id"]

	assert.Equal(t, "message_sent", readEvent(t, aliceConn)["type"])
	assert.Equal(t, "new_message", readEvent(t, bobConn)["type"])

	resp, body = env.do(http.MethodGet, fmt.Sprintf("/messages?user_id=%d&peer_id=%d", bob, alice), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "via rest", msgs[0].(map[string]any)["text"])

	resp, body = env.do(http.MethodGet, fmt.Sprintf("/messages?user_id=%d&peer_id=%d", carol, alice), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_friends", body["error"])

	resp, body = env.do(http.MethodPost, fmt.Sprintf("/messages/%v/read", messageID), map[string]any{"user_id": bob})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	receipt := readEvent(t, aliceConn)
	assert.Equal(t, "read_receipt", receipt["type"])
	assert.EqualValues(t, bob, receipt["read_by"])

	resp, _ = env.do(http.MethodPost, "/messages/424242/read", map[string]any{"user_id": bob})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(http.MethodPost, "/messages", map[string]any{
		"sender_id": bob, "recipient_id": alice, "message": "same field as the frame",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "same field as the frame", body["text"])
	pushed := readEvent(t, aliceConn)
	assert.Equal(t, "new_message", pushed["type"])
	assert.Equal(t, "same field as the frame", pushed["message"])
}

// TestFramesOutliveTheirSession verifies that a frame read before the session
// was torn down is still persisted and acted on.
func TestFramesOutliveTheirSession(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	env.befriend(alice, bob)
	hub := env.server.Hub()
	ctx := context.Background()

	sender := NewClient(nil, hub, alice, "test", env.server.Config(), env.server.frames)
	hub.Register(sender)
	hub.Unregister(sender)
	require.Error(t, sender.Context().Err())

	env.server.frames.HandleFrame(sender.Context(), sender,
		[]byte(fmt.Sprintf(`{"type":"message","recipient_id":%d,"message":"hi"}`, bob)))

	msgs, err := env.store.ListDirect(ctx, alice, bob, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())

	reader := NewClient(nil, hub, bob, "test", env.server.Config(), env.server.frames)
	hub.Register(reader)
	hub.Unregister(reader)

	env.server.frames.HandleFrame(reader.Context(), reader,
		[]byte(fmt.Sprintf(`{"type":"read_receipt","message_id":%d}`, msgs[0].ID)))

	loaded, err := env.store.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReadRead, loaded.ReadState)
}

// TestRESTErrorMapping verifies each rejection maps onto its HTTP status.
func TestRESTErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	bob := env.user("bob")
	gid := env.group(bob)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", "{", http.StatusBadRequest, "invalid_request"},
		{"malformed target", map[string]any{"sender_id": alice, "text": "x"}, http.StatusBadRequest, "malformed_target"},
		{"unknown recipient", map[string]any{"sender_id": alice, "recipient_id": 999, "text": "x"}, http.StatusNotFound, "unknown_user"},
		{"unknown group", map[string]any{"sender_id": alice, "group_id": 999, "text": "x"}, http.StatusNotFound, "unknown_group"},
		{"not friends", map[string]any{"sender_id": alice, "recipient_id": bob, "text": "x"}, http.StatusForbidden, "not_friends"},
		{"not a member", map[string]any{"sender_id": alice, "group_id": gid, "text": "x"}, http.StatusForbidden, "not_a_member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(http.MethodPost, "/messages", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"])
		})
	}

	resp, body := env.do(http.MethodGet, "/messages?peer_id=1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])

	resp, _ = env.do(http.MethodGet, "/messages/1/read", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// TestHealthAndMetrics verifies the health and metrics endpoints.
func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	env.connect(alice)

	resp, _ := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/metrics", http.NoBody)
	require.NoError(t, err)
	metricsResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = metricsResp.Body.Close() }()
	data, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	assert.Contains(t, string(data), "nexus_sessions_open 1")
	assert.Contains(t, string(data), "nexus_users_online 1")
}

// TestServerShutdownClosesSessions verifies that Shutdown sends a close frame
// to every live session.
func TestServerShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.user("alice")
	conn := env.connect(alice)

	require.NoError(t, env.server.Hub().Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, env.server.Hub().SessionCount())
}
