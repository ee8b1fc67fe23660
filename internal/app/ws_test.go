package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"coderoom/api/internal/auth"
	"coderoom/api/internal/collab"
	"coderoom/api/internal/crdt"
	"coderoom/api/internal/store"

	"github.com/gorilla/websocket"
)

func startSocketServer(t *testing.T, fs *fakeStore) *httptest.Server {
	t.Helper()
	_, ts := startServer(t, fs)
	return ts
}

func startServer(t *testing.T, fs *fakeStore) (*HTTPServer, *httptest.Server) {
	t.Helper()
	server := newTestServer(t, newTestService(fs, &fakeGit{}, &fakeSearch{}), fs)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

// expectDropped reads until the server ends the connection.
func expectDropped(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// sendEdit writes an update from writer and waits until reader sees it, so
// the server has applied it.
func sendEdit(t *testing.T, writer, reader *websocket.Conn, text string) {
	t.Helper()
	ops := crdt.New("w-" + text).Insert(0, text)
	data, err := collab.EncodeFrame(collab.Frame{Type: collab.FrameUpdate, Ops: ops})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := writer.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		if f := readFrame(t, reader); f.Type == collab.FrameUpdate {
			return
		}
	}
}

func dial(t *testing.T, ts *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	target := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func expectClose(t *testing.T, ws *websocket.Conn, want int) {
	t.Helper()
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != want {
		t.Fatalf("close code = %d, want %d", closeErr.Code, want)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) collab.Frame {
	t.Helper()
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", kind)
	}
	frame, err := collab.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestSocketsRejectBadTokens(t *testing.T) {
	ts := startSocketServer(t, &fakeStore{})

	for _, path := range []string{"/ws", "/sync/r1/main.go"} {
		t.Run(path, func(t *testing.T) {
			expectClose(t, dial(t, ts, path, ""), auth.CloseMissingToken)
			expectClose(t, dial(t, ts, path, "not-a-jwt"), auth.CloseVerificationError)
			expectClose(t, dial(t, ts, path, issue(t, "u1", -time.Minute)), auth.CloseVerificationError)
		})
	}
}

func TestRoomSocketJoinReturnsHistory(t *testing.T) {
	ts := startSocketServer(t, &fakeStore{})
	ws := dial(t, ts, "/ws", issue(t, "u1", time.Hour))

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"room:join","payload":{"roomId":"r1"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type    string `json:"type"`
		Payload struct {
			RoomID   string            `json:"roomId"`
			Messages []json.RawMessage `json:"messages"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != "chat:history" || env.Payload.RoomID != "r1" || env.Payload.Messages == nil {
		t.Fatalf("first message = %s", data)
	}
}

func TestSyncSocketGreetsAndRelaysUpdates(t *testing.T) {
	ts := startSocketServer(t, &fakeStore{})

	alice := dial(t, ts, "/sync/r1/main.go", issue(t, "alice", time.Hour))
	if greeting := readFrame(t, alice); greeting.Type != collab.FrameSync1 {
		t.Fatalf("greeting type = %s, want sync1", greeting.Type)
	}
	bob := dial(t, ts, "/sync/r1/main.go", issue(t, "bob", time.Hour))
	if greeting := readFrame(t, bob); greeting.Type != collab.FrameSync1 {
		t.Fatalf("greeting type = %s, want sync1", greeting.Type)
	}

	ops := crdt.New("alice-replica").Insert(0, "hi")
	data, err := collab.EncodeFrame(collab.Frame{Type: collab.FrameUpdate, Ops: ops})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := alice.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrame(t, bob)
	if got.Type != collab.FrameUpdate || len(got.Ops) != len(ops) {
		t.Fatalf("bob received %+v", got)
	}
}

func TestSyncSocketRejectsNonMembers(t *testing.T) {
	fs := &fakeStore{}
	withRoom(fs, "r1", map[string]string{"owner": store.RoleOwner})
	ts := startSocketServer(t, fs)

	expectClose(t, dial(t, ts, "/sync/r1/main.go", issue(t, "stranger", time.Hour)), closeForbidden)
}

func TestDeleteRoomClosesLiveSessions(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	fs := &fakeStore{
		upsertFileByNameFn: func(_ context.Context, item store.File) (store.File, error) {
			mu.Lock()
			writes = append(writes, item.Content)
			mu.Unlock()
			return item, nil
		},
	}
	withRoom(fs, "r1", map[string]string{"owner": store.RoleOwner, "editor": store.RoleEditor})
	server, ts := startServer(t, fs)

	owner := dial(t, ts, "/sync/r1/main.go", issue(t, "owner", time.Hour))
	readFrame(t, owner)
	editor := dial(t, ts, "/sync/r1/main.go", issue(t, "editor", time.Hour))
	readFrame(t, editor)
	sendEdit(t, owner, editor, "unsaved")

	rr := doRequest(t, server, http.MethodDelete, "/api/rooms/r1", issue(t, "owner", time.Hour), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d body=%s", rr.Code, rr.Body.String())
	}
	expectDropped(t, owner)
	expectDropped(t, editor)

	// Detaching the dropped sockets must not write the deleted file back.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 0 {
		t.Fatalf("file written after room deletion: %q", writes)
	}
}

func TestRemovedMemberLosesSyncSocket(t *testing.T) {
	fs := &fakeStore{}
	withRoom(fs, "r1", map[string]string{"owner": store.RoleOwner, "editor": store.RoleEditor})
	server, ts := startServer(t, fs)

	owner := dial(t, ts, "/sync/r1/main.go", issue(t, "owner", time.Hour))
	readFrame(t, owner)
	editor := dial(t, ts, "/sync/r1/main.go", issue(t, "editor", time.Hour))
	readFrame(t, editor)
	sendEdit(t, editor, owner, "hello")

	rr := doRequest(t, server, http.MethodDelete, "/api/rooms/r1/members/editor", issue(t, "owner", time.Hour), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rr.Code)
	}
	expectDropped(t, editor)

	doc, ok := server.sessions.Lookup(collab.Key{RoomID: "r1", FileName: "main.go"})
	if !ok {
		t.Fatal("session closed for the remaining member")
	}
	if doc.Peers() != 1 {
		t.Fatalf("peers = %d, want 1", doc.Peers())
	}
}
