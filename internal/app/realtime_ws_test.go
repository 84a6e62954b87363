package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/crdt"
	"inkwell/api/internal/realtime"
)

func roomToken(t *testing.T, ts *httptest.Server, session, docID string) string {
	t.Helper()
	status, payload := doJSON(t, ts, http.MethodPost, "/api/rooms/"+docID+"/auth", session, nil)
	if status != http.StatusOK {
		t.Fatalf("room auth returned %d: %v", status, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("room auth missing token: %v", payload)
	}
	return token
}

func dialRoom(t *testing.T, ts *httptest.Server, docID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + docID + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, frameType string) realtime.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f realtime.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read while waiting for %q: %v", frameType, err)
		}
		if f.Type == frameType {
			return f
		}
	}
}

func TestWebsocketJoinDeliversSync(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	docID := createDocument(t, env.server, owner, "Live doc")

	conn := dialRoom(t, env.server, docID, roomToken(t, env.server, owner, docID))

	sync := readFrame(t, conn, realtime.FrameSync)
	var payload realtime.SyncPayload
	if err := json.Unmarshal(sync.Payload, &payload); err != nil {
		t.Fatalf("bad sync payload: %v", err)
	}
	if len(payload.Snapshot) == 0 {
		t.Fatal("sync carried no snapshot")
	}
}

func TestWebsocketUpdateReachesPeer(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	guest := signUp(t, env.server, "grace@example.com", "Grace")
	docID := createDocument(t, env.server, owner, "Pair doc")
	doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "grace@example.com"})

	ownerConn := dialRoom(t, env.server, docID, roomToken(t, env.server, owner, docID))
	guestConn := dialRoom(t, env.server, docID, roomToken(t, env.server, guest, docID))
	readFrame(t, ownerConn, realtime.FrameSync)
	readFrame(t, guestConn, realtime.FrameSync)

	client := crdt.NewDoc("ws-client")
	_, update := client.InsertBlock(0, "paragraph", nil)
	raw, err := update.Encode()
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	if err := ownerConn.WriteJSON(realtime.Frame{Type: realtime.FrameUpdate, Payload: raw}); err != nil {
		t.Fatalf("write update: %v", err)
	}

	f := readFrame(t, guestConn, realtime.FrameUpdate)
	if string(f.Payload) != string(raw) {
		t.Fatal("relayed update differs from sent update")
	}
}

func TestWebsocketPresenceReachesPeer(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	guest := signUp(t, env.server, "grace@example.com", "Grace")
	docID := createDocument(t, env.server, owner, "Presence doc")
	doJSON(t, env.server, http.MethodPost, "/api/documents/"+docID+"/share", owner, map[string]any{"email": "grace@example.com"})

	ownerConn := dialRoom(t, env.server, docID, roomToken(t, env.server, owner, docID))
	guestConn := dialRoom(t, env.server, docID, roomToken(t, env.server, guest, docID))
	readFrame(t, ownerConn, realtime.FrameSync)
	readFrame(t, guestConn, realtime.FrameSync)

	presence, _ := json.Marshal(realtime.Presence{Name: "Ada", Color: "#E57373"})
	if err := ownerConn.WriteJSON(realtime.Frame{Type: realtime.FramePresence, Payload: presence}); err != nil {
		t.Fatalf("write presence: %v", err)
	}

	f := readFrame(t, guestConn, realtime.FramePresence)
	var payload realtime.PresencePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("bad presence payload: %v", err)
	}
	if payload.Presence.Name != "Ada" {
		t.Fatalf("unexpected presence: %+v", payload)
	}
}

func TestWebsocketRejectsReusedToken(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	docID := createDocument(t, env.server, owner, "Single use")

	token := roomToken(t, env.server, owner, docID)
	conn := dialRoom(t, env.server, docID, token)
	readFrame(t, conn, realtime.FrameSync)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/" + docID + "?token=" + url.QueryEscape(token)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected second dial with same token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on token reuse, got %v", resp)
	}
}

func TestWebsocketRejectsTokenForOtherDocument(t *testing.T) {
	env := newTestEnv(t)
	owner := signUp(t, env.server, "ada@example.com", "Ada")
	docA := createDocument(t, env.server, owner, "Doc A")
	docB := createDocument(t, env.server, owner, "Doc B")

	token := roomToken(t, env.server, owner, docA)
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/" + docB + "?token=" + url.QueryEscape(token)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected cross-document token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-document token, got %v", resp)
	}
}
