package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coscribe/backend/internal/protocol"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/store"
)

type nullStore struct{}

func (n *nullStore) LoadSnapshot(context.Context, string) (*store.Snapshot, error) { return nil, nil }
func (n *nullStore) SaveSnapshot(context.Context, *store.Snapshot) error           { return nil }

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	rooms := room.NewManager(&nullStore{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(rooms, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, doc string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?doc=" + doc
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil discards frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, evtType string) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", evtType, err)
		}
		if msg.Type == evtType {
			return msg
		}
	}
}

func TestJoinHandshake(t *testing.T) {
	srv := setupServer(t)
	conn := dial(t, srv, "doc-1")

	send(t, conn, `{"type":"join","user":{"id":"u1","name":"Ana"}}`)
	loaded := readUntil(t, conn, protocol.EvtContentLoaded)
	if loaded.SessionID == "" {
		t.Fatal("contentLoaded without session id")
	}
	if len(loaded.Content) != 0 {
		t.Fatalf("fresh document should be empty, got %v", loaded.Content)
	}
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	srv := setupServer(t)
	conn := dial(t, srv, "doc-1")

	send(t, conn, `{"type":"presence","field":"cursor","value":{"index":1}}`)
	evt := readUntil(t, conn, protocol.EvtError)
	if evt.Code != "not_joined" {
		t.Fatalf("expected not_joined, got %q", evt.Code)
	}
}

func TestOpRelayBetweenConnections(t *testing.T) {
	srv := setupServer(t)

	a := dial(t, srv, "doc-1")
	send(t, a, `{"type":"join","user":{"id":"alice","name":"Alice"}}`)
	readUntil(t, a, protocol.EvtContentLoaded)

	b := dial(t, srv, "doc-1")
	send(t, b, `{"type":"join","user":{"id":"bob","name":"Bob"}}`)
	readUntil(t, b, protocol.EvtContentLoaded)

	send(t, a, `{"type":"op","op":{"id":{"client":"alice","counter":1},"type":"insert","content":"H"}}`)

	evt := readUntil(t, b, protocol.EvtOpReceived)
	if evt.Op == nil || evt.Op.Content != "H" {
		t.Fatalf("peer got wrong op: %+v", evt.Op)
	}
}

func TestPresenceRelay(t *testing.T) {
	srv := setupServer(t)

	a := dial(t, srv, "doc-1")
	send(t, a, `{"type":"join","user":{"id":"alice","name":"Alice","color":"#f00"}}`)
	readUntil(t, a, protocol.EvtContentLoaded)

	b := dial(t, srv, "doc-1")
	send(t, b, `{"type":"join","user":{"id":"bob","name":"Bob"}}`)
	readUntil(t, b, protocol.EvtContentLoaded)

	send(t, a, `{"type":"presence","field":"cursor","value":{"index":4,"length":0}}`)

	evt := readUntil(t, b, protocol.EvtPresenceUpdated)
	if evt.User == nil || evt.User.Name != "Alice" {
		t.Fatalf("presence without user identity: %+v", evt)
	}
	if len(evt.State["cursor"]) == 0 {
		t.Fatalf("presence without cursor state: %+v", evt.State)
	}
}

func TestPeerDisconnectAnnounced(t *testing.T) {
	srv := setupServer(t)

	a := dial(t, srv, "doc-1")
	send(t, a, `{"type":"join","user":{"id":"alice","name":"Alice"}}`)
	loadedA := readUntil(t, a, protocol.EvtContentLoaded)

	b := dial(t, srv, "doc-1")
	send(t, b, `{"type":"join","user":{"id":"bob","name":"Bob"}}`)
	readUntil(t, b, protocol.EvtContentLoaded)

	a.Close()

	evt := readUntil(t, b, protocol.EvtPresenceUpdated)
	if evt.SessionID != loadedA.SessionID || evt.State != nil {
		t.Fatalf("expected absence broadcast for %s, got %+v", loadedA.SessionID, evt)
	}
}
