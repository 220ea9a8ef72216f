package transport_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"StampLedger/internal/event"
	"StampLedger/internal/transport"
)

func dialPeer(t *testing.T, url string, author uuid.UUID) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hello := transport.Message{Type: transport.MsgHello, Hello: &transport.Hello{AuthorID: author}}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	return conn
}

func waitInbound(t *testing.T, host *transport.Host, want transport.MsgType) transport.Inbound {
	t.Helper()
	select {
	case in := <-host.Inbound():
		if in.Msg.Type != want {
			t.Fatalf("inbound type = %q, want %q", in.Msg.Type, want)
		}
		return in
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return transport.Inbound{}
	}
}

// A peer dropping its connection while the session loop is mid-broadcast
// must never bring the host down: the write side winds down on its own
// signal and the broadcast keeps going.
func TestHost_PeerDisconnectDuringBroadcast(t *testing.T) {
	host := transport.NewHost(transport.DefaultHostConfig(), nil)
	defer host.Close()
	srv := httptest.NewServer(host.Handler())
	defer srv.Close()

	conn := dialPeer(t, srv.URL, uuid.New())
	waitInbound(t, host, transport.MsgHello)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 1000; seq++ {
			host.BroadcastConfirmed(event.Envelope{
				Sequence:    seq,
				Kind:        event.KindPlace,
				PlacementID: uuid.New(),
			})
		}
	}()
	conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast stalled after peer disconnect")
	}
}

// Reconnecting under the same author replaces the stale connection and
// keeps delivery flowing to the new one.
func TestHost_ReconnectReplacesStaleConnection(t *testing.T) {
	host := transport.NewHost(transport.DefaultHostConfig(), nil)
	defer host.Close()
	srv := httptest.NewServer(host.Handler())
	defer srv.Close()

	author := uuid.New()
	stale := dialPeer(t, srv.URL, author)
	waitInbound(t, host, transport.MsgHello)

	fresh := dialPeer(t, srv.URL, author)
	defer fresh.Close()
	waitInbound(t, host, transport.MsgHello)
	stale.Close()

	host.BroadcastConfirmed(event.Envelope{Sequence: 1, Kind: event.KindPlace, PlacementID: uuid.New()})

	fresh.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg transport.Message
	for {
		if err := fresh.ReadJSON(&msg); err != nil {
			t.Fatalf("read on fresh connection: %v", err)
		}
		if msg.Type == transport.MsgConfirmed {
			break
		}
	}
	if msg.Confirmed == nil || msg.Confirmed.Sequence != 1 {
		t.Errorf("confirmed payload = %+v", msg.Confirmed)
	}
}
