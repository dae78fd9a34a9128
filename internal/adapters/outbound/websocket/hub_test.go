package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	pkgtestutil "github.com/archon-research/stl-notional/internal/pkg/testutil"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
	"github.com/archon-research/stl-notional/internal/testutil"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(HubConfig{Logger: testutil.DiscardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	if !pkgtestutil.WaitFor(t, 5*time.Second, 10*time.Millisecond, func() bool { return hub.Clients() == want }) {
		t.Fatalf("clients = %d, want %d", hub.Clients(), want)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) outbound.TotalEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event outbound.TotalEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return event
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, hub, 2)

	if err := hub.Publish(context.Background(), outbound.TotalEvent{Sequence: 1, TotalMinor: 22500}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		if got := readEvent(t, conn); got.TotalMinor != 22500 {
			t.Errorf("TotalMinor = %d, want 22500", got.TotalMinor)
		}
	}
}

func TestHub_NewClientReceivesLatestTotal(t *testing.T) {
	hub, url := startHub(t)

	for i, total := range []int64{100, 2500} {
		if err := hub.Publish(context.Background(), outbound.TotalEvent{Sequence: uint64(i + 1), TotalMinor: total}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// The snapshot and the queued broadcasts may race with registration;
	// either way the client converges on the latest total.
	conn := dial(t, url)
	for {
		got := readEvent(t, conn)
		if got.TotalMinor == 2500 {
			break
		}
		if got.Sequence >= 2 {
			t.Fatalf("event %d carried total %d, want 2500", got.Sequence, got.TotalMinor)
		}
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_PublishAfterClose(t *testing.T) {
	hub, _ := startHub(t)
	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := hub.Publish(context.Background(), outbound.TotalEvent{}); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Publish error = %v, want ErrHubClosed", err)
	}
	if err := hub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
