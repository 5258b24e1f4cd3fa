package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/store"
	wsHub "github.com/trafficiq/trafficiq/server/internal/ws"
)

// Long enough that heartbeats never interleave with the messages a test
// is waiting for, unless the test sets its own.
const testHeartbeat = time.Hour

// --- helpers ----------------------------------------------------------------

func newStore(counts map[types.Direction]int) *store.Store {
	st := store.New()
	for d, n := range counts {
		st.UpdateLane(d, n, "img/"+d.String()+".jpg") //nolint:errcheck
	}
	return st
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
func startHub(t *testing.T, st *store.Store, heartbeat time.Duration) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(st, heartbeat, nil)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads and decodes one message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m wsHub.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return m
}

func sendCommand(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"event": event}); err != nil {
		t.Fatalf("WriteJSON(%s): %v", event, err)
	}
}

func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesCurrentSnapshot(t *testing.T) {
	st := newStore(map[types.Direction]int{types.North: 12})
	wsURL, _, _ := startHub(t, st, testHeartbeat)

	m := readMessage(t, dial(t, wsURL))
	if m.Event != wsHub.EventTrafficUpdate {
		t.Errorf("event: got %q, want %q", m.Event, wsHub.EventTrafficUpdate)
	}
	if got := m.Data.Lane(types.North); got.VehicleCount != 12 || got.ImageReference != "img/north.jpg" {
		t.Errorf("north: got %+v", got)
	}
	if m.Data.GreenSignal != types.NoDirection {
		t.Errorf("green: got %v, want none", m.Data.GreenSignal)
	}
}

func TestHub_Publish_ReachesAllClients(t *testing.T) {
	st := newStore(nil)
	wsURL, hub, _ := startHub(t, st, testHeartbeat)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i]) // consume connect snapshot
	}
	waitCount(t, hub, 3)

	st.UpdateLane(types.East, 9, "") //nolint:errcheck
	st.SetGreenSignal(types.East)    //nolint:errcheck
	hub.Publish(st.Get())

	for i, conn := range conns {
		m := readMessage(t, conn)
		if m.Data.GreenSignal != types.East {
			t.Errorf("client %d: green: got %v, want east", i, m.Data.GreenSignal)
		}
		if m.Data.Lane(types.East).VehicleCount != 9 {
			t.Errorf("client %d: east count: got %d, want 9", i, m.Data.Lane(types.East).VehicleCount)
		}
	}
}

func TestHub_Heartbeat_Rebroadcasts(t *testing.T) {
	st := newStore(nil)
	wsURL, _, _ := startHub(t, st, 20*time.Millisecond)

	conn := dial(t, wsURL)
	readMessage(t, conn)

	st.UpdateLane(types.South, 4, "") //nolint:errcheck

	// Heartbeats keep arriving; one of the next few must carry the update.
	for i := 0; i < 5; i++ {
		if readMessage(t, conn).Data.Lane(types.South).VehicleCount == 4 {
			return
		}
	}
	t.Error("heartbeat never carried the updated south lane")
}

func TestHub_RequestUpdate_RepliesToSender(t *testing.T) {
	st := newStore(nil)
	wsURL, hub, _ := startHub(t, st, testHeartbeat)

	asker := dial(t, wsURL)
	other := dial(t, wsURL)
	readMessage(t, asker)
	readMessage(t, other)
	waitCount(t, hub, 2)

	st.UpdateLane(types.West, 6, "") //nolint:errcheck
	sendCommand(t, asker, wsHub.EventRequestUpdate)

	if got := readMessage(t, asker).Data.Lane(types.West).VehicleCount; got != 6 {
		t.Errorf("west: got %d, want 6", got)
	}

	other.SetReadDeadline(time.Now().Add(50 * time.Millisecond)) //nolint:errcheck
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("request_update must not broadcast to other clients")
	}
}

func TestHub_ClearData_ResetsAndBroadcasts(t *testing.T) {
	st := newStore(map[types.Direction]int{types.North: 8, types.South: 3})
	st.SetGreenSignal(types.North) //nolint:errcheck
	wsURL, hub, _ := startHub(t, st, testHeartbeat)

	sender := dial(t, wsURL)
	watcher := dial(t, wsURL)
	readMessage(t, sender)
	readMessage(t, watcher)
	waitCount(t, hub, 2)

	sendCommand(t, sender, wsHub.EventClearData)

	m := readMessage(t, watcher)
	if m.Data.TotalVehicles() != 0 {
		t.Errorf("total after clear: got %d, want 0", m.Data.TotalVehicles())
	}
	if m.Data.GreenSignal != types.NoDirection {
		t.Errorf("green after clear: got %v, want none", m.Data.GreenSignal)
	}
	if st.Get().TotalVehicles() != 0 {
		t.Error("store not reset")
	}
}

func TestHub_ClearData_UsesClearFunc(t *testing.T) {
	st := newStore(map[types.Direction]int{types.North: 8})
	wsURL, hub, _ := startHub(t, st, testHeartbeat)

	var called atomic.Int32
	hub.SetClearFunc(func(context.Context) { called.Add(1) })

	conn := dial(t, wsURL)
	readMessage(t, conn)
	sendCommand(t, conn, wsHub.EventClearData)

	deadline := time.Now().Add(2 * time.Second)
	for called.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if called.Load() != 1 {
		t.Fatalf("clear func calls: got %d, want 1", called.Load())
	}
	if st.Get().Lane(types.North).VehicleCount != 8 {
		t.Error("store reset directly despite custom clear func")
	}
}

func TestHub_MalformedCommandIgnored(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore(nil), testHeartbeat)
	conn := dial(t, wsURL)
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendCommand(t, conn, "bogus")
	sendCommand(t, conn, wsHub.EventRequestUpdate)

	readMessage(t, conn) // still served
	if hub.Count() != 1 {
		t.Errorf("Count: got %d, want 1", hub.Count())
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore(nil), testHeartbeat)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, newStore(nil), testHeartbeat)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	cancel()
	waitCount(t, hub, 0)
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(newStore(nil), testHeartbeat, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
