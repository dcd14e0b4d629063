package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"caravan/internal/saga"
)

func startHubServer(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		hub.Register <- conn
	}))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func TestHub_Broadcast(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	go hub.Run()

	conn := startHubServer(t, hub)

	msg := []byte("hello world")
	select {
	case hub.Broadcast <- msg:
	case <-time.After(time.Second):
		t.Fatalf("timed out sending to hub")
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		if string(got) != string(msg) {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_SagaEventsPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	go hub.Run()

	conn := startHubServer(t, hub)

	events := SagaEvents(hub)
	readEvent := func() Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	}

	// Publishes are fire-and-forget; give the broadcast loop a moment
	// between sends so none are dropped on the unbuffered channel.
	pause := func() { time.Sleep(20 * time.Millisecond) }

	events.OnSagaStart("tx-1")
	ev := readEvent()
	if ev.Type != "saga_start" || ev.TransactionID != "tx-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}

	pause()
	events.OnStepFailed("tx-1", "charge", &saga.StepError{Message: "card declined"}, 2)
	ev = readEvent()
	if ev.Type != "step_failed" || ev.StepID != "charge" || ev.Attempt != 2 || ev.Error != "card declined" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	pause()
	events.OnCompensationComplete("tx-1", "charge", true)
	ev = readEvent()
	if ev.Type != "compensation_complete" || ev.Success == nil || !*ev.Success {
		t.Fatalf("unexpected event: %+v", ev)
	}

	pause()
	events.OnSagaComplete("tx-1", saga.StateAborted, 1500*time.Millisecond)
	ev = readEvent()
	if ev.Type != "saga_complete" || ev.State != saga.StateAborted || ev.DurationMs != 1500 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHub_PublishDropsWhenNoReader(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	// Run loop intentionally not started; Publish must not block.
	done := make(chan struct{})
	go func() {
		hub.Publish(Event{Type: "saga_start", TransactionID: "tx-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no broadcast reader")
	}
}
