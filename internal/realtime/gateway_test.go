package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/progress"
	"github.com/lsh908400/portfolio-be/internal/session"
)

type wsMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func dialTestGateway(t *testing.T) (*websocket.Conn, *session.Registry, *events.Broadcaster, *progress.Reporter) {
	t.Helper()
	reg := session.NewRegistry()
	b := events.NewBroadcaster()
	reporter := progress.NewReporter(reg, b, time.Minute)
	g := NewGateway(reg, b)

	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, reg, b, reporter
}

func send(t *testing.T, conn *websocket.Conn, event, downloadID string) {
	t.Helper()
	err := conn.WriteJSON(map[string]any{
		"event": event,
		"data":  map[string]any{"downloadId": downloadID},
	})
	if err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestGatewayJoinReceivesPublishedEvents(t *testing.T) {
	conn, reg, b, reporter := dialTestGateway(t)
	id := reg.Create(session.Meta{FileName: "f.bin", IsFile: true})

	send(t, conn, "download:start", id)

	// The join is asynchronous; wait for the subscription to land.
	deadline := time.Now().Add(time.Second)
	for b.Count(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("join never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reporter.Progress(id, 40, 400)

	msg := readMessage(t, conn)
	if msg.Event != progress.EventProgress {
		t.Fatalf("expected progress event, got %s", msg.Event)
	}
	if msg.Data["downloadId"] != id {
		t.Errorf("event for wrong session: %v", msg.Data)
	}
	if msg.Data["progress"] != float64(40) {
		t.Errorf("progress = %v, want 40", msg.Data["progress"])
	}
}

func TestGatewayRequestStatusUnknown(t *testing.T) {
	conn, _, _, _ := dialTestGateway(t)

	send(t, conn, "download:request-status", "no-such-id")

	msg := readMessage(t, conn)
	if msg.Event != progress.EventStatus {
		t.Fatalf("expected status event, got %s", msg.Event)
	}
	if msg.Data["status"] != "unknown" {
		t.Errorf("status = %v, want unknown", msg.Data["status"])
	}
}

func TestGatewayRequestStatusSnapshot(t *testing.T) {
	conn, reg, _, reporter := dialTestGateway(t)
	id := reg.Create(session.Meta{FileName: "f.bin", IsFile: true})
	reporter.StartFile(id, "f.bin", 1000)
	reporter.Progress(id, 60, 600)

	send(t, conn, "download:request-status", id)

	msg := readMessage(t, conn)
	if msg.Event != progress.EventStatus {
		t.Fatalf("expected status event, got %s", msg.Event)
	}
	if msg.Data["status"] != "downloading" || msg.Data["currentProgress"] != float64(60) {
		t.Errorf("unexpected snapshot: %v", msg.Data)
	}
}

func TestGatewayReplayForLateJoiner(t *testing.T) {
	conn, reg, _, reporter := dialTestGateway(t)
	id := reg.Create(session.Meta{FileName: "f.bin", IsFile: true})

	// Finished session with crossings over every threshold.
	reporter.StartFile(id, "f.bin", 1000)
	reporter.Progress(id, 30, 300)
	reporter.Progress(id, 55, 550)
	reporter.Progress(id, 80, 800)
	reporter.CompleteFile(id, 1000)

	send(t, conn, "download:request-status", id)

	// Snapshot first.
	msg := readMessage(t, conn)
	if msg.Event != progress.EventStatus || msg.Data["isCompleted"] != true {
		t.Fatalf("expected completed status snapshot, got %s %v", msg.Event, msg.Data)
	}

	// Then the reduced history, every event flagged as replay.
	want := []string{
		progress.EventStart,
		progress.EventProgress,
		progress.EventProgress,
		progress.EventProgress,
		progress.EventComplete,
	}
	for i, wantEvent := range want {
		msg = readMessage(t, conn)
		if msg.Event != wantEvent {
			t.Fatalf("replay[%d]: expected %s, got %s", i, wantEvent, msg.Event)
		}
		if msg.Data["isReplay"] != true {
			t.Errorf("replay[%d]: missing isReplay flag", i)
		}
	}
}

func TestGatewayReplaySuppressedWhileActive(t *testing.T) {
	conn, reg, _, reporter := dialTestGateway(t)
	id := reg.Create(session.Meta{FileName: "f.bin", IsFile: true})

	reporter.StartFile(id, "f.bin", 1000)
	reporter.Progress(id, 50, 500)
	reporter.CompleteFile(id, 1000)
	reg.SetActive(id, true)

	send(t, conn, "download:request-status", id)

	msg := readMessage(t, conn)
	if msg.Event != progress.EventStatus {
		t.Fatalf("expected status event, got %s", msg.Event)
	}

	// No replay follows while the original client is still attached.
	conn.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	var extra wsMessage
	if err := conn.ReadJSON(&extra); err == nil {
		t.Fatalf("unexpected replay while active: %+v", extra)
	}
}

func TestGatewayCompleteReceivedClearsActive(t *testing.T) {
	conn, reg, _, _ := dialTestGateway(t)
	id := reg.Create(session.Meta{})
	reg.SetActive(id, true)

	send(t, conn, "download:complete-received", id)

	deadline := time.Now().Add(time.Second)
	for reg.IsActive(id) {
		if time.Now().After(deadline) {
			t.Fatal("active marker never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
