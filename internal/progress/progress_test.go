package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/session"
)

func progressEvent(percent int) session.Event {
	return session.Event{
		Name:      EventProgress,
		Data:      map[string]any{"progress": percent},
		Timestamp: time.Now(),
	}
}

func names(evs []session.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name
	}
	return out
}

func TestReplaySequence(t *testing.T) {
	history := []session.Event{
		{Name: EventStart, Data: map[string]any{"progress": 0}},
		progressEvent(5),
		progressEvent(12),
		progressEvent(27),
		progressEvent(33),
		progressEvent(51),
		progressEvent(64),
		progressEvent(78),
		progressEvent(92),
		{Name: EventComplete, Data: map[string]any{"progress": 100}},
	}

	got := ReplaySequence(history)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d: %v", len(got), names(got))
	}
	if got[0].Name != EventStart {
		t.Errorf("expected start first, got %s", got[0].Name)
	}
	wantPercents := []int{27, 51, 78}
	for i, want := range wantPercents {
		p, ok := eventPercent(got[i+1])
		if !ok || p != want {
			t.Errorf("replay[%d]: expected progress %d, got %v", i+1, want, got[i+1].Data["progress"])
		}
	}
	if got[4].Name != EventComplete {
		t.Errorf("expected complete last, got %s", got[4].Name)
	}
}

func TestReplaySequenceSkipsCoveredThresholds(t *testing.T) {
	// A single jump past several thresholds replays once, not three times.
	history := []session.Event{
		{Name: EventStart, Data: map[string]any{}},
		progressEvent(10),
		progressEvent(90),
		progressEvent(95),
		{Name: EventComplete, Data: map[string]any{"progress": 100}},
	}

	got := ReplaySequence(history)
	if len(got) != 3 {
		t.Fatalf("expected start + one progress + complete, got %v", names(got))
	}
	if p, _ := eventPercent(got[1]); p != 90 {
		t.Errorf("expected the 90%% event, got %v", got[1].Data["progress"])
	}
}

func TestReplaySequenceIsNonDecreasing(t *testing.T) {
	history := []session.Event{{Name: EventStart, Data: map[string]any{}}}
	for p := 0; p <= 100; p += 3 {
		history = append(history, progressEvent(p))
	}
	history = append(history, session.Event{Name: EventCanceled, Data: map[string]any{}})

	got := ReplaySequence(history)
	last := -1
	for _, ev := range got {
		if ev.Name != EventProgress {
			continue
		}
		p, _ := eventPercent(ev)
		if p < last {
			t.Fatalf("replay progress decreased: %d after %d", p, last)
		}
		last = p
	}
	if got[len(got)-1].Name != EventCanceled {
		t.Errorf("expected terminal event last, got %s", got[len(got)-1].Name)
	}
}

func TestReplaySequenceShortTransfer(t *testing.T) {
	// A transfer that finished before crossing any threshold replays just
	// start and terminal.
	history := []session.Event{
		{Name: EventStart, Data: map[string]any{}},
		progressEvent(8),
		{Name: EventComplete, Data: map[string]any{"progress": 100}},
	}
	got := ReplaySequence(history)
	if len(got) != 2 || got[0].Name != EventStart || got[1].Name != EventComplete {
		t.Fatalf("unexpected replay: %v", names(got))
	}
}

func TestReplaySequenceFloatPercent(t *testing.T) {
	// Percent values that round-tripped through JSON arrive as float64.
	history := []session.Event{
		{Name: EventStart, Data: map[string]any{}},
		{Name: EventProgress, Data: map[string]any{"progress": float64(50)}},
		{Name: EventComplete, Data: map[string]any{}},
	}
	got := ReplaySequence(history)
	if len(got) != 3 {
		t.Fatalf("float64 percent not recognized: %v", names(got))
	}
}

func newTestReporter() (*Reporter, *session.Registry, *events.Broadcaster) {
	reg := session.NewRegistry()
	b := events.NewBroadcaster()
	return NewReporter(reg, b, time.Minute), reg, b
}

func TestReporterRecordsAndPublishes(t *testing.T) {
	r, reg, b := newTestReporter()
	id := reg.Create(session.Meta{FileName: "f.bin", IsFile: true})
	ch := b.Subscribe(id)
	defer b.Unsubscribe(id, ch)

	r.StartFile(id, "f.bin", 1000)
	r.Progress(id, 50, 500)

	s, _ := reg.Get(id)
	if s.Status != session.StatusDownloading || s.CurrentProgress != 50 {
		t.Errorf("snapshot not updated: %+v", s)
	}
	h := reg.History(id)
	if len(h) != 2 || h[0].Name != EventStart || h[1].Name != EventProgress {
		t.Fatalf("unexpected history: %v", names(h))
	}

	for _, want := range []string{EventStart, EventProgress} {
		select {
		case msg := <-ch:
			if msg.Event != want {
				t.Errorf("expected %s, got %s", want, msg.Event)
			}
			if msg.Data["downloadId"] != id {
				t.Errorf("event missing downloadId: %v", msg.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestReporterTerminalOnlyOnce(t *testing.T) {
	r, reg, b := newTestReporter()
	id := reg.Create(session.Meta{})
	ch := b.Subscribe(id)
	defer b.Unsubscribe(id, ch)

	if !r.CompleteFile(id, 1000) {
		t.Fatal("first terminal rejected")
	}
	if r.Error(id, errors.New("late failure")) {
		t.Fatal("second terminal accepted")
	}
	if r.Canceled(id) {
		t.Fatal("third terminal accepted")
	}

	s, _ := reg.Get(id)
	if s.Status != session.StatusComplete || !s.IsCompleted || s.CurrentProgress != 100 {
		t.Errorf("unexpected terminal snapshot: %+v", s)
	}

	// Only the complete event reached the wire.
	var received []string
	for {
		select {
		case msg := <-ch:
			received = append(received, msg.Event)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if len(received) != 1 || received[0] != EventComplete {
		t.Errorf("expected single complete on the wire, got %v", received)
	}
}

func TestReporterTerminalUnknownSession(t *testing.T) {
	r, _, _ := newTestReporter()
	if r.CompleteFile("no-such-id", 10) {
		t.Error("terminal accepted for unknown session")
	}
}

func TestStatusData(t *testing.T) {
	s := session.Session{
		DownloadID:      "dl-1",
		Status:          session.StatusDownloading,
		CurrentProgress: 40,
		FileName:        "f.bin",
		IsFile:          true,
		Ready:           true,
	}
	data := StatusData(s)
	if data["downloadId"] != "dl-1" || data["status"] != "downloading" {
		t.Errorf("unexpected status payload: %v", data)
	}
	if data["currentProgress"] != 40 || data["ready"] != true {
		t.Errorf("unexpected status payload: %v", data)
	}

	unknown := UnknownStatusData("dl-gone")
	if unknown["status"] != "unknown" || unknown["downloadId"] != "dl-gone" {
		t.Errorf("unexpected unknown payload: %v", unknown)
	}
}
