// Package realtime exposes the bidirectional progress channel over
// websockets: clients join a download session's topic, request status
// snapshots, and acknowledge completion; the server fans out transfer events
// and replays reduced history to late joiners.
package realtime

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/logging"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/progress"
	"github.com/lsh908400/portfolio-be/internal/session"
)

// Inbound message names.
const (
	msgJoin             = "download:start"
	msgRequestStatus    = "download:request-status"
	msgCompleteReceived = "download:complete-received"
)

// replayDelay paces replayed events so client UIs can animate them.
const replayDelay = 150 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP surface is origin-agnostic; the CRUD layer in front owns CORS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway bridges websocket connections to the session broadcaster.
type Gateway struct {
	store       session.Store
	broadcaster *events.Broadcaster

	connCount atomic.Int64
}

// NewGateway creates a realtime gateway.
func NewGateway(store session.Store, b *events.Broadcaster) *Gateway {
	return &Gateway{store: store, broadcaster: b}
}

// clientMessage is the inbound JSON envelope.
type clientMessage struct {
	Event string `json:"event"`
	Data  struct {
		DownloadID string `json:"downloadId"`
		SessionID  string `json:"sessionId"`
	} `json:"data"`
}

func (m clientMessage) id() string {
	if m.Data.DownloadID != "" {
		return m.Data.DownloadID
	}
	return m.Data.SessionID
}

// safeConn serializes writes; gorilla/websocket connections do not support
// concurrent writers.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// connState tracks one websocket connection's topic subscriptions.
type connState struct {
	conn *safeConn

	mu     sync.Mutex
	joined map[string]chan events.Message
	closed bool
}

// HandleWS upgrades the request and serves the connection until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	metrics.SetWSConnections(g.connCount.Add(1))

	state := &connState{
		conn:   &safeConn{conn: conn},
		joined: make(map[string]chan events.Message),
	}
	defer func() {
		g.teardown(state)
		conn.Close()
		metrics.SetWSConnections(g.connCount.Add(-1))
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id := msg.id()
		if id == "" {
			continue
		}
		switch msg.Event {
		case msgJoin:
			g.join(state, id)
		case msgRequestStatus:
			g.requestStatus(state, id)
		case msgCompleteReceived:
			// Completion ack from the original client releases the active
			// marker so late joiners may be served replays.
			g.store.SetActive(id, false)
		}
	}
}

// join subscribes the connection to one session's topic and pumps events to
// the socket. Joining twice is a no-op.
func (g *Gateway) join(state *connState, id string) {
	state.mu.Lock()
	if state.closed {
		state.mu.Unlock()
		return
	}
	if _, ok := state.joined[id]; ok {
		state.mu.Unlock()
		return
	}
	ch := g.broadcaster.Subscribe(id)
	state.joined[id] = ch
	state.mu.Unlock()

	go func() {
		for msg := range ch {
			if err := state.conn.writeJSON(msg); err != nil {
				return
			}
		}
	}()
}

// requestStatus answers with the current snapshot (or an unknown marker) and
// replays reduced history to late joiners of completed sessions. Replay is
// suppressed while the session is still actively streaming to its original
// subscriber.
func (g *Gateway) requestStatus(state *connState, id string) {
	sess, ok := g.store.Get(id)
	if !ok {
		state.conn.writeJSON(events.Message{
			Event: progress.EventStatus,
			Data:  progress.UnknownStatusData(id),
		})
		return
	}

	state.conn.writeJSON(events.Message{
		Event: progress.EventStatus,
		Data:  progress.StatusData(sess),
	})

	if !sess.IsCompleted || g.store.IsActive(id) {
		return
	}

	replay := progress.ReplaySequence(g.store.History(id))
	if len(replay) == 0 {
		return
	}
	metrics.RecordReplay()
	go func() {
		for _, ev := range replay {
			time.Sleep(replayDelay)
			data := make(map[string]any, len(ev.Data)+1)
			for k, v := range ev.Data {
				data[k] = v
			}
			data["isReplay"] = true
			if err := state.conn.writeJSON(events.Message{Event: ev.Name, Data: data}); err != nil {
				return
			}
		}
	}()
}

func (g *Gateway) teardown(state *connState) {
	state.mu.Lock()
	state.closed = true
	joined := state.joined
	state.joined = nil
	state.mu.Unlock()
	for id, ch := range joined {
		g.broadcaster.Unsubscribe(id, ch)
	}
}
