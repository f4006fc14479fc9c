package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/supervisor"
	"github.com/squadhq/squad/internal/task"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. The stream is one-way;
	// peers send nothing but control frames.
	maxMessageSize = 4 * 1024

	// sseKeepalive paces comment lines that hold idle SSE connections
	// open through proxies.
	sseKeepalive = 15 * time.Second
)

// Frame types on the stream.
const (
	frameSignal   = "signal"
	frameSnapshot = "snapshot"
	frameLagged   = "lagged"
)

// streamFrame is one message on the stream. Signal frames carry a
// signal; snapshot frames carry the current sessions and ready queue.
// A lagged frame tells the client it fell behind the fan-out and must
// reconnect with ?since= set to the last seq it processed.
type streamFrame struct {
	Type     string                `json:"type"`
	Signal   *signal.Signal        `json:"signal,omitempty"`
	Sessions []*supervisor.Session `json:"sessions,omitempty"`
	Ready    []*task.Task          `json:"ready,omitempty"`
	Time     time.Time             `json:"time"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface is already open cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream subscribes the caller to the signal fan-out. WebSocket
// when the request asks for an upgrade, SSE otherwise. ?since=<seq>
// replays retained history after that sequence number first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, "bad since value "+strconv.Quote(raw), http.StatusBadRequest)
			return
		}
		since = parsed
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.streamWS(w, r, since)
		return
	}
	s.streamSSE(w, r, since)
}

func (s *Server) signalFrame(sig *signal.Signal) streamFrame {
	return streamFrame{Type: frameSignal, Signal: sig, Time: time.Now().UTC()}
}

func (s *Server) snapshotFrame(ctx context.Context) streamFrame {
	ready, err := s.tasks.Ready(ctx)
	if err != nil {
		s.log.Warn("snapshot ready queue failed", zap.Error(err))
	}
	return streamFrame{
		Type:     frameSnapshot,
		Sessions: s.sup.List(),
		Ready:    ready,
		Time:     time.Now().UTC(),
	}
}

func laggedFrame() streamFrame {
	return streamFrame{Type: frameLagged, Time: time.Now().UTC()}
}

// streamSSE writes frames as server-sent events, one event per frame
// with the frame type as the event name.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, since uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()

	fmt.Fprintf(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	events, cancel := s.bus.Subscribe(signal.SubscribeOptions{SinceSeq: since})
	defer cancel()

	writeFrame := func(frame streamFrame) {
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
		flusher.Flush()
	}

	writeFrame(s.snapshotFrame(ctx))

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	snap := time.NewTicker(s.snapshotEvery)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Lagged {
				writeFrame(laggedFrame())
				return
			}
			writeFrame(s.signalFrame(ev.Signal))
		case <-snap.C:
			writeFrame(s.snapshotFrame(ctx))
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// streamWS upgrades the connection and pushes frames as text
// messages. A peer that stops draining is dropped rather than allowed
// to back up the fan-out.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, since uint64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newStreamClient(conn)
	defer client.close()

	go client.readPump()
	go client.writePump()

	events, cancel := s.bus.Subscribe(signal.SubscribeOptions{SinceSeq: since})
	defer cancel()

	if !client.send(s.snapshotFrame(r.Context())) {
		return
	}

	snap := time.NewTicker(s.snapshotEvery)
	defer snap.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Lagged {
				client.send(laggedFrame())
				return
			}
			if !client.send(s.signalFrame(ev.Signal)) {
				return
			}
		case <-snap.C:
			if !client.send(s.snapshotFrame(r.Context())) {
				return
			}
		}
	}
}

// streamClient owns one WebSocket peer: a buffered outbound queue, a
// write pump that also pings, and a read pump that only services pongs
// and close frames.
type streamClient struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{
		conn: conn,
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// send queues a frame. A full queue means the peer stopped draining,
// so the client is closed and send reports false.
func (c *streamClient) send(frame streamFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	select {
	case <-c.done:
		return false
	case c.out <- data:
		return true
	default:
		c.close()
		return false
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *streamClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
