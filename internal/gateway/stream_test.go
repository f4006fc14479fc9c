package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/squadhq/squad/internal/signal"
)

type sseEvent struct {
	name string
	data string
}

// openSSE connects to an SSE stream and feeds its events to a channel.
// Keepalive comments are dropped in the parser.
func openSSE(t *testing.T, url string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := make(chan sseEvent, 64)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				ev = sseEvent{}
			}
		}
	}()
	return events
}

// nextEvent waits for the next event with the given name, skipping
// anything else interleaved on the stream.
func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed waiting for %s", name)
			}
			if ev.name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 3s", name)
		}
	}
}

func TestStreamSSEDeliversSignals(t *testing.T) {
	fx := newFixture(t)

	events := openSSE(t, fx.url+"/signals/stream")
	nextEvent(t, events, "connected")

	// The first frame after the handshake is a snapshot.
	snap := nextEvent(t, events, "snapshot")
	var snapFrame streamFrame
	if err := json.Unmarshal([]byte(snap.data), &snapFrame); err != nil {
		t.Fatal(err)
	}
	if snapFrame.Type != frameSnapshot {
		t.Errorf("frame type = %q", snapFrame.Type)
	}

	fx.bus.Publish(&signal.Signal{Session: "squad-AlphaGlade", Kind: signal.KindWorking, Task: "sq-7"})

	ev := nextEvent(t, events, "signal")
	var frame streamFrame
	if err := json.Unmarshal([]byte(ev.data), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Signal == nil || frame.Signal.Session != "squad-AlphaGlade" || frame.Signal.Kind != signal.KindWorking {
		t.Errorf("signal frame = %+v", frame.Signal)
	}
	if frame.Signal.Seq == 0 {
		t.Error("signal frame carries no seq")
	}
}

func TestStreamSSEReplaysSince(t *testing.T) {
	fx := newFixture(t)

	seq1, _ := fx.bus.Publish(&signal.Signal{Session: "squad-BirchBay", Kind: signal.KindStarting, Task: "sq-2"})
	fx.bus.Publish(&signal.Signal{Session: "squad-BirchBay", Kind: signal.KindWorking, Task: "sq-2"})
	fx.bus.Publish(&signal.Signal{Session: "squad-BirchBay", Kind: signal.KindReview, Task: "sq-2"})

	events := openSSE(t, fmt.Sprintf("%s/signals/stream?since=%d", fx.url, seq1))
	nextEvent(t, events, "connected")

	// Everything after seq1 replays in order before any live signal.
	var kinds []signal.Kind
	for len(kinds) < 2 {
		ev := nextEvent(t, events, "signal")
		var frame streamFrame
		if err := json.Unmarshal([]byte(ev.data), &frame); err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, frame.Signal.Kind)
	}
	if kinds[0] != signal.KindWorking || kinds[1] != signal.KindReview {
		t.Errorf("replayed kinds = %v", kinds)
	}
}

func TestStreamRejectsBadSince(t *testing.T) {
	fx := newFixture(t)

	status, _ := fx.do(t, "GET", "/signals/stream?since=yesterday", "")
	if status != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", status)
	}
}

func dialStream(t *testing.T, fx *fixture, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.url, "http") + "/signals/stream" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	return conn
}

// readFrame reads frames until one of the wanted type arrives; the
// read deadline set at dial time bounds the wait.
func readFrame(t *testing.T, conn *websocket.Conn, typ string) streamFrame {
	t.Helper()
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("reading %s frame: %v", typ, err)
		}
		if frame.Type == typ {
			return frame
		}
	}
}

func TestStreamWebSocketDeliversFrames(t *testing.T) {
	fx := newFixture(t)

	conn := dialStream(t, fx, "")

	snap := readFrame(t, conn, frameSnapshot)
	if snap.Sessions == nil && snap.Ready == nil && snap.Time.IsZero() {
		t.Errorf("empty snapshot frame: %+v", snap)
	}

	fx.bus.Publish(&signal.Signal{Session: "squad-CedarCove", Kind: signal.KindWorking, Task: "sq-9"})

	frame := readFrame(t, conn, frameSignal)
	if frame.Signal == nil || frame.Signal.Session != "squad-CedarCove" {
		t.Errorf("signal frame = %+v", frame.Signal)
	}
}

func TestStreamWebSocketReplaysSince(t *testing.T) {
	fx := newFixture(t)

	seq1, _ := fx.bus.Publish(&signal.Signal{Session: "squad-DellDrift", Kind: signal.KindStarting, Task: "sq-3"})
	fx.bus.Publish(&signal.Signal{Session: "squad-DellDrift", Kind: signal.KindComplete, Task: "sq-3"})

	conn := dialStream(t, fx, fmt.Sprintf("?since=%d", seq1))

	frame := readFrame(t, conn, frameSignal)
	if frame.Signal.Kind != signal.KindComplete || frame.Signal.Seq != seq1+1 {
		t.Errorf("replayed frame = kind %s seq %d, want complete seq %d",
			frame.Signal.Kind, frame.Signal.Seq, seq1+1)
	}
}
