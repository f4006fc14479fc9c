package signal

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadhq/squad/internal/telemetry"
)

// Bus defaults.
const (
	// DefaultSubscriberBuffer is how many undelivered events a
	// subscriber may accumulate before it is dropped.
	DefaultSubscriberBuffer = 1024

	// DefaultMaxHistory bounds the replay window by count.
	DefaultMaxHistory = 10000

	// DefaultHistoryAge bounds the replay window by age.
	DefaultHistoryAge = 10 * time.Minute

	// dedupWindow collapses identical consecutive signals arriving
	// within it.
	dedupWindow = 200 * time.Millisecond
)

// Event is what subscribers receive: a signal, or a lag marker when
// the subscriber fell too far behind and was dropped. After a lag
// marker the channel is closed; the subscriber must resubscribe and
// replay from its last seen sequence number.
type Event struct {
	Signal *Signal

	// Lagged is set on the final event of a dropped subscriber.
	Lagged bool
}

// Options configures a Bus.
type Options struct {
	SubscriberBuffer int
	MaxHistory       int
	HistoryAge       time.Duration
}

func (o *Options) withDefaults() {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.HistoryAge <= 0 {
		o.HistoryAge = DefaultHistoryAge
	}
}

type subscriber struct {
	id string
	ch chan Event
}

// lastPub tracks the most recent accepted publish per session for the
// dedup window.
type lastPub struct {
	kind Kind
	hash [sha256.Size]byte
	at   time.Time
}

// Bus accepts lifecycle signals and fans them out to subscribers in
// receive order. It keeps the latest signal per (session, kind) and a
// bounded history for replay.
type Bus struct {
	opts Options

	// now is swappable in tests.
	now func() time.Time

	mu      sync.Mutex
	seq     uint64
	subs    map[string]*subscriber
	latest  map[string]map[Kind]*Signal
	history []*Signal
	last    map[string]lastPub
	closed  bool
}

// NewBus creates a bus with the given options.
func NewBus(opts Options) *Bus {
	opts.withDefaults()
	return &Bus{
		opts:   opts,
		now:    time.Now,
		subs:   make(map[string]*subscriber),
		latest: make(map[string]map[Kind]*Signal),
		last:   make(map[string]lastPub),
	}
}

// Publish assigns the signal a sequence number and receive timestamp,
// stores it as the latest of its kind for its session, and delivers it
// to every subscriber. Identical consecutive signals for a session
// within the dedup window collapse into the first; the returned
// sequence then names the retained signal and deduped is true.
//
// Publish never blocks on subscribers: one that cannot keep up is cut
// loose with a lag marker.
func (b *Bus) Publish(sig *Signal) (seq uint64, deduped bool) {
	hash := sha256.Sum256(sig.Payload)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, false
	}

	now := b.now().UTC()
	if prev, ok := b.last[sig.Session]; ok &&
		prev.kind == sig.Kind && prev.hash == hash && now.Sub(prev.at) <= dedupWindow {
		retained := b.latest[sig.Session][sig.Kind]
		b.mu.Unlock()
		telemetry.RecordSignalDeduped(context.Background(), string(sig.Kind))
		if retained != nil {
			return retained.Seq, true
		}
		return 0, true
	}
	b.last[sig.Session] = lastPub{kind: sig.Kind, hash: hash, at: now}

	b.seq++
	sig.Seq = b.seq
	sig.ReceivedAt = now

	byKind, ok := b.latest[sig.Session]
	if !ok {
		byKind = make(map[Kind]*Signal)
		b.latest[sig.Session] = byKind
	}
	byKind[sig.Kind] = sig

	b.history = append(b.history, sig)
	b.pruneHistory(now)

	lagged := 0
	for id, s := range b.subs {
		// The last slot of every subscriber channel is reserved for the
		// lag marker, so the marker send below cannot block.
		if len(s.ch) < cap(s.ch)-1 {
			s.ch <- Event{Signal: sig}
			continue
		}
		delete(b.subs, id)
		s.ch <- Event{Lagged: true}
		close(s.ch)
		lagged++
	}
	b.mu.Unlock()

	for i := 0; i < lagged; i++ {
		telemetry.RecordSubscriberLag(context.Background())
	}
	telemetry.RecordSignal(context.Background(), string(sig.Kind))
	return sig.Seq, false
}

// pruneHistory drops entries beyond the count bound or older than the
// age bound. Called with the lock held.
func (b *Bus) pruneHistory(now time.Time) {
	cutoff := now.Add(-b.opts.HistoryAge)
	drop := 0
	for drop < len(b.history) && b.history[drop].ReceivedAt.Before(cutoff) {
		drop++
	}
	if excess := len(b.history) - drop - b.opts.MaxHistory; excess > 0 {
		drop += excess
	}
	if drop > 0 {
		b.history = append([]*Signal(nil), b.history[drop:]...)
	}
}

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Buffer overrides the bus-wide subscriber buffer.
	Buffer int

	// SinceSeq replays retained history with Seq > SinceSeq before any
	// live signal, in order. Zero starts from now.
	SinceSeq uint64
}

// Subscribe registers a subscriber and returns its event channel and a
// cancel function. The channel closes on cancel, bus close, or after a
// lag marker.
func (b *Bus) Subscribe(opts SubscribeOptions) (<-chan Event, func()) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = b.opts.SubscriberBuffer
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	var replay []*Signal
	if opts.SinceSeq > 0 {
		for _, sig := range b.history {
			if sig.Seq > opts.SinceSeq {
				replay = append(replay, sig)
			}
		}
		// Replay must fit the buffer with room left for live signals;
		// a caller this far behind starts from the newest window.
		if max := buffer - 1; len(replay) > max {
			replay = replay[len(replay)-max:]
		}
	}

	// One extra slot so a lag marker always fits.
	s := &subscriber{id: uuid.NewString(), ch: make(chan Event, buffer+1)}
	for _, sig := range replay {
		s.ch <- Event{Signal: sig}
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(sub.ch)
		}
	}
	return s.ch, cancel
}

// Latest returns the retained signals for a session, one per kind,
// ordered by sequence.
func (b *Bus) Latest(session string) []*Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKind := b.latest[session]
	out := make([]*Signal, 0, len(byKind))
	for _, sig := range byKind {
		out = append(out, sig)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// History returns retained signals with Seq > sinceSeq, oldest first.
func (b *Bus) History(sinceSeq uint64) []*Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Signal
	for _, sig := range b.history {
		if sig.Seq > sinceSeq {
			out = append(out, sig)
		}
	}
	return out
}

// LastSeq returns the sequence number of the most recent publish.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Restore seeds the retained per-kind state from a snapshot, normally
// once at startup before subscribers exist. The sequence counter moves
// past every restored signal so new publishes sort after them. Restored
// signals never enter the replay history: replay covers only the
// current process.
func (b *Bus) Restore(sigs []*Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sig := range sigs {
		if sig == nil || sig.Session == "" || sig.Kind == "" {
			continue
		}
		byKind, ok := b.latest[sig.Session]
		if !ok {
			byKind = make(map[Kind]*Signal)
			b.latest[sig.Session] = byKind
		}
		if prev := byKind[sig.Kind]; prev == nil || prev.Seq <= sig.Seq {
			byKind[sig.Kind] = sig
		}
		if sig.Seq > b.seq {
			b.seq = sig.Seq
		}
	}
}

// Forget drops retained per-kind state for a session. History entries
// stay until they age out so replays remain complete.
func (b *Bus) Forget(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, session)
	delete(b.last, session)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
