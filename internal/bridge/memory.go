package bridge

import (
	"context"
	"sync"
)

// Memory is an in-process channel for tests and local development.
// Post feeds the inbound side; Sent records the outbound side.
type Memory struct {
	channels []string

	mu    sync.Mutex
	queue []Message
	sent  []Outbound
	wake  chan struct{}
}

// Outbound is one recorded Send.
type Outbound struct {
	Thread string
	Text   string
}

// NewMemory returns a Memory transport watching the named channels.
func NewMemory(channels ...string) *Memory {
	return &Memory{channels: channels, wake: make(chan struct{}, 1)}
}

// Post enqueues an inbound message for the next Receive.
func (m *Memory) Post(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Receive blocks until Post delivers messages or ctx is done.
func (m *Memory) Receive(ctx context.Context) ([]Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msgs := m.queue
			m.queue = nil
			m.mu.Unlock()
			return msgs, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		}
	}
}

// Send records an outbound reply.
func (m *Memory) Send(_ context.Context, thread, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Outbound{Thread: thread, Text: text})
	return nil
}

// Sent returns every recorded Send.
func (m *Memory) Sent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, len(m.sent))
	copy(out, m.sent)
	return out
}

// ListChannels names the watched channels.
func (m *Memory) ListChannels() []string {
	out := make([]string, len(m.channels))
	copy(out, m.channels)
	return out
}
