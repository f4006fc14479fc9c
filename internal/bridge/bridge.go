// Package bridge connects external chat channels to the task queue.
// Inbound messages become chat tasks an agent can pick up; reply
// signals from agents flow back out on the original thread.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/signal"
	"github.com/squadhq/squad/internal/supervisor"
	"github.com/squadhq/squad/internal/task"
	"github.com/squadhq/squad/internal/telemetry"
	"github.com/squadhq/squad/internal/util"
)

// Labels the bridge stamps onto chat tasks.
const (
	LabelChat         = "chat"
	OriginLabelPrefix = "origin:"
	ThreadLabelPrefix = "thread:"
)

const maxTitleLen = 72

// Message is one inbound chat message, normalized across channels.
type Message struct {
	ID         string    `json:"id"`
	Thread     string    `json:"thread"`
	Channel    string    `json:"channel"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Channel is one external message transport.
type Channel interface {
	// Receive blocks until messages arrive, the transport fails, or ctx
	// is done.
	Receive(ctx context.Context) ([]Message, error)

	// Send posts text as a reply on an existing thread.
	Send(ctx context.Context, thread, text string) error

	// ListChannels names the channels this transport watches.
	ListChannels() []string
}

// Sessions is the slice of the supervisor the bridge needs: find the
// session holding a task and wake it when the user replies.
type Sessions interface {
	List() []*supervisor.Session
	Resume(ctx context.Context, name, text string) (*supervisor.Session, error)
}

// Config wires a Bridge.
type Config struct {
	Tasks    *task.Store
	Sessions Sessions
	Bus      *signal.Bus
	Channel  Channel
	Log      *logging.Logger

	// PollInterval paces Receive calls that come back empty, for
	// transports whose poll endpoint answers immediately instead of
	// holding the request. Zero polls again at once.
	PollInterval time.Duration
}

// Bridge pumps messages between one Channel and the task store.
type Bridge struct {
	tasks    *task.Store
	sessions Sessions
	bus      *signal.Bus
	ch       Channel
	log      *logging.Logger
	pollGap  time.Duration

	mu   sync.Mutex
	seen map[string]bool // ingested message ids
}

// New returns a Bridge. Run starts the pumps.
func New(cfg Config) *Bridge {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Bridge{
		tasks:    cfg.Tasks,
		sessions: cfg.Sessions,
		bus:      cfg.Bus,
		ch:       cfg.Channel,
		log:      log,
		pollGap:  cfg.PollInterval,
		seen:     make(map[string]bool),
	}
}

// Run pumps inbound messages and outbound replies until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.outbound(ctx)
	}()

	err := b.inbound(ctx)
	<-done
	return err
}

// inbound polls the channel, retrying transport failures with
// exponential backoff.
func (b *Bridge) inbound(ctx context.Context) error {
	var backoff util.Backoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := b.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := backoff.Next()
			b.log.Warn("channel receive failed",
				zap.Error(err), zap.Duration("retry_in", wait))
			if err := util.SleepContext(ctx, wait); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		for _, msg := range msgs {
			if err := b.Ingest(ctx, msg); err != nil {
				b.log.Warn("ingesting message",
					zap.String("message", msg.ID), zap.String("thread", msg.Thread), zap.Error(err))
			}
		}

		if len(msgs) == 0 && b.pollGap > 0 {
			if err := util.SleepContext(ctx, b.pollGap); err != nil {
				return err
			}
		}
	}
}

// Ingest routes one inbound message: a fresh thread becomes a chat
// task, a known thread appends to its task and wakes a paused session.
func (b *Bridge) Ingest(ctx context.Context, msg Message) (err error) {
	defer func() { telemetry.RecordBridgeMessage(ctx, "inbound", err) }()

	if msg.Thread == "" {
		return fault.New(fault.Validation, "message has no thread")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return fault.New(fault.Validation, "message has no text")
	}

	if msg.ID != "" {
		b.mu.Lock()
		if b.seen[msg.ID] {
			b.mu.Unlock()
			return nil
		}
		b.seen[msg.ID] = true
		b.mu.Unlock()
	}

	existing, err := b.taskForThread(ctx, msg.Thread)
	if fault.IsNotFound(err) {
		return b.createChatTask(ctx, msg)
	}
	if err != nil {
		return err
	}
	return b.followUp(ctx, existing, msg)
}

func (b *Bridge) taskForThread(ctx context.Context, thread string) (*task.Task, error) {
	tasks, err := b.tasks.List(ctx, task.Filter{Label: ThreadLabelPrefix + thread, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fault.Errorf(fault.NotFound, "no task for thread %s", thread)
	}
	return tasks[0], nil
}

func (b *Bridge) createChatTask(ctx context.Context, msg Message) error {
	desc := fmt.Sprintf("From %s in #%s (thread %s):\n\n%s\n\nWork this conversationally. Send a reply signal on this task and the bridge relays it to the thread.",
		msg.Author, msg.Channel, msg.Thread, msg.Text)

	created, err := b.tasks.Create(ctx, task.CreateSpec{
		Title:       titleFrom(msg.Text),
		Description: desc,
		IssueType:   task.TypeTask,
		Priority:    1,
		Labels: []string{
			LabelChat,
			OriginLabelPrefix + msg.Channel,
			ThreadLabelPrefix + msg.Thread,
		},
	})
	if err != nil {
		return err
	}

	b.log.Info("chat task created",
		zap.String("task", created.ID), zap.String("channel", msg.Channel),
		zap.String("thread", msg.Thread), zap.String("author", msg.Author))
	return nil
}

func (b *Bridge) followUp(ctx context.Context, t *task.Task, msg Message) error {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	entry := fmt.Sprintf("\n---\n[%s] %s: %s", at.UTC().Format(time.RFC3339), msg.Author, msg.Text)
	if err := b.tasks.AppendDescription(ctx, t.ID, entry); err != nil {
		return err
	}

	// A paused session holding this task gets the reply injected and
	// wakes up. Anything else just sees the updated description.
	if b.sessions != nil {
		for _, sess := range b.sessions.List() {
			if sess.Task != t.ID || sess.State != supervisor.StatePaused {
				continue
			}
			if _, err := b.sessions.Resume(ctx, sess.Name, "The user replied: "+msg.Text); err != nil {
				b.log.Warn("resuming session for reply",
					zap.String("session", sess.Name), zap.String("task", t.ID), zap.Error(err))
			} else {
				b.log.Info("resumed session for reply",
					zap.String("session", sess.Name), zap.String("task", t.ID))
			}
			break
		}
	}
	return nil
}

// outbound forwards reply signals for chat tasks to the channel.
func (b *Bridge) outbound(ctx context.Context) {
	events, cancel := b.bus.Subscribe(signal.SubscribeOptions{})
	defer func() { cancel() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Lagged {
				cancel()
				events, cancel = b.bus.Subscribe(signal.SubscribeOptions{})
				continue
			}
			if ev.Signal.Kind == signal.KindReply {
				b.relay(ctx, ev.Signal)
			}
		}
	}
}

func (b *Bridge) relay(ctx context.Context, sig *signal.Signal) {
	var p signal.ReplyPayload
	if err := sig.Decode(&p); err != nil {
		b.log.Warn("decoding reply payload", zap.String("session", sig.Session), zap.Error(err))
		return
	}
	if p.Message == "" {
		return
	}
	taskID := sig.Task
	if taskID == "" {
		taskID = p.Task
	}
	if taskID == "" {
		return
	}

	t, err := b.tasks.Get(ctx, taskID)
	if err != nil {
		b.log.Warn("loading task for reply", zap.String("task", taskID), zap.Error(err))
		return
	}
	thread := threadOf(t.Labels)
	if thread == "" {
		return // not a chat task
	}

	err = b.ch.Send(ctx, thread, p.Message)
	telemetry.RecordBridgeMessage(ctx, "outbound", err)
	if err != nil {
		b.log.Warn("sending reply",
			zap.String("task", taskID), zap.String("thread", thread), zap.Error(err))
		return
	}
	b.log.Info("relayed reply",
		zap.String("task", taskID), zap.String("thread", thread))
}

func threadOf(labels []string) string {
	for _, l := range labels {
		if rest, ok := strings.CutPrefix(l, ThreadLabelPrefix); ok {
			return rest
		}
	}
	return ""
}

// titleFrom derives a task title from the first line of a message.
func titleFrom(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > maxTitleLen {
		line = strings.TrimSpace(line[:maxTitleLen-1]) + "…"
	}
	if line == "" {
		return "chat message"
	}
	return line
}
