package term

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Nudge injection timing. Agent TUIs redraw asynchronously, so each
// phase needs a settle delay before the pane reflects what was sent.
const (
	nudgeSettleDelay   = 300 * time.Millisecond
	nudgeVerifyRetries = 3
	nudgeCaptureLines  = 50
)

// ErrNudgeNotDelivered indicates the message never appeared in the pane
// after all injection attempts.
var ErrNudgeNotDelivered = errors.New("nudge not delivered")

// Nudge delivers a message to the session's interactive prompt.
//
// The protocol has four phases: leave any copy/scroll mode the pane is
// stuck in, press Escape to dismiss menus, type the message literally,
// then verify it actually landed before pressing Enter. Verification
// matters because send-keys can race a TUI redraw and silently lose
// input; when that happens the input line is cleared and the injection
// retried.
func (t *Tmux) Nudge(name, message string) error {
	exists, err := t.HasSession(name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	if inMode, merr := t.paneInMode(name); merr == nil && inMode {
		if _, cerr := t.run("send-keys", "-t", "="+name, "-X", "cancel"); cerr != nil {
			return cerr
		}
		time.Sleep(nudgeSettleDelay)
	}
	if err := t.SendKey(name, KeyEscape); err != nil {
		return err
	}
	time.Sleep(nudgeSettleDelay)

	for attempt := 0; attempt < nudgeVerifyRetries; attempt++ {
		if attempt > 0 {
			// Clear whatever partial input the failed attempt left.
			if _, cerr := t.run("send-keys", "-t", "="+name, "C-u"); cerr != nil {
				return cerr
			}
			time.Sleep(nudgeSettleDelay)
		}
		if err := t.SendText(name, message); err != nil {
			return err
		}
		time.Sleep(nudgeSettleDelay)

		tail, err := t.CaptureTail(name, nudgeCaptureLines)
		if err != nil {
			return err
		}
		if paneContains(tail, message) {
			return t.SendKey(name, KeyEnter)
		}
	}
	return fmt.Errorf("%w: session %s after %d attempts", ErrNudgeNotDelivered, name, nudgeVerifyRetries)
}

func (t *Tmux) paneInMode(name string) (bool, error) {
	out, err := t.run("display-message", "-p", "-t", "="+name, "#{pane_in_mode}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// paneContains checks whether message appears in the captured pane text.
// The pane hard-wraps long lines at the terminal width, so all
// whitespace is stripped from both sides before comparing.
func paneContains(pane, message string) bool {
	return strings.Contains(stripWhitespace(pane), stripWhitespace(message))
}

func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
