package confirm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// promptRecorder captures sent prompts and hands their IDs to the test.
type promptRecorder struct {
	mu      sync.Mutex
	prompts []Prompt
	ids     chan string
	err     error
}

func newPromptRecorder() *promptRecorder {
	return &promptRecorder{ids: make(chan string, 8)}
}

func (r *promptRecorder) SendPrompt(ctx context.Context, p Prompt) error {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids <- p.ID
	return nil
}

func TestRequestApproved(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, 5*time.Second, nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- m.Request(context.Background(), "conv-1", "turn-1", "wake_agent", "wake for a door event")
	}()

	id := <-sender.ids
	if !m.Reply(id, true) {
		t.Error("Reply found no waiter")
	}

	out := <-done
	if !out.Approved || out.TimedOut {
		t.Errorf("outcome = %+v, want approved", out)
	}
	if got := m.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}
}

func TestRequestDenied(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, 5*time.Second, nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- m.Request(context.Background(), "conv-1", "", "script", "run cleanup")
	}()

	m.Reply(<-sender.ids, false)

	out := <-done
	if out.Approved {
		t.Error("denied request reported approved")
	}
	if out.TimedOut {
		t.Error("explicit denial flagged as timeout")
	}
}

func TestRequestTimeout(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, 30*time.Millisecond, nil)

	out := m.Request(context.Background(), "conv-1", "", "wake_agent", "slow user")
	if out.Approved {
		t.Error("timed-out request reported approved")
	}
	if !out.TimedOut {
		t.Error("timeout not flagged")
	}

	// A reply after the deadline finds no waiter and must not panic.
	id := <-sender.ids
	if m.Reply(id, true) {
		t.Error("late reply reported delivered")
	}
}

func TestReplyUnknownID(t *testing.T) {
	m := New(newPromptRecorder(), time.Second, nil)
	if m.Reply("not-a-prompt", true) {
		t.Error("unknown reply reported delivered")
	}
}

func TestDuplicateReplyDiscarded(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, 5*time.Second, nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- m.Request(context.Background(), "conv-1", "", "wake_agent", "desc")
	}()

	id := <-sender.ids
	if !m.Reply(id, false) {
		t.Fatal("first reply found no waiter")
	}
	// The second press lost the race; it cannot flip the outcome.
	if m.Reply(id, true) {
		t.Error("duplicate reply reported delivered")
	}

	out := <-done
	if out.Approved {
		t.Error("duplicate reply approved an already-denied request")
	}
}

func TestSenderFailureDenies(t *testing.T) {
	sender := newPromptRecorder()
	sender.err = errors.New("interface down")
	m := New(sender, time.Second, nil)

	out := m.Request(context.Background(), "conv-1", "", "wake_agent", "desc")
	if out.Approved {
		t.Error("request approved despite undeliverable prompt")
	}
}

func TestRequestCancelled(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- m.Request(ctx, "conv-1", "", "wake_agent", "desc")
	}()

	<-sender.ids
	cancel()

	select {
	case out := <-done:
		if out.Approved {
			t.Error("cancelled request reported approved")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request did not return")
	}
}

func TestPromptDescriptionEscaped(t *testing.T) {
	sender := newPromptRecorder()
	m := New(sender, 20*time.Millisecond, nil)

	m.Request(context.Background(), "conv-1", "", "wake_agent", `delete <b>everything</b>`)

	<-sender.ids
	sender.mu.Lock()
	desc := sender.prompts[0].Description
	sender.mu.Unlock()
	if strings.Contains(desc, "<b>") {
		t.Errorf("description not escaped: %q", desc)
	}
}
