// Package confirm mediates between actions that require user approval
// and the front-end that collects the reply. A requesting goroutine
// blocks in [Mediator.Request] while the prompt travels to the
// interface; the reply (or a timeout) resolves it. Duplicate replies
// after resolution are discarded, so a late button press cannot
// approve an action that already timed out.
package confirm

import (
	"context"
	"html"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a prompt waits for a reply before being
// treated as denial.
const DefaultTimeout = 60 * time.Second

// Prompt is the rendered confirmation sent to a front-end. The
// description is HTML-escaped at construction so interface code can
// embed it directly.
type Prompt struct {
	// ID is the opaque correlation id the reply must carry.
	ID string `json:"id"`
	// ConversationID scopes the prompt to a conversation.
	ConversationID string `json:"conversation_id"`
	// TurnID identifies the agent turn that raised the request.
	TurnID string `json:"turn_id,omitempty"`
	// ToolName names the gated action.
	ToolName string `json:"tool_name"`
	// Description says what will be done, escaped for embedding.
	Description string `json:"description"`
}

// Sender delivers a prompt to the originating interface. Front-end
// adapters implement this; tests use a recording fake.
type Sender interface {
	SendPrompt(ctx context.Context, p Prompt) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, p Prompt) error

// SendPrompt calls f.
func (f SenderFunc) SendPrompt(ctx context.Context, p Prompt) error {
	return f(ctx, p)
}

// Outcome is the result of a confirmation request.
type Outcome struct {
	Approved bool
	// TimedOut is set when the denial came from the deadline rather
	// than an explicit "no".
	TimedOut bool
}

// Mediator correlates prompts with replies.
type Mediator struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan bool
}

// New creates a mediator. A zero timeout uses DefaultTimeout.
func New(sender Sender, timeout time.Duration, logger *slog.Logger) *Mediator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mediator{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan bool),
	}
}

// Request sends a confirmation prompt and blocks until the user
// replies, the deadline passes, or ctx is cancelled. Timeout and
// cancellation are both denials.
func (m *Mediator) Request(ctx context.Context, conversationID, turnID, toolName, description string) Outcome {
	id := uuid.New().String()
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	prompt := Prompt{
		ID:             id,
		ConversationID: conversationID,
		TurnID:         turnID,
		ToolName:       toolName,
		Description:    html.EscapeString(description),
	}

	if m.sender != nil {
		if err := m.sender.SendPrompt(ctx, prompt); err != nil {
			m.logger.Error("failed to send confirmation prompt",
				"conversation_id", conversationID,
				"tool", toolName,
				"error", err,
			)
			return Outcome{Approved: false}
		}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		return Outcome{Approved: approved}
	case <-timer.C:
		m.logger.Info("confirmation timed out, treating as denial",
			"conversation_id", conversationID,
			"tool", toolName,
			"timeout", m.timeout,
		)
		return Outcome{Approved: false, TimedOut: true}
	case <-ctx.Done():
		return Outcome{Approved: false}
	}
}

// Reply resolves a pending prompt by correlation id. Reports whether
// a waiter was found; replies for unknown or already-resolved prompts
// are discarded.
func (m *Mediator) Reply(id string, approved bool) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("discarding reply for unknown confirmation", "id", id)
		return false
	}
	ch <- approved
	return true
}

// PendingCount returns the number of outstanding prompts.
func (m *Mediator) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
