// Package agent defines the boundary to the conversational agent.
// The core never renders responses or executes the agent's tool
// calls; it only schedules turns through [Waker] and records the
// outcome.
package agent

import "context"

// TriggerContext describes why the agent is being woken.
type TriggerContext struct {
	ConversationID  string         `json:"conversation_id"`
	InterfaceType   string         `json:"interface_type,omitempty"`
	TriggeringEvent map[string]any `json:"triggering_event,omitempty"`
	Description     string         `json:"description,omitempty"`
	// PromptOverride replaces the default trigger prompt when set.
	PromptOverride string `json:"prompt_override,omitempty"`
}

// Waker schedules a single agent turn. Wake returns the turn ID once
// the agent has either produced a response or failed permanently;
// transient retries are the implementation's concern.
type Waker interface {
	Wake(ctx context.Context, tc TriggerContext) (turnID string, err error)
}

// WakerFunc adapts a function to the Waker interface.
type WakerFunc func(ctx context.Context, tc TriggerContext) (string, error)

// Wake calls f.
func (f WakerFunc) Wake(ctx context.Context, tc TriggerContext) (string, error) {
	return f(ctx, tc)
}
