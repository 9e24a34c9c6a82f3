package processor

import (
	"context"
	"fmt"

	"github.com/werdnum/family-assistant/internal/agent"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/store"
)

// dispatchOutcome classifies a single action execution for the
// accounting in dispatchOne.
type dispatchOutcome int

const (
	// outcomeSuccess: the action ran; counts against quota, one-time
	// listeners disable.
	outcomeSuccess dispatchOutcome = iota
	// outcomeFailure: the action was attempted and failed; counts
	// against quota, one-time listeners stay armed.
	outcomeFailure
	// outcomeDenied: confirmation was refused or timed out; no quota
	// charge.
	outcomeDenied
	// outcomeSkipped: misconfiguration prevented any attempt.
	outcomeSkipped
)

func (o dispatchOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	case outcomeDenied:
		return "denied"
	default:
		return "skipped"
	}
}

// execute runs the automation's action against the triggering event.
func (p *Processor) execute(ctx context.Context, a *store.Automation, ev events.Event) dispatchOutcome {
	var outcome dispatchOutcome
	switch a.ActionType {
	case store.ActionWakeAgent:
		outcome = p.executeWake(ctx, a, ev)
	case store.ActionScript:
		outcome = p.executeScript(ctx, a, ev)
	default:
		p.logger.Warn("unknown action type, skipping",
			"automation_id", a.ID, "action_type", a.ActionType)
		outcome = outcomeSkipped
	}

	if p.metrics != nil {
		p.metrics.Dispatches.WithLabelValues(a.ActionType, outcome.String()).Inc()
	}
	return outcome
}

// executeWake starts an agent turn in the automation's conversation,
// optionally gated behind a user confirmation.
func (p *Processor) executeWake(ctx context.Context, a *store.Automation, ev events.Event) dispatchOutcome {
	if p.waker == nil {
		p.logger.Warn("no agent waker configured, skipping wake_agent action",
			"automation_id", a.ID)
		return outcomeSkipped
	}

	if requireConfirmation(a) {
		if p.mediator == nil {
			p.logger.Warn("confirmation required but no mediator configured, denying",
				"automation_id", a.ID)
			return outcomeDenied
		}
		desc := fmt.Sprintf("Automation %q wants to wake the assistant for a %s event",
			a.Name, ev.Type)
		out := p.mediator.Request(ctx, a.ConversationID, "", "wake_agent", desc)
		if !out.Approved {
			p.logger.Info("wake denied by confirmation",
				"automation_id", a.ID, "timed_out", out.TimedOut)
			return outcomeDenied
		}
	}

	prompt, _ := a.ActionConfig["prompt"].(string)
	tc := agent.TriggerContext{
		ConversationID:  a.ConversationID,
		InterfaceType:   a.InterfaceType,
		TriggeringEvent: ev.Context(),
		Description:     fmt.Sprintf("automation %q triggered by %s/%s", a.Name, ev.Source, ev.Type),
		PromptOverride:  prompt,
	}

	turnID, err := p.waker.Wake(ctx, tc)
	if err != nil {
		p.logger.Error("agent wake failed",
			"automation_id", a.ID, "conversation_id", a.ConversationID, "error", err)
		return outcomeFailure
	}

	p.logger.Info("agent woken",
		"automation_id", a.ID, "conversation_id", a.ConversationID, "turn_id", turnID)
	return outcomeSuccess
}

// executeScript runs the action script in the sandbox and forwards any
// produced attachment.
func (p *Processor) executeScript(ctx context.Context, a *store.Automation, ev events.Event) dispatchOutcome {
	script, _ := a.ActionConfig["script_code"].(string)
	if script == "" {
		p.logger.Warn("script action without a script, skipping", "automation_id", a.ID)
		return outcomeSkipped
	}

	res, err := p.sandbox.EvalAction(ctx, script, ev.Context(), allowedTools(a))
	if err != nil {
		if p.metrics != nil {
			p.metrics.SandboxErrors.Inc()
		}
		p.logger.Error("action script failed",
			"automation_id", a.ID, "name", a.Name, "error", err)
		return outcomeFailure
	}

	if res.Attachment != nil {
		if p.sink == nil {
			p.logger.Warn("script produced attachment but no sink configured",
				"automation_id", a.ID, "attachment", res.Attachment.Name)
		} else if err := p.sink.DeliverAttachment(ctx, a.ConversationID, res.Attachment); err != nil {
			p.logger.Error("attachment delivery failed",
				"automation_id", a.ID, "attachment", res.Attachment.Name, "error", err)
			return outcomeFailure
		}
	}

	p.logger.Debug("action script completed", "automation_id", a.ID, "name", a.Name)
	return outcomeSuccess
}

// requireConfirmation reads the per-automation gating flag.
func requireConfirmation(a *store.Automation) bool {
	v, _ := a.ActionConfig["require_confirmation"].(bool)
	return v
}
