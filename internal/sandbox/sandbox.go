// Package sandbox evaluates user-supplied condition and action
// scripts against event context. Scripts are expr-lang expressions:
// side-effect free by construction (no file, socket, or process
// access, no loops beyond collection operators over the bound data),
// with an ambient clock limited to an injected immutable `now`.
//
// Execution is bounded by a wall-clock deadline enforced by a
// watchdog independent of the evaluation goroutine. Any failure
// (parse error, runtime error, deadline, wrong result type) surfaces
// as a uniform [ErrScript] so callers treat all misbehaving scripts
// alike.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrScript is the uniform failure outcome for any script problem.
// Condition scripts that fail evaluate to false; action scripts that
// fail are logged and skipped.
var ErrScript = errors.New("script error")

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 100 * time.Millisecond

// maxScriptLen rejects absurdly large sources before compilation.
const maxScriptLen = 64 * 1024

// ToolFunc is a host-supplied capability exposed to scripts. Each
// implementation carries its own capability checks; the sandbox only
// controls whether the function is visible at all.
type ToolFunc func(args ...any) (any, error)

// ActionResult is the outcome of an action script. Value holds the
// raw result; Attachment is non-nil when the script returned a
// structured attachment descriptor.
type ActionResult struct {
	Value      any
	Attachment *AttachmentDescriptor
}

// AttachmentDescriptor is the structured form an action script may
// return to hand content back to the front-end.
type AttachmentDescriptor struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Sandbox evaluates scripts with bounded execution.
type Sandbox struct {
	timeout   time.Duration
	denyTools bool
	tools     map[string]ToolFunc
	logger    *slog.Logger
}

// Options configure a sandbox.
type Options struct {
	// Timeout is the per-evaluation wall-clock deadline. Zero uses
	// DefaultTimeout.
	Timeout time.Duration
	// DenyTools hides all host tool functions from scripts.
	DenyTools bool
	// Tools are the host capabilities visible to scripts (subject to
	// DenyTools and per-call allow-sets).
	Tools map[string]ToolFunc
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// New creates a sandbox.
func New(opts Options) *Sandbox {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		timeout:   timeout,
		denyTools: opts.DenyTools,
		tools:     opts.Tools,
		logger:    logger,
	}
}

// EvalCondition evaluates a condition script with the event bound as
// `event`. Any non-boolean result is an error. allowedTools restricts
// which host tools the script may call; nil permits all registered
// tools (unless the sandbox is in deny-all mode).
func (s *Sandbox) EvalCondition(ctx context.Context, src string, event map[string]any, allowedTools []string) (bool, error) {
	out, err := s.eval(ctx, src, event, allowedTools)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition returned %T, want bool", ErrScript, out)
	}
	return b, nil
}

// EvalAction evaluates an action script. Plain results are carried in
// ActionResult.Value; a map shaped like an attachment descriptor is
// additionally decoded into ActionResult.Attachment.
func (s *Sandbox) EvalAction(ctx context.Context, src string, event map[string]any, allowedTools []string) (*ActionResult, error) {
	out, err := s.eval(ctx, src, event, allowedTools)
	if err != nil {
		return nil, err
	}

	res := &ActionResult{Value: out}
	if m, ok := out.(map[string]any); ok {
		if att := decodeAttachment(m); att != nil {
			res.Attachment = att
		}
	}
	return res, nil
}

// eval compiles and runs a script under the deadline watchdog.
func (s *Sandbox) eval(ctx context.Context, src string, event map[string]any, allowedTools []string) (any, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty script", ErrScript)
	}
	if len(src) > maxScriptLen {
		return nil, fmt.Errorf("%w: script too large (%d bytes)", ErrScript, len(src))
	}

	env := s.buildEnv(event, allowedTools)

	program, err := expr.Compile(src, expr.MaxNodes(10_000))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := runProgram(program, env)
		done <- result{out, err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScript, r.err)
		}
		return r.out, nil
	case <-timer.C:
		s.logger.Warn("script exceeded deadline", "timeout", s.timeout)
		return nil, fmt.Errorf("%w: deadline exceeded (%s)", ErrScript, s.timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrScript, ctx.Err())
	}
}

// runProgram executes with panics converted to errors; a misbehaving
// script must never take down a processor worker.
func runProgram(program *vm.Program, env map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return expr.Run(program, env)
}

// buildEnv assembles the evaluation environment: the event tree, an
// immutable now, and whichever tool functions survive the deny-all
// flag and the per-call allow-set.
func (s *Sandbox) buildEnv(event map[string]any, allowedTools []string) map[string]any {
	env := map[string]any{
		"event": event,
		"now":   time.Now().UTC(),
	}

	if s.denyTools {
		return env
	}

	var allow map[string]bool
	if allowedTools != nil {
		allow = make(map[string]bool, len(allowedTools))
		for _, name := range allowedTools {
			allow[name] = true
		}
	}

	for name, fn := range s.tools {
		if allow != nil && !allow[name] {
			continue
		}
		env[name] = fn
	}
	return env
}

// decodeAttachment interprets a script result map as an attachment
// descriptor. Requires mime_type and data string fields.
func decodeAttachment(m map[string]any) *AttachmentDescriptor {
	mime, _ := m["mime_type"].(string)
	data, _ := m["data"].(string)
	if mime == "" || data == "" {
		return nil
	}
	name, _ := m["name"].(string)
	return &AttachmentDescriptor{Name: name, MimeType: mime, Data: data}
}
