// Package agent defines the reasoning agent boundary: a request in, text
// out. Structured responses are decoded and validated here so callers only
// see typed values or a typed failure.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Shape is the expected response format.
type Shape string

const (
	ShapeText Shape = "text"
	ShapeJSON Shape = "json"
)

// Roles used by the turn pipeline and the director.
const (
	RoleIntent      = "intent"
	RoleIntentCheck = "intent_check"
	RoleOutcome     = "outcome"
	RoleNarrator    = "narrator"
	RoleCoherence   = "coherence"
	RoleDirector    = "director"
	RoleSummarizer  = "summarizer"
)

var (
	// ErrTimeout is returned when an invocation exceeds its deadline.
	ErrTimeout = errors.New("agent call timed out")
	// ErrUnavailable wraps transient transport or provider failures.
	ErrUnavailable = errors.New("agent unavailable")
)

// Request is one reasoning call.
type Request struct {
	Role  string
	Shape Shape
	// Task states what the agent must produce.
	Task string
	// Schema is an example of the expected JSON document.
	Schema string
	// Context is marshalled to JSON and sent alongside the task.
	Context any
	// RepairHint carries the previous attempt's validation failure.
	RepairHint string
}

// Response is the raw agent output.
type Response struct {
	Text  string
	Model string
}

// Agent performs reasoning calls.
type Agent interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ValidationError reports a response that could not be decoded or failed
// its semantic check after every repair attempt.
type ValidationError struct {
	Role     string
	Raw      string
	Attempts int
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent %s response invalid after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Render builds the system and user messages for req.
func Render(req Request) (system, user string, err error) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s stage of a turn-based narrative engine.", req.Role)
	if req.Shape == ShapeJSON {
		sys.WriteString(" Reply with a single JSON object and nothing else.")
		if req.Schema != "" {
			sys.WriteString(" It must follow this shape:\n")
			sys.WriteString(req.Schema)
		}
	}

	var usr strings.Builder
	usr.WriteString(strings.TrimSpace(req.Task))
	if req.Context != nil {
		payload, err := json.MarshalIndent(req.Context, "", "  ")
		if err != nil {
			return "", "", fmt.Errorf("marshal agent context: %w", err)
		}
		usr.WriteString("\n\nContext:\n")
		usr.Write(payload)
	}
	if req.RepairHint != "" {
		usr.WriteString("\n\nYour previous answer was rejected: ")
		usr.WriteString(req.RepairHint)
		usr.WriteString("\nFix the problem and answer again.")
	}
	return sys.String(), usr.String(), nil
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", errors.New("no JSON object in response")
	}
	return text[start : end+1], nil
}
