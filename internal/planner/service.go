package planner

import (
	"context"
	"encoding/json"
	"fmt"
)

// InterpretationError means the planning service was unreachable or returned
// something the engine cannot use. The enclosing session fails.
type InterpretationError struct {
	Err error
}

func (e *InterpretationError) Error() string {
	return fmt.Sprintf("interpretation failed: %v", e.Err)
}

func (e *InterpretationError) Unwrap() error { return e.Err }

// ProposedStep is one step as returned by the planning service. The action
// descriptor is opaque to the core and interpreted only by the matching
// capability adapter.
type ProposedStep struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Action      json.RawMessage `json:"action"`
}

// Outcome is the result of one interpretation attempt: exactly one of Steps
// (an ordered plan) or Questions (a clarification request) is populated.
type Outcome struct {
	Steps     []ProposedStep
	Questions []string
}

// NeedsClarification reports whether the service asked questions instead of
// producing a plan.
func (o *Outcome) NeedsClarification() bool {
	return len(o.Questions) > 0
}

// Service turns a natural-language command into a plan or a clarification
// request. It is a black box with bounded latency, callable exactly once per
// interpretation attempt.
type Service interface {
	Interpret(ctx context.Context, command string, history []string) (*Outcome, error)
}
