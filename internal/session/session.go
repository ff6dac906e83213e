package session

import (
	"encoding/json"
	"time"
)

// Kind identifies the capability back-end a step is dispatched to.
type Kind string

const (
	KindDesktop     Kind = "desktop"
	KindBrowser     Kind = "browser"
	KindSystem      Kind = "system"
	KindApplication Kind = "application"
)

// Kinds lists every known capability kind.
var Kinds = []Kind{KindDesktop, KindBrowser, KindSystem, KindApplication}

// Tier is the risk classification of a step.
type Tier string

const (
	TierSafe     Tier = "safe"
	TierModerate Tier = "moderate"
	TierCritical Tier = "critical"
)

// SafetyMode controls which tiers require human confirmation. It is read
// once at session creation and fixed for the session's lifetime.
type SafetyMode string

const (
	ModeStrict   SafetyMode = "strict"
	ModeModerate SafetyMode = "moderate"
	ModeMinimal  SafetyMode = "minimal"
)

// State is the orchestrator state of a session.
type State string

const (
	StateReceived             State = "received"
	StateInterpreting         State = "interpreting"
	StateClarifying           State = "clarifying"
	StatePlanned              State = "planned"
	StateGating               State = "gating"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateStepVerifying        State = "step_verifying"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateDenied               State = "denied"
	StateEmergencyStopped     State = "emergency_stopped"
	StateTimedOut             State = "timed_out"
)

// Terminal reports whether a session in this state is finished and immutable.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDenied, StateEmergencyStopped, StateTimedOut:
		return true
	}
	return false
}

// StepStatus is the execution outcome of a single step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// Result is the outcome of dispatching one step. It is set at most once.
type Result struct {
	Status    StepStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

// Step is one atomic action within a plan. The Action descriptor is opaque
// to the core and interpreted only by the matching capability adapter.
type Step struct {
	Index       int             `json:"index"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description"`
	Action      json.RawMessage `json:"action"`
	Tier        Tier            `json:"tier"`
	Result      Result          `json:"result"`
	Verified    bool            `json:"verified"`
}

// Plan is the ordered sequence of steps produced for a session.
// Immutable once confirmed.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Session tracks one user command from receipt to a terminal state.
// It is owned exclusively by the orchestrator for its lifetime.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Command      string     `json:"command"`
	Plan         *Plan      `json:"plan,omitempty"`
	Mode         SafetyMode `json:"mode"`
	State        State      `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// ExecutedSteps counts steps with a recorded success result.
func (s *Session) ExecutedSteps() int {
	if s.Plan == nil {
		return 0
	}
	n := 0
	for _, st := range s.Plan.Steps {
		if st.Result.Status == StepSuccess {
			n++
		}
	}
	return n
}
