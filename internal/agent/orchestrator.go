package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rahul/warden/internal/audit"
	"github.com/rahul/warden/internal/dispatch"
	"github.com/rahul/warden/internal/governance"
	"github.com/rahul/warden/internal/observability"
	"github.com/rahul/warden/internal/planner"
	"github.com/rahul/warden/internal/safety"
	"github.com/rahul/warden/internal/session"
)

var ErrEmptyCommand = errors.New("empty command")

// Options wires the orchestrator's collaborators.
type Options struct {
	Planner        planner.Service
	Gate           *safety.Gate
	Stop           *safety.EmergencyStop
	Guard          *governance.Guard
	Limiter        *governance.RateLimiter
	Ledger         *audit.Ledger
	Dispatcher     *dispatch.Dispatcher
	Logger         *observability.Logger
	Mode           session.SafetyMode
	ConfirmTimeout time.Duration

	// Notify delivers a message back to the user through whichever gateway
	// they arrived on. May be nil in tests.
	Notify func(userID, message string)
}

// Orchestrator owns the session lifecycle: it accepts commands, drives each
// session through interpretation, gating and execution in its own goroutine,
// and records every decision in the audit ledger. Sessions never share state;
// the only cross-session coupling is the emergency stop.
type Orchestrator struct {
	opts Options

	mu          sync.Mutex
	sessions    map[string]*session.Session // active (non-terminal) only
	recent      map[string]*session.Session // terminal, bounded window
	recentOrder []string
	recentLimit int
	clarifying  map[string]string      // userID -> session awaiting an answer
	answers     map[string]chan string // sessionID -> clarification answer
}

// maxRecentSessions bounds how many finished sessions stay queryable for
// summaries; older ones are evicted so a long-running process never grows.
const maxRecentSessions = 100

func New(opts Options) *Orchestrator {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		opts:        opts,
		sessions:    make(map[string]*session.Session),
		recent:      make(map[string]*session.Session),
		recentLimit: maxRecentSessions,
		clarifying:  make(map[string]string),
		answers:     make(map[string]chan string),
	}
}

// Submit accepts a natural-language command and returns the session ID.
// While a session of the same user is waiting for clarification, the text is
// routed to it as the answer instead of opening a new session.
func (o *Orchestrator) Submit(ctx context.Context, userID, text string) (string, error) {
	if o.opts.Stop.Tripped() {
		return "", safety.ErrEmergencyActive
	}

	text = governance.SanitizeCommand(text)
	if text == "" {
		return "", ErrEmptyCommand
	}

	if sid, ok := o.routeAnswer(userID, text); ok {
		return sid, nil
	}

	if !o.opts.Limiter.Allow(userID) {
		o.appendAudit(ctx, "", audit.KindRateLimited, audit.ActorUser,
			map[string]string{"user_id": userID})
		return "", governance.ErrRateLimited
	}

	s := &session.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Command:      text,
		Mode:         o.opts.Mode,
		State:        session.StateReceived,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()

	o.appendAudit(ctx, s.ID, audit.KindSessionCreated, audit.ActorUser,
		map[string]string{"user_id": userID, "command": text, "mode": string(s.Mode)})
	o.opts.Logger.Log(observability.Event{
		Type:      observability.EventTypeSession,
		SessionID: s.ID,
		UserID:    userID,
		Data:      map[string]string{"command": text},
	})

	go o.run(s)
	return s.ID, nil
}

// routeAnswer delivers text to the user's clarifying session, if any.
func (o *Orchestrator) routeAnswer(userID, text string) (string, bool) {
	o.mu.Lock()
	sid, ok := o.clarifying[userID]
	var ch chan string
	if ok {
		ch = o.answers[sid]
	}
	o.mu.Unlock()

	if !ok || ch == nil {
		return "", false
	}
	select {
	case ch <- text:
		return sid, true
	default:
		// Waiter already gave up; treat as a fresh command.
		return "", false
	}
}

// run drives one session to a terminal state.
func (o *Orchestrator) run(s *session.Session) {
	ctx := context.Background()

	plan, ok := o.interpret(ctx, s)
	if !ok {
		return
	}

	o.mu.Lock()
	s.Plan = plan
	o.mu.Unlock()
	o.transition(ctx, s, session.StatePlanned,
		fmt.Sprintf("%d step plan", len(plan.Steps)))
	o.notify(s.UserID, planSummary(s))

	for i := range plan.Steps {
		if !o.runStep(ctx, s, &plan.Steps[i]) {
			return
		}
	}

	o.finish(ctx, s, session.StateCompleted,
		fmt.Sprintf("%d/%d steps succeeded", s.ExecutedSteps(), len(plan.Steps)))
	o.notify(s.UserID, fmt.Sprintf("Done. %d of %d steps completed.",
		s.ExecutedSteps(), len(plan.Steps)))
}

// interpret runs the planning loop, pausing for clarification answers as
// needed, and returns the classified plan.
func (o *Orchestrator) interpret(ctx context.Context, s *session.Session) (*session.Plan, bool) {
	var history []string

	for {
		o.transition(ctx, s, session.StateInterpreting, "")

		outcome, err := o.opts.Planner.Interpret(ctx, s.Command, history)
		if err != nil {
			o.finish(ctx, s, session.StateFailed, fmt.Sprintf("interpretation failed: %v", err))
			o.notify(s.UserID, "Sorry, I could not interpret that command.")
			return nil, false
		}

		if !outcome.NeedsClarification() {
			plan, err := buildPlan(outcome.Steps)
			if err != nil {
				o.finish(ctx, s, session.StateFailed, err.Error())
				o.notify(s.UserID, "Sorry, the proposed plan was not usable.")
				return nil, false
			}
			return plan, true
		}

		// Register the answer route before the state is visible so a fast
		// reply cannot land between the transition and the wait.
		ch := make(chan string, 1)
		o.mu.Lock()
		o.clarifying[s.UserID] = s.ID
		o.answers[s.ID] = ch
		o.mu.Unlock()

		question := strings.Join(outcome.Questions, "\n")
		o.transition(ctx, s, session.StateClarifying, question)
		o.notify(s.UserID, question)

		answer, ok := o.awaitAnswer(ctx, s, ch)
		if !ok {
			return nil, false
		}
		history = append(history, "Q: "+question, "A: "+answer)
	}
}

// awaitAnswer parks the session until the user replies, the clarification
// window elapses, or the emergency stop trips.
func (o *Orchestrator) awaitAnswer(ctx context.Context, s *session.Session, ch chan string) (string, bool) {
	defer func() {
		o.mu.Lock()
		if o.clarifying[s.UserID] == s.ID {
			delete(o.clarifying, s.UserID)
		}
		delete(o.answers, s.ID)
		o.mu.Unlock()
	}()

	timer := time.NewTimer(o.opts.ConfirmTimeout)
	defer timer.Stop()

	select {
	case answer := <-ch:
		return answer, true
	case <-timer.C:
		o.finish(ctx, s, session.StateTimedOut, "no clarification answer received")
		o.notify(s.UserID, "Request timed out waiting for your answer.")
		return "", false
	case <-o.opts.Stop.Done():
		o.finish(ctx, s, session.StateEmergencyStopped, "emergency stop tripped")
		return "", false
	}
}

// runStep gates, dispatches and records one step. It returns false when the
// session reached a terminal state and the remaining steps must not run.
func (o *Orchestrator) runStep(ctx context.Context, s *session.Session, step *session.Step) bool {
	o.transition(ctx, s, session.StateGating, fmt.Sprintf("step %d", step.Index))

	if err := o.opts.Guard.CheckKind(step.Kind); err != nil {
		o.finish(ctx, s, session.StateDenied, err.Error())
		o.notify(s.UserID, fmt.Sprintf("Denied: %v", err))
		return false
	}
	if err := o.opts.Guard.CheckAction(step.Action); err != nil {
		o.finish(ctx, s, session.StateDenied, err.Error())
		o.notify(s.UserID, fmt.Sprintf("Denied: %v", err))
		return false
	}

	if governance.RequiresConfirmation(step.Tier, s.Mode) {
		if !o.confirmStep(ctx, s, step) {
			return false
		}
	}

	// The trip may have landed while this session was parked or between
	// steps; nothing dispatches past this point once tripped.
	if o.opts.Stop.Tripped() {
		o.finish(ctx, s, session.StateEmergencyStopped, "emergency stop tripped")
		return false
	}

	o.transition(ctx, s, session.StateExecuting, fmt.Sprintf("step %d", step.Index))
	o.appendAudit(ctx, s.ID, audit.KindStepDispatched, audit.ActorSystem, map[string]any{
		"index": step.Index,
		"kind":  step.Kind,
		"tier":  step.Tier,
	})

	res := o.opts.Dispatcher.Dispatch(ctx, step)

	o.transition(ctx, s, session.StateStepVerifying, fmt.Sprintf("step %d", step.Index))
	o.recordResult(ctx, s, step, res.Success, res.Detail)

	// A trip during dispatch lets the in-flight step finish and records its
	// result, then stops the session before any further step.
	if o.opts.Stop.Tripped() {
		o.finish(ctx, s, session.StateEmergencyStopped, "emergency stop tripped")
		return false
	}

	if !res.Success {
		o.finish(ctx, s, session.StateFailed,
			fmt.Sprintf("step %d failed: %s", step.Index, res.Detail))
		o.notify(s.UserID, fmt.Sprintf("Step %d failed: %s", step.Index+1, res.Detail))
		return false
	}
	return true
}

// confirmStep requests human approval for the step and waits for the answer.
func (o *Orchestrator) confirmStep(ctx context.Context, s *session.Session, step *session.Step) bool {
	summary := fmt.Sprintf("[%s/%s] %s", step.Kind, step.Tier, step.Description)
	req := o.opts.Gate.Request(s.ID, summary, time.Now().Add(o.opts.ConfirmTimeout))

	o.appendAudit(ctx, s.ID, audit.KindConfirmationRequested, audit.ActorSystem, map[string]any{
		"request_id": req.ID,
		"index":      step.Index,
		"tier":       step.Tier,
		"summary":    summary,
	})
	o.transition(ctx, s, session.StateAwaitingConfirmation, summary)
	o.notify(s.UserID, fmt.Sprintf(
		"Confirmation required for step %d:\n%s\nReply /approve %s or /deny %s",
		step.Index+1, summary, req.ID, req.ID))

	res, err := o.opts.Gate.Wait(ctx, req.ID)
	if err != nil {
		if errors.Is(err, safety.ErrEmergencyActive) {
			o.finish(ctx, s, session.StateEmergencyStopped, "emergency stop tripped")
		} else {
			o.finish(ctx, s, session.StateFailed, fmt.Sprintf("confirmation wait failed: %v", err))
		}
		return false
	}

	o.appendAudit(ctx, s.ID, audit.KindConfirmationResolved, audit.ActorUser, map[string]any{
		"request_id": req.ID,
		"index":      step.Index,
		"resolution": res,
	})
	o.opts.Logger.LogConfirmation(s.ID, req.ID, string(res))

	switch res {
	case safety.ResolutionApproved:
		return true
	case safety.ResolutionDenied:
		o.finish(ctx, s, session.StateDenied, fmt.Sprintf("step %d denied", step.Index))
		o.notify(s.UserID, "Understood, the remaining steps were cancelled.")
	default: // expired
		o.finish(ctx, s, session.StateTimedOut,
			fmt.Sprintf("confirmation for step %d expired", step.Index))
		o.notify(s.UserID, "Confirmation timed out, the remaining steps were cancelled.")
	}
	return false
}

// recordResult writes the step's final result exactly once.
func (o *Orchestrator) recordResult(ctx context.Context, s *session.Session, step *session.Step, ok bool, detail string) {
	o.mu.Lock()
	status := session.StepFailure
	if ok {
		status = session.StepSuccess
	}
	step.Result = session.Result{Status: status, Detail: detail}
	step.Verified = ok
	s.LastActivity = time.Now()
	o.mu.Unlock()

	o.appendAudit(ctx, s.ID, audit.KindStepResult, audit.ActorSystem, map[string]any{
		"index":  step.Index,
		"status": status,
		"detail": truncate(detail, 2000),
	})
	o.opts.Logger.LogStep(s.ID, step.Index, string(step.Kind), string(status), truncate(detail, 500))
}

// ResolveConfirmation settles a pending confirmation request.
func (o *Orchestrator) ResolveConfirmation(id string, approved bool) (safety.Resolution, error) {
	return o.opts.Gate.Resolve(id, approved)
}

// TriggerEmergency trips the global kill switch.
func (o *Orchestrator) TriggerEmergency(reason, actor string) error {
	if reason == "" {
		reason = "manual trigger"
	}
	if err := o.opts.Stop.Trip(reason, actor); err != nil {
		return err
	}
	o.appendAudit(context.Background(), "", audit.KindEmergencyTrip, audit.ActorEmergency,
		map[string]string{"reason": reason, "actor": actor})
	o.opts.Logger.LogEmergency("trip", reason, actor)
	return nil
}

// ResetEmergency re-arms the kill switch. Failed attempts are audited too.
func (o *Orchestrator) ResetEmergency(code, actor string) error {
	if err := o.opts.Stop.Reset(code); err != nil {
		o.appendAudit(context.Background(), "", audit.KindEmergencyResetFailed, audit.ActorEmergency,
			map[string]string{"actor": actor, "error": err.Error()})
		return err
	}
	o.appendAudit(context.Background(), "", audit.KindEmergencyReset, audit.ActorEmergency,
		map[string]string{"actor": actor})
	o.opts.Logger.LogEmergency("reset", "", actor)
	return nil
}

// Health is a point-in-time status snapshot.
type Health struct {
	Emergency            safety.EmergencyStatus `json:"emergency"`
	Mode                 session.SafetyMode     `json:"mode"`
	Capabilities         []session.Kind         `json:"capabilities"`
	ActiveSessions       int                    `json:"active_sessions"`
	PendingConfirmations int                    `json:"pending_confirmations"`
	LastSequence         int64                  `json:"last_sequence"`
}

func (o *Orchestrator) Health(ctx context.Context) Health {
	o.mu.Lock()
	active := len(o.sessions)
	o.mu.Unlock()

	kinds := o.opts.Dispatcher.Registry.Kinds()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	seq, _ := o.opts.Ledger.LastSequence(ctx)
	return Health{
		Emergency:            o.opts.Stop.Status(),
		Mode:                 o.opts.Mode,
		Capabilities:         kinds,
		ActiveSessions:       active,
		PendingConfirmations: len(o.opts.Gate.Pending()),
		LastSequence:         seq,
	}
}

// Session returns a snapshot of an active or recently finished session, or
// nil if unknown or already evicted from the recent window.
func (o *Orchestrator) Session(id string) *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[id]
	if !ok {
		s, ok = o.recent[id]
	}
	if !ok {
		return nil
	}
	return snapshot(s)
}

// Sessions returns snapshots of all active sessions.
func (o *Orchestrator) Sessions() []*session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, snapshot(s))
	}
	return out
}

// snapshot copies a session for callers outside the orchestrator lock.
func snapshot(s *session.Session) *session.Session {
	cp := *s
	if s.Plan != nil {
		planCopy := session.Plan{Steps: append([]session.Step(nil), s.Plan.Steps...)}
		cp.Plan = &planCopy
	}
	return &cp
}

// transition moves the session to a new state and audits exactly one
// state_transition entry for it. Terminal sessions leave the active table and
// move to the bounded recent window.
func (o *Orchestrator) transition(ctx context.Context, s *session.Session, to session.State, note string) {
	o.mu.Lock()
	from := s.State
	s.State = to
	s.LastActivity = time.Now()
	if to.Terminal() {
		s.Reason = note
		delete(o.sessions, s.ID)
		o.recent[s.ID] = s
		o.recentOrder = append(o.recentOrder, s.ID)
		for len(o.recentOrder) > o.recentLimit {
			delete(o.recent, o.recentOrder[0])
			o.recentOrder = o.recentOrder[1:]
		}
	}
	o.mu.Unlock()

	o.appendAudit(ctx, s.ID, audit.KindStateTransition, audit.ActorSystem,
		map[string]string{"from": string(from), "to": string(to), "note": note})
	o.opts.Logger.LogTransition(s.ID, string(from), string(to), note)
}

func (o *Orchestrator) finish(ctx context.Context, s *session.Session, to session.State, reason string) {
	o.transition(ctx, s, to, reason)
}

func (o *Orchestrator) appendAudit(ctx context.Context, sessionID, kind, actor string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	if _, err := o.opts.Ledger.Append(ctx, audit.Entry{
		SessionID: sessionID,
		Kind:      kind,
		Actor:     actor,
		Payload:   string(data),
	}); err != nil {
		o.opts.Logger.Log(observability.Event{
			Type:      observability.EventTypeSession,
			SessionID: sessionID,
			Data:      map[string]string{"error": fmt.Sprintf("audit append failed: %v", err)},
		})
	}
}

func (o *Orchestrator) notify(userID, message string) {
	if o.opts.Notify != nil {
		o.opts.Notify(userID, message)
	}
}

// buildPlan validates proposed steps and classifies each one's risk tier.
func buildPlan(proposed []planner.ProposedStep) (*session.Plan, error) {
	if len(proposed) == 0 {
		return nil, errors.New("planner returned an empty plan")
	}

	known := make(map[session.Kind]bool, len(session.Kinds))
	for _, k := range session.Kinds {
		known[k] = true
	}

	plan := &session.Plan{Steps: make([]session.Step, 0, len(proposed))}
	for i, p := range proposed {
		kind := session.Kind(p.Kind)
		if !known[kind] {
			return nil, fmt.Errorf("planner proposed unknown capability %q", p.Kind)
		}
		step := session.Step{
			Index:       i,
			Kind:        kind,
			Description: p.Description,
			Action:      p.Action,
			Result:      session.Result{Status: session.StepPending},
		}
		step.Tier = governance.Classify(step)
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func planSummary(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %q (%d steps):\n", s.Command, len(s.Plan.Steps))
	for _, st := range s.Plan.Steps {
		fmt.Fprintf(&b, "%d. [%s/%s] %s\n", st.Index+1, st.Kind, st.Tier, st.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
