package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rahul/warden/internal/audit"
	"github.com/rahul/warden/internal/dispatch"
	"github.com/rahul/warden/internal/governance"
	"github.com/rahul/warden/internal/observability"
	"github.com/rahul/warden/internal/planner"
	"github.com/rahul/warden/internal/safety"
	"github.com/rahul/warden/internal/session"
	"github.com/rahul/warden/internal/tools"
)

// scriptedPlanner returns canned outcomes in order and records what it saw.
type scriptedPlanner struct {
	mu       sync.Mutex
	outcomes []*planner.Outcome
	err      error
	calls    int
	lastHist []string
}

func (p *scriptedPlanner) Interpret(ctx context.Context, command string, history []string) (*planner.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHist = append([]string(nil), history...)
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	p.calls++
	return p.outcomes[i], nil
}

// stubAdapter counts executions and optionally fails or runs a hook.
type stubAdapter struct {
	kind      session.Kind
	mu        sync.Mutex
	calls     int
	fail      bool
	onExecute func()
}

func (a *stubAdapter) Kind() session.Kind { return a.kind }

func (a *stubAdapter) Execute(ctx context.Context, action json.RawMessage) tools.Result {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.onExecute != nil {
		a.onExecute()
	}
	if a.fail {
		return tools.Result{Success: false, Detail: "boom"}
	}
	return tools.Result{Success: true, Detail: "done"}
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	orch    *Orchestrator
	stop    *safety.EmergencyStop
	gate    *safety.Gate
	ledger  *audit.Ledger
	adapter *stubAdapter

	mu       sync.Mutex
	messages []string
}

type harnessOpts struct {
	mode           session.SafetyMode
	planner        planner.Service
	enabled        map[session.Kind]bool
	rateLimit      int
	confirmTimeout time.Duration
	adapter        *stubAdapter
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.mode == "" {
		opts.mode = session.ModeStrict
	}
	if opts.enabled == nil {
		opts.enabled = map[session.Kind]bool{
			session.KindDesktop: true, session.KindBrowser: true,
			session.KindSystem: true, session.KindApplication: true,
		}
	}
	if opts.rateLimit == 0 {
		opts.rateLimit = 100
	}
	if opts.confirmTimeout == 0 {
		opts.confirmTimeout = 2 * time.Second
	}
	if opts.adapter == nil {
		opts.adapter = &stubAdapter{kind: session.KindSystem}
	}

	ledger, err := audit.NewLedger(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	stop := safety.NewEmergencyStop("0000")
	gate := safety.NewGate(stop)

	registry := tools.NewRegistry()
	registry.Register(opts.adapter)
	disp := dispatch.NewDispatcher(registry)
	disp.BaseBackoff = time.Millisecond

	h := &harness{stop: stop, gate: gate, ledger: ledger, adapter: opts.adapter}
	h.orch = New(Options{
		Planner:        opts.planner,
		Gate:           gate,
		Stop:           stop,
		Guard:          governance.NewGuard(opts.enabled),
		Limiter:        governance.NewRateLimiter(opts.rateLimit),
		Ledger:         ledger,
		Dispatcher:     disp,
		Logger:         observability.NewLoggerAt(filepath.Join(t.TempDir(), "events.jsonl")),
		Mode:           opts.mode,
		ConfirmTimeout: opts.confirmTimeout,
		Notify: func(userID, message string) {
			h.mu.Lock()
			h.messages = append(h.messages, message)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) waitState(t *testing.T, sid string, want session.State) *session.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.orch.Session(sid); s != nil && s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := h.orch.Session(sid)
	t.Fatalf("session never reached %s, stuck at %+v", want, s)
	return nil
}

func planOf(steps ...planner.ProposedStep) *planner.Outcome {
	return &planner.Outcome{Steps: steps}
}

func safeStep() planner.ProposedStep {
	return planner.ProposedStep{
		Kind:        "system",
		Description: "list workspace files",
		Action:      json.RawMessage(`{"action":"list_dir","path":"."}`),
	}
}

func criticalStep() planner.ProposedStep {
	return planner.ProposedStep{
		Kind:        "system",
		Description: "check uptime",
		Action:      json.RawMessage(`{"action":"run","command":"uptime"}`),
	}
}

func TestSafePlanRunsWithoutConfirmation(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeStrict,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep(), safeStep())}},
	})

	sid, err := h.orch.Submit(context.Background(), "telegram:1", "what is in my workspace")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s := h.waitState(t, sid, session.StateCompleted)
	if h.adapter.callCount() != 2 {
		t.Errorf("adapter called %d times, want 2", h.adapter.callCount())
	}
	if s.ExecutedSteps() != 2 {
		t.Errorf("executed = %d, want 2", s.ExecutedSteps())
	}

	entries, _ := h.ledger.Query(context.Background(), audit.Filter{Kind: audit.KindConfirmationRequested})
	if len(entries) != 0 {
		t.Error("safe steps in strict mode must not request confirmation")
	}
}

func TestCriticalStepGatedUntilApproval(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeStrict,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(criticalStep())}},
	})

	sid, err := h.orch.Submit(context.Background(), "telegram:1", "run uptime")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	h.waitState(t, sid, session.StateAwaitingConfirmation)
	if h.adapter.callCount() != 0 {
		t.Fatal("step executed before approval")
	}

	pending := h.gate.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if res, err := h.orch.ResolveConfirmation(pending[0].ID, true); err != nil || res != safety.ResolutionApproved {
		t.Fatalf("ResolveConfirmation = %v, %v", res, err)
	}

	h.waitState(t, sid, session.StateCompleted)
	if h.adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", h.adapter.callCount())
	}
}

func TestDenialCancelsRemainingSteps(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeStrict,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(criticalStep(), criticalStep())}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "run things")
	h.waitState(t, sid, session.StateAwaitingConfirmation)

	pending := h.gate.Pending()
	if _, err := h.orch.ResolveConfirmation(pending[0].ID, false); err != nil {
		t.Fatalf("deny failed: %v", err)
	}

	h.waitState(t, sid, session.StateDenied)
	if h.adapter.callCount() != 0 {
		t.Error("denied plan must not execute any step")
	}
}

func TestConfirmationExpiryTimesOutSession(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:           session.ModeStrict,
		planner:        &scriptedPlanner{outcomes: []*planner.Outcome{planOf(criticalStep())}},
		confirmTimeout: 50 * time.Millisecond,
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "run uptime")
	h.waitState(t, sid, session.StateTimedOut)
	if h.adapter.callCount() != 0 {
		t.Error("expired confirmation must not execute the step")
	}
}

func TestModerateModeSkipsModerateTier(t *testing.T) {
	moderate := planner.ProposedStep{
		Kind:        "system",
		Description: "write a note",
		Action:      json.RawMessage(`{"action":"write_file","path":"note.txt","content":"hi"}`),
	}
	h := newHarness(t, harnessOpts{
		mode:    session.ModeModerate,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(moderate)}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "write a note")
	h.waitState(t, sid, session.StateCompleted)
	if h.adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", h.adapter.callCount())
	}
}

func TestDisabledCapabilityNeverExecutes(t *testing.T) {
	// Even minimal mode cannot bypass the capability allow-list.
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
		enabled: map[session.Kind]bool{session.KindSystem: false},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "list files")
	h.waitState(t, sid, session.StateDenied)
	if h.adapter.callCount() != 0 {
		t.Error("disabled capability executed")
	}
}

func TestDeniedPatternBlocksStep(t *testing.T) {
	nasty := planner.ProposedStep{
		Kind:        "system",
		Description: "clean disk",
		Action:      json.RawMessage(`{"action":"run","command":"rm -rf /"}`),
	}
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(nasty)}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "clean my disk")
	h.waitState(t, sid, session.StateDenied)
	if h.adapter.callCount() != 0 {
		t.Error("denied pattern executed")
	}
}

func TestEmergencyStopBlocksNewCommands(t *testing.T) {
	h := newHarness(t, harnessOpts{
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
	})

	if err := h.orch.TriggerEmergency("fire", "telegram:1"); err != nil {
		t.Fatalf("TriggerEmergency failed: %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), "telegram:1", "anything"); !errors.Is(err, safety.ErrEmergencyActive) {
		t.Errorf("Submit during emergency = %v, want ErrEmergencyActive", err)
	}
}

func TestEmergencyStopHaltsBetweenSteps(t *testing.T) {
	var h *harness
	adapter := &stubAdapter{kind: session.KindSystem}
	adapter.onExecute = func() {
		// Trips while the first step is in flight.
		h.stop.Trip("mid-flight", "tester")
	}
	h = newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep(), safeStep())}},
		adapter: adapter,
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "two safe steps")
	s := h.waitState(t, sid, session.StateEmergencyStopped)

	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
	// The in-flight step finished and its result is on record.
	if s.Plan.Steps[0].Result.Status != session.StepSuccess {
		t.Errorf("first step result = %+v", s.Plan.Steps[0].Result)
	}
	if s.Plan.Steps[1].Result.Status != session.StepPending {
		t.Errorf("second step should never have run: %+v", s.Plan.Steps[1].Result)
	}
}

func TestEmergencyResetCode(t *testing.T) {
	h := newHarness(t, harnessOpts{
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
	})
	h.orch.TriggerEmergency("fire", "tester")

	if err := h.orch.ResetEmergency("wrong", "tester"); !errors.Is(err, safety.ErrBadResetCode) {
		t.Fatalf("wrong code = %v, want ErrBadResetCode", err)
	}
	if !h.stop.Tripped() {
		t.Fatal("failed reset must leave the stop tripped")
	}

	failed, _ := h.ledger.Query(context.Background(), audit.Filter{Kind: audit.KindEmergencyResetFailed})
	if len(failed) != 1 {
		t.Errorf("failed reset attempts must be audited, got %d entries", len(failed))
	}

	if err := h.orch.ResetEmergency("0000", "tester"); err != nil {
		t.Fatalf("correct code failed: %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), "telegram:1", "list files"); err != nil {
		t.Errorf("Submit after reset failed: %v", err)
	}
}

func TestRateLimitRejectsWithoutSession(t *testing.T) {
	h := newHarness(t, harnessOpts{
		planner:   &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
		rateLimit: 1,
	})

	if _, err := h.orch.Submit(context.Background(), "telegram:1", "first"); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), "telegram:1", "second"); !errors.Is(err, governance.ErrRateLimited) {
		t.Fatalf("second Submit = %v, want ErrRateLimited", err)
	}

	entries, _ := h.ledger.Query(context.Background(), audit.Filter{Kind: audit.KindRateLimited})
	if len(entries) != 1 {
		t.Errorf("rate limited attempt must be audited, got %d entries", len(entries))
	}
	created, _ := h.ledger.Query(context.Background(), audit.Filter{Kind: audit.KindSessionCreated})
	if len(created) != 1 {
		t.Errorf("rejected command must not create a session, got %d", len(created))
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	p := &scriptedPlanner{outcomes: []*planner.Outcome{
		{Questions: []string{"Which browser do you mean?"}},
		planOf(safeStep()),
	}}
	h := newHarness(t, harnessOpts{planner: p})

	sid, err := h.orch.Submit(context.Background(), "telegram:1", "open it")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h.waitState(t, sid, session.StateClarifying)

	// The next message from the same user is the answer, not a new command.
	sid2, err := h.orch.Submit(context.Background(), "telegram:1", "firefox")
	if err != nil {
		t.Fatalf("answer Submit failed: %v", err)
	}
	if sid2 != sid {
		t.Errorf("answer opened a new session %s, want %s", sid2, sid)
	}

	h.waitState(t, sid, session.StateCompleted)

	p.mu.Lock()
	hist := p.lastHist
	p.mu.Unlock()
	if len(hist) != 2 || hist[1] != "A: firefox" {
		t.Errorf("planner history = %v", hist)
	}
}

func TestClarificationTimeout(t *testing.T) {
	p := &scriptedPlanner{outcomes: []*planner.Outcome{
		{Questions: []string{"Which one?"}},
	}}
	h := newHarness(t, harnessOpts{planner: p, confirmTimeout: 50 * time.Millisecond})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "open it")
	h.waitState(t, sid, session.StateTimedOut)
}

func TestPlannerFailureFailsSession(t *testing.T) {
	h := newHarness(t, harnessOpts{
		planner: &scriptedPlanner{err: &planner.InterpretationError{Err: fmt.Errorf("model offline")}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "do something")
	h.waitState(t, sid, session.StateFailed)
	if h.adapter.callCount() != 0 {
		t.Error("failed interpretation must not execute anything")
	}
}

func TestFailedStepStopsPlan(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep(), safeStep())}},
		adapter: &stubAdapter{kind: session.KindSystem, fail: true},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "two steps")
	h.waitState(t, sid, session.StateFailed)
	if h.adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", h.adapter.callCount())
	}
}

func TestAuditTrailOrderAndCoverage(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "list files")
	h.waitState(t, sid, session.StateCompleted)

	entries, err := h.ledger.Query(context.Background(), audit.Filter{SessionID: sid})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	kinds := make(map[string]int)
	var prev int64
	for _, e := range entries {
		if e.Sequence <= prev {
			t.Fatalf("sequence not strictly increasing: %d after %d", e.Sequence, prev)
		}
		prev = e.Sequence
		kinds[e.Kind]++
	}

	for _, k := range []string{audit.KindSessionCreated, audit.KindStateTransition, audit.KindStepDispatched, audit.KindStepResult} {
		if kinds[k] == 0 {
			t.Errorf("missing audit kind %s", k)
		}
	}
	if kinds[audit.KindSessionCreated] != 1 {
		t.Errorf("session_created appeared %d times", kinds[audit.KindSessionCreated])
	}
}

func TestTerminalSessionsLeaveActiveTable(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
	})

	var sids []string
	for i := 0; i < 10; i++ {
		sid, err := h.orch.Submit(context.Background(), fmt.Sprintf("telegram:%d", i), "list files")
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		sids = append(sids, sid)
	}
	for _, sid := range sids {
		h.waitState(t, sid, session.StateCompleted)
	}

	h.orch.mu.Lock()
	active := len(h.orch.sessions)
	h.orch.mu.Unlock()
	if active != 0 {
		t.Errorf("%d terminal sessions still held in the active table", active)
	}
	if got := len(h.orch.Sessions()); got != 0 {
		t.Errorf("Sessions() lists %d entries, want 0", got)
	}

	// Finished sessions stay queryable for their summary.
	for _, sid := range sids {
		s := h.orch.Session(sid)
		if s == nil || s.State != session.StateCompleted {
			t.Errorf("finished session %s no longer queryable: %+v", sid, s)
		}
	}
}

func TestRecentSessionWindowIsBounded(t *testing.T) {
	h := newHarness(t, harnessOpts{
		mode:    session.ModeMinimal,
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(safeStep())}},
	})
	h.orch.recentLimit = 3

	var sids []string
	for i := 0; i < 5; i++ {
		sid, err := h.orch.Submit(context.Background(), fmt.Sprintf("telegram:%d", i), "list files")
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		sids = append(sids, sid)
		h.waitState(t, sid, session.StateCompleted)
	}

	h.orch.mu.Lock()
	kept := len(h.orch.recent)
	h.orch.mu.Unlock()
	if kept != 3 {
		t.Errorf("recent window holds %d sessions, want 3", kept)
	}

	if h.orch.Session(sids[0]) != nil {
		t.Error("oldest finished session should have been evicted")
	}
	if h.orch.Session(sids[4]) == nil {
		t.Error("newest finished session should still be queryable")
	}
}

func TestHealthSnapshot(t *testing.T) {
	h := newHarness(t, harnessOpts{
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(criticalStep())}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "run uptime")
	h.waitState(t, sid, session.StateAwaitingConfirmation)

	health := h.orch.Health(context.Background())
	if health.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", health.ActiveSessions)
	}
	if health.PendingConfirmations != 1 {
		t.Errorf("pending confirmations = %d, want 1", health.PendingConfirmations)
	}
	if health.Emergency.Tripped {
		t.Error("emergency should not be tripped")
	}
	if health.LastSequence == 0 {
		t.Error("ledger should have entries")
	}
	if len(health.Capabilities) != 1 || health.Capabilities[0] != session.KindSystem {
		t.Errorf("capabilities = %v", health.Capabilities)
	}
}

func TestUnknownCapabilityFromPlannerFailsSession(t *testing.T) {
	weird := planner.ProposedStep{
		Kind:        "quantum",
		Description: "entangle",
		Action:      json.RawMessage(`{"action":"zap"}`),
	}
	h := newHarness(t, harnessOpts{
		planner: &scriptedPlanner{outcomes: []*planner.Outcome{planOf(weird)}},
	})

	sid, _ := h.orch.Submit(context.Background(), "telegram:1", "entangle")
	h.waitState(t, sid, session.StateFailed)
}
