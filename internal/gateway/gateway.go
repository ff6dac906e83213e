package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rahul/warden/internal/agent"
	"github.com/rahul/warden/internal/governance"
	"github.com/rahul/warden/internal/safety"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Hub fans orchestrator notifications back out to the gateway a user arrived
// on. User IDs are namespaced "gateway:chatID" so replies find their way home.
type Hub struct {
	mu         sync.RWMutex
	messengers map[string]Messenger
}

func NewHub() *Hub {
	return &Hub{messengers: make(map[string]Messenger)}
}

func (h *Hub) Register(name string, m Messenger) {
	h.mu.Lock()
	h.messengers[name] = m
	h.mu.Unlock()
}

// Notify routes a message to userID's home gateway. Unroutable messages are
// dropped; notifications are best-effort by design.
func (h *Hub) Notify(userID, text string) {
	name, chatID, ok := strings.Cut(userID, ":")
	if !ok {
		return
	}
	h.mu.RLock()
	m := h.messengers[name]
	h.mu.RUnlock()
	if m != nil {
		_ = m.Send(chatID, text)
	}
}

// UserID builds the namespaced identity for a chat on a gateway.
func UserID(gateway, chatID string) string {
	return gateway + ":" + chatID
}

// Router turns inbound chat messages into orchestrator calls. Control
// commands start with a slash; everything else is a natural-language command
// (or a clarification answer).
type Router struct {
	Agent *agent.Orchestrator
}

func NewRouter(a *agent.Orchestrator) *Router {
	return &Router{Agent: a}
}

const helpText = `Commands:
/approve <id>  approve a pending confirmation
/deny <id>     deny a pending confirmation
/stop [reason] trip the emergency stop
/reset <code>  re-arm after an emergency stop
/status        show engine status
Anything else is treated as a command for me to carry out.`

// Handle processes one inbound message and returns the immediate reply.
func (r *Router) Handle(ctx context.Context, userID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "/") {
		return r.handleControl(ctx, userID, text)
	}
	return r.submit(ctx, userID, text)
}

func (r *Router) handleControl(ctx context.Context, userID, text string) string {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/approve", "/deny":
		if len(args) < 1 {
			return fmt.Sprintf("Usage: %s <confirmation-id>", cmd)
		}
		res, err := r.Agent.ResolveConfirmation(args[0], cmd == "/approve")
		switch {
		case errors.Is(err, safety.ErrEmergencyActive):
			return "Emergency stop is active; approvals are refused until reset."
		case errors.Is(err, safety.ErrUnknownRequest):
			return "Unknown or already settled confirmation ID."
		case err != nil:
			return fmt.Sprintf("Could not resolve confirmation: %v", err)
		}
		return fmt.Sprintf("Confirmation %s.", res)

	case "/stop":
		reason := strings.Join(args, " ")
		err := r.Agent.TriggerEmergency(reason, userID)
		if errors.Is(err, safety.ErrAlreadyTripped) {
			return "Emergency stop is already active."
		}
		if err != nil {
			return fmt.Sprintf("Could not trip emergency stop: %v", err)
		}
		return "EMERGENCY STOP tripped. All sessions halted. Use /reset <code> to re-arm."

	case "/reset":
		if len(args) < 1 {
			return "Usage: /reset <code>"
		}
		err := r.Agent.ResetEmergency(args[0], userID)
		switch {
		case errors.Is(err, safety.ErrBadResetCode):
			return "Invalid reset code."
		case errors.Is(err, safety.ErrNotTripped):
			return "Emergency stop is not active."
		case err != nil:
			return fmt.Sprintf("Reset failed: %v", err)
		}
		return "Emergency stop re-armed. New commands are accepted again."

	case "/status":
		return formatHealth(r.Agent.Health(ctx))

	case "/help", "/start":
		return helpText
	}
	return "Unknown command. " + helpText
}

func (r *Router) submit(ctx context.Context, userID, text string) string {
	sid, err := r.Agent.Submit(ctx, userID, text)
	switch {
	case errors.Is(err, safety.ErrEmergencyActive):
		return "Emergency stop is active; no new commands are accepted until reset."
	case errors.Is(err, governance.ErrRateLimited):
		return "You are sending commands too quickly. Please wait a minute."
	case errors.Is(err, agent.ErrEmptyCommand):
		return "I could not make anything of that message."
	case err != nil:
		return fmt.Sprintf("Could not accept command: %v", err)
	}
	return fmt.Sprintf("On it. Session %s", sid)
}

func formatHealth(h agent.Health) string {
	var b strings.Builder
	if h.Emergency.Tripped {
		fmt.Fprintf(&b, "EMERGENCY STOP ACTIVE (reason: %s)\n", h.Emergency.Reason)
	} else {
		b.WriteString("Status: armed and running\n")
	}
	fmt.Fprintf(&b, "Safety mode: %s\n", h.Mode)
	fmt.Fprintf(&b, "Active sessions: %d\n", h.ActiveSessions)
	fmt.Fprintf(&b, "Pending confirmations: %d\n", h.PendingConfirmations)
	fmt.Fprintf(&b, "Audit entries: %d", h.LastSequence)
	return b.String()
}
