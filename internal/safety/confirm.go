package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownRequest = errors.New("unknown confirmation request")

// Resolution is the outcome of a confirmation request.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
	ResolutionExpired  Resolution = "expired"
)

// Request links a step (or whole plan) to a pending human decision.
type Request struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	Deadline  time.Time `json:"deadline"`
}

type pendingRequest struct {
	req Request
	ch  chan Resolution
}

// Gate tracks pending approval requests and resolves them from external
// approve/deny events or a deadline. Wait parks the calling session on a
// channel rather than polling; concurrent requests are independent.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	stop    *EmergencyStop
}

func NewGate(stop *EmergencyStop) *Gate {
	return &Gate{
		pending: make(map[string]*pendingRequest),
		stop:    stop,
	}
}

// Request registers a new pending confirmation and returns it.
func (g *Gate) Request(sessionID, summary string, deadline time.Time) Request {
	req := Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Summary:   summary,
		Deadline:  deadline,
	}

	g.mu.Lock()
	g.pending[req.ID] = &pendingRequest{
		req: req,
		ch:  make(chan Resolution, 1),
	}
	g.mu.Unlock()

	return req
}

// Resolve settles a pending request from an external approve/deny event.
// Approvals are refused while the emergency stop is tripped; denials are
// still accepted.
func (g *Gate) Resolve(id string, approved bool) (Resolution, error) {
	if approved && g.stop.Tripped() {
		return "", ErrEmergencyActive
	}

	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return "", ErrUnknownRequest
	}

	res := ResolutionDenied
	if approved {
		res = ResolutionApproved
	}
	p.ch <- res
	return res, nil
}

// Wait suspends until the first of: the request is resolved, its deadline
// elapses, the context is cancelled, or the emergency stop trips.
func (g *Gate) Wait(ctx context.Context, id string) (Resolution, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return "", ErrUnknownRequest
	}

	timer := time.NewTimer(time.Until(p.req.Deadline))
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res, nil
	case <-timer.C:
		g.mu.Lock()
		// Resolve may have won the race; prefer its answer.
		if _, still := g.pending[id]; !still {
			g.mu.Unlock()
			select {
			case res := <-p.ch:
				return res, nil
			default:
				return "", ErrUnknownRequest
			}
		}
		delete(g.pending, id)
		g.mu.Unlock()
		return ResolutionExpired, nil
	case <-g.stop.Done():
		g.remove(id)
		return "", ErrEmergencyActive
	case <-ctx.Done():
		g.remove(id)
		return "", ctx.Err()
	}
}

// Pending returns a snapshot of unresolved requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
