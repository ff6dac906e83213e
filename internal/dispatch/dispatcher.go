package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rahul/warden/internal/session"
	"github.com/rahul/warden/internal/tools"
)

// Dispatcher routes a step to its capability adapter, verifies the
// postcondition, and retries transient failures with bounded backoff.
// Steps within a plan are dispatched strictly sequentially by the caller;
// the dispatcher holds no lock shared across sessions, so adapter calls
// from different sessions run concurrently.
type Dispatcher struct {
	Registry    *tools.Registry
	MaxRetries  int
	BaseBackoff time.Duration
}

func NewDispatcher(registry *tools.Registry) *Dispatcher {
	return &Dispatcher{
		Registry:    registry,
		MaxRetries:  2,
		BaseBackoff: 500 * time.Millisecond,
	}
}

// Dispatch executes one step and returns its final result. A verification
// failure counts as an execution failure even when the adapter itself
// reported success.
func (d *Dispatcher) Dispatch(ctx context.Context, step *session.Step) tools.Result {
	adapter := d.Registry.Get(step.Kind)
	if adapter == nil {
		return tools.Result{Success: false, Detail: fmt.Sprintf("no adapter for capability %q", step.Kind)}
	}

	var res tools.Result
	for attempt := 0; ; attempt++ {
		res = adapter.Execute(ctx, step.Action)

		if res.Success {
			if v, ok := adapter.(tools.Verifier); ok {
				if err := v.Verify(ctx, step.Action, res); err != nil {
					res = tools.Result{Success: false, Detail: err.Error()}
				}
			}
		}
		if res.Success || !res.Retryable || attempt >= d.MaxRetries {
			break
		}

		backoff := d.BaseBackoff << attempt
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return tools.Result{Success: false, Detail: fmt.Sprintf("dispatch cancelled: %v", ctx.Err())}
		}
	}

	// Exhausted retries escalate to fatal.
	res.Retryable = false
	return res
}
