package tools

import (
	"context"
	"encoding/json"

	"github.com/rahul/warden/internal/session"
)

// Result is what an adapter reports back to the dispatcher. Retryable marks
// a transient failure worth another attempt.
type Result struct {
	Success   bool
	Detail    string
	Retryable bool
}

// Adapter executes one class of real-world action. Adapters never consult
// the safety components; gating happens before dispatch.
type Adapter interface {
	Kind() session.Kind
	Execute(ctx context.Context, action json.RawMessage) Result
}

// Verifier is an optional adapter extension probing whether the expected
// postcondition held after Execute reported success.
type Verifier interface {
	Verify(ctx context.Context, action json.RawMessage, res Result) error
}

// Registry manages the closed set of capability adapters, one per kind.
type Registry struct {
	adapters map[session.Kind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[session.Kind]Adapter),
	}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

func (r *Registry) Get(kind session.Kind) Adapter {
	return r.adapters[kind]
}

func (r *Registry) Kinds() []session.Kind {
	kinds := make([]session.Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

func failure(detail string) Result {
	return Result{Success: false, Detail: detail}
}

func transient(detail string) Result {
	return Result{Success: false, Detail: detail, Retryable: true}
}

func success(detail string) Result {
	return Result{Success: true, Detail: detail}
}
