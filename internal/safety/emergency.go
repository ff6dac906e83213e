package safety

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyTripped  = errors.New("emergency stop already tripped")
	ErrNotTripped      = errors.New("emergency stop is not tripped")
	ErrBadResetCode    = errors.New("invalid emergency reset code")
	ErrEmergencyActive = errors.New("emergency stop is active")
)

// EmergencyStatus is a snapshot of the kill switch.
type EmergencyStatus struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// EmergencyStop is the process-wide kill switch. It has two states, ARMED
// and TRIPPED. Trip closes a broadcast channel so every suspended session
// observes the trip before its next transition; Reset requires the
// configured code and re-arms the switch with a fresh channel.
type EmergencyStop struct {
	mu        sync.Mutex
	tripped   bool
	reason    string
	actor     string
	trippedAt time.Time
	resetHash [sha256.Size]byte
	done      chan struct{}
}

func NewEmergencyStop(resetCode string) *EmergencyStop {
	return &EmergencyStop{
		resetHash: sha256.Sum256([]byte(resetCode)),
		done:      make(chan struct{}),
	}
}

// Trip moves the switch to TRIPPED. The second and later calls fail so the
// original trip reason is never overwritten.
func (e *EmergencyStop) Trip(reason, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tripped {
		return ErrAlreadyTripped
	}
	e.tripped = true
	e.reason = reason
	e.actor = actor
	e.trippedAt = time.Now()
	close(e.done)
	return nil
}

// Reset re-arms the switch if code matches the configured reset code.
func (e *EmergencyStop) Reset(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(sum[:], e.resetHash[:]) != 1 {
		return ErrBadResetCode
	}
	if !e.tripped {
		return ErrNotTripped
	}
	e.tripped = false
	e.reason = ""
	e.actor = ""
	e.trippedAt = time.Time{}
	e.done = make(chan struct{})
	return nil
}

// Tripped reports whether the switch is currently TRIPPED.
func (e *EmergencyStop) Tripped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tripped
}

// Done returns a channel that is closed while the switch is TRIPPED.
// Callers must re-fetch it after a reset.
func (e *EmergencyStop) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Status returns a snapshot for reporting.
func (e *EmergencyStop) Status() EmergencyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EmergencyStatus{
		Tripped:   e.tripped,
		Reason:    e.reason,
		Actor:     e.actor,
		TrippedAt: e.trippedAt,
	}
}
