package observability

import (
	"sync"
	"time"
)

type EngineState string

const (
	StateArmed   EngineState = "ARMED"
	StateTripped EngineState = "TRIPPED"
)

type SystemStatus struct {
	mu              sync.RWMutex
	State           EngineState
	ActiveSessions  int
	PendingRequests int
	LastSequence    int64
	LastHeartbeat   time.Time
}

var globalStatus = &SystemStatus{
	State:         StateArmed,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global engine status shown on the dashboard.
func SetStatus(state EngineState, sessions, pending int, lastSeq int64) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.State = state
	globalStatus.ActiveSessions = sessions
	globalStatus.PendingRequests = pending
	globalStatus.LastSequence = lastSeq
}

// GetStatus retrieves a copy of the global engine status.
func GetStatus() (EngineState, int, int, int64, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.State, globalStatus.ActiveSessions,
		globalStatus.PendingRequests, globalStatus.LastSequence, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
