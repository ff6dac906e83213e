package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeSession      EventType = "session"
	EventTypeTransition   EventType = "transition"
	EventTypePlanner      EventType = "planner"
	EventTypeConfirmation EventType = "confirmation"
	EventTypeStep         EventType = "step"
	EventTypeEmergency    EventType = "emergency"
	EventTypeHeartbeat    EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	logPath string
	maxSize int64
}

func NewLogger() *Logger {
	return NewLoggerAt(filepath.Join("logs", "events.jsonl"))
}

// NewLoggerAt mirrors events to the given file instead of the default path.
func NewLoggerAt(path string) *Logger {
	return &Logger{
		logPath: path,
		maxSize: 10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to stdout and mirrors it to the
// rotating event file.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))
	l.writeToFile(data)
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.logPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.logPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.logPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.logPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogTransition(sessionID, from, to, reason string) {
	l.Log(Event{
		Type:      EventTypeTransition,
		SessionID: sessionID,
		Data: map[string]string{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

func (l *Logger) LogStep(sessionID string, index int, kind, status, detail string) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		Data: map[string]any{
			"index":  index,
			"kind":   kind,
			"status": status,
			"detail": detail,
		},
	})
}

func (l *Logger) LogConfirmation(sessionID, requestID, resolution string) {
	l.Log(Event{
		Type:      EventTypeConfirmation,
		SessionID: sessionID,
		Data: map[string]string{
			"request_id": requestID,
			"resolution": resolution,
		},
	})
}

func (l *Logger) LogEmergency(action, reason, actor string) {
	l.Log(Event{
		Type: EventTypeEmergency,
		Data: map[string]string{
			"action": action,
			"reason": reason,
			"actor":  actor,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}
