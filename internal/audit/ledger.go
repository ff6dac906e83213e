package audit

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Event kinds recorded in the ledger.
const (
	KindSessionCreated        = "session_created"
	KindStateTransition       = "state_transition"
	KindConfirmationRequested = "confirmation_requested"
	KindConfirmationResolved  = "confirmation_resolved"
	KindStepDispatched        = "step_dispatched"
	KindStepResult            = "step_result"
	KindEmergencyTrip         = "emergency_trip"
	KindEmergencyReset        = "emergency_reset"
	KindEmergencyResetFailed  = "emergency_reset_failed"
	KindRateLimited           = "rate_limited"
)

// Actors attributed to ledger entries.
const (
	ActorSystem    = "system"
	ActorUser      = "user"
	ActorEmergency = "emergency"
)

// Entry is one immutable audit record. Entries are totally ordered by
// Sequence and never mutated or deleted; corrections are new entries
// referencing the original sequence in the payload.
type Entry struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Payload   string    `json:"payload"`
}

// Filter narrows a ledger query. Zero values match everything.
type Filter struct {
	SessionID string
	Kind      string
	SinceSeq  int64
	Limit     int
}

// Ledger is the append-only audit log, backed by sqlite. Append is the only
// write operation; the single writer mutex keeps entries fully written and
// sequence numbers strictly increasing under concurrent callers.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	schema := `CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor TEXT NOT NULL,
		payload TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Append writes one entry and returns its assigned sequence number.
func (l *Ledger) Append(ctx context.Context, e Entry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (ts, session_id, kind, actor, payload) VALUES (?, ?, ?, ?, ?)`,
		ts, e.SessionID, e.Kind, e.Actor, e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query returns entries matching the filter, ordered by sequence.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var conds []string
	var args []any

	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SinceSeq > 0 {
		conds = append(conds, "seq > ?")
		args = append(args, f.SinceSeq)
	}

	query := `SELECT seq, ts, session_id, kind, actor, payload FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.SessionID, &e.Kind, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSequence returns the highest assigned sequence number, 0 when empty.
func (l *Ledger) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_entries`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
