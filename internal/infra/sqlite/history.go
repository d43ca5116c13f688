// Package sqlite persists the rotation event history: an append-only audit
// log of every lifecycle transition, retained past container termination
// for a configurable window.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"carousel"
)

type History struct {
	db *sql.DB
}

// Open creates or opens the history database, creating directories and
// schema as needed.
func Open(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	transition TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS events_container ON events(container_id);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	return &History{db: db}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// Append records one event. Events are facts: there is no update path.
func (h *History) Append(ctx context.Context, ev carousel.Event) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO events (ts, container_id, transition, detail) VALUES (?, ?, ?, ?)`,
		ev.Time.UTC().Format(time.RFC3339Nano), ev.ContainerID, ev.Transition.String(), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns up to n most recent events, newest first.
func (h *History) Recent(ctx context.Context, n int) ([]carousel.Event, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT ts, container_id, transition, detail FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []carousel.Event
	for rows.Next() {
		var ts, containerID, transition, detail string
		if err := rows.Scan(&ts, &containerID, &transition, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := carousel.Event{ContainerID: containerID, Detail: detail}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Time = t
		}
		if err := ev.Transition.UnmarshalText([]byte(transition)); err != nil {
			ev.Transition = carousel.TransitionUnknown
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff. Keeps the audit trail bounded
// once terminated containers age out of the retention window.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
