package store

import (
	"context"
	"fmt"
	"time"
)

// Event kinds.
const (
	KindPost    = "post"
	KindForward = "forward"
)

// Run is one engine run.
type Run struct {
	ID        string
	StartedAt time.Time
	// Source names the record database the run loaded.
	Source  string
	Records int
}

// Event is one logged monitor post or forward-link traversal. For a
// forward event Field is "FLNK" and Value is the target record name.
type Event struct {
	RunID    string
	Seq      int64
	Kind     string
	Record   string
	Field    string
	Mask     string
	Value    any
	Severity string
	Status   string
	Time     time.Time
}

const timeLayout = time.RFC3339Nano

// WriteRun inserts a run. Writing the same id twice is a no-op.
func (s *Store) WriteRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, source, records)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.StartedAt.UTC().Format(timeLayout), r.Source, r.Records)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteEvent inserts a single event.
func (s *Store) WriteEvent(ctx context.Context, ev Event) error {
	return s.WriteEvents(ctx, []Event{ev})
}

// WriteEvents inserts events in one transaction. Duplicate (run, seq) pairs
// are ignored so a retried batch does not fail.
func (s *Store) WriteEvents(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(run_id, seq, kind, record, field, mask, value, severity, status, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evs {
		value, err := MarshalValue(ev.Value)
		if err != nil {
			return fmt.Errorf("write event %d: %w", ev.Seq, err)
		}
		kind := ev.Kind
		if kind == "" {
			kind = KindPost
		}
		sevr, stat := ev.Severity, ev.Status
		if sevr == "" {
			sevr = "NO_ALARM"
		}
		if stat == "" {
			stat = "NO_ALARM"
		}
		if _, err := stmt.ExecContext(ctx,
			ev.RunID, ev.Seq, kind, ev.Record, ev.Field, ev.Mask,
			string(value), sevr, stat, ev.Time.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("write event %d: %w", ev.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}
