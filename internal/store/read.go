package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoRuns is returned by LatestRun on an empty log.
var ErrNoRuns = errors.New("no runs recorded")

// Query selects events of one run. Zero fields do not filter.
type Query struct {
	RunID    string
	Record   string
	Field    string
	AfterSeq int64
	Limit    int
}

// ReadRuns returns every run, oldest first.
func (s *Store) ReadRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, source, records
		FROM runs
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, source, records
		FROM runs
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT 1
	`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	return r, err
}

// ReadEvents returns the events matching q in seq order. It returns an
// empty slice, not nil, when nothing matches.
func (s *Store) ReadEvents(ctx context.Context, q Query) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Record != "" {
		where = append(where, "record = ?")
		args = append(args, q.Record)
	}
	if q.Field != "" {
		where = append(where, "field = ?")
		args = append(args, q.Field)
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}

	query := `SELECT run_id, seq, kind, record, field, mask, value, severity, status, time FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC, run_id COLLATE BINARY ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r       Run
		started string
	)
	if err := row.Scan(&r.ID, &started, &r.Source, &r.Records); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %s: %w", r.ID, err)
	}
	r.StartedAt = t
	return r, nil
}

func scanEvent(row scanner) (Event, error) {
	var (
		ev    Event
		value string
		stamp string
	)
	if err := row.Scan(&ev.RunID, &ev.Seq, &ev.Kind, &ev.Record, &ev.Field, &ev.Mask,
		&value, &ev.Severity, &ev.Status, &stamp); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	v, err := UnmarshalValue(value)
	if err != nil {
		return Event{}, fmt.Errorf("scan event %d: %w", ev.Seq, err)
	}
	ev.Value = v
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return Event{}, fmt.Errorf("scan event %d: %w", ev.Seq, err)
	}
	ev.Time = t
	return ev, nil
}
