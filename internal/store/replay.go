package store

import (
	"context"
	"fmt"
	"sort"
)

// FieldState is the last logged value of one field.
type FieldState struct {
	Record   string
	Field    string
	Value    any
	Severity string
	Status   string
	Seq      int64
}

// RunState is a run's field values rebuilt by replaying its post events.
type RunState struct {
	RunID    string
	LastSeq  int64
	Events   int
	Forwards int
	Fields   []FieldState
}

// GetRunState replays the posts of runID up to and including uptoSeq and
// returns the last value of every field that was posted. A uptoSeq of zero
// replays the whole run. Fields are sorted by record then field.
func (s *Store) GetRunState(ctx context.Context, runID string, uptoSeq int64) (RunState, error) {
	state := RunState{RunID: runID}
	events, err := s.ReadEvents(ctx, Query{RunID: runID})
	if err != nil {
		return state, fmt.Errorf("get run state: %w", err)
	}

	latest := make(map[[2]string]FieldState)
	for _, ev := range events {
		if uptoSeq > 0 && ev.Seq > uptoSeq {
			break
		}
		state.Events++
		state.LastSeq = ev.Seq
		if ev.Kind == KindForward {
			state.Forwards++
			continue
		}
		latest[[2]string{ev.Record, ev.Field}] = FieldState{
			Record:   ev.Record,
			Field:    ev.Field,
			Value:    ev.Value,
			Severity: ev.Severity,
			Status:   ev.Status,
			Seq:      ev.Seq,
		}
	}

	state.Fields = make([]FieldState, 0, len(latest))
	for _, fs := range latest {
		state.Fields = append(state.Fields, fs)
	}
	sort.Slice(state.Fields, func(i, j int) bool {
		a, b := state.Fields[i], state.Fields[j]
		if a.Record != b.Record {
			return a.Record < b.Record
		}
		return a.Field < b.Field
	})
	return state, nil
}
