package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestRun writes a run and returns its id.
func createTestRun(t *testing.T, s *Store, id string) string {
	t.Helper()
	require.NoError(t, s.WriteRun(context.Background(), Run{ID: id, StartedAt: epoch, Source: "db", Records: 2}))
	return id
}

func post(run string, seq int64, record, field string, value any) Event {
	return Event{
		RunID:  run,
		Seq:    seq,
		Kind:   KindPost,
		Record: record,
		Field:  field,
		Mask:   "VALUE|LOG",
		Value:  value,
		Time:   epoch.Add(time.Duration(seq) * time.Millisecond),
	}
}
