package engine

import "sync/atomic"

// Sequence is the logical clock of the event log. Every stored event is
// stamped with a strictly increasing seq, so that the log orders events by
// emission rather than by wall time.
//
// Sequence is safe for concurrent use, although only the engine's event
// writer normally calls Next.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence whose next value is start+1.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next increments the sequence and returns the new value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
