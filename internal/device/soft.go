package device

import (
	"fmt"
	"time"
)

// Soft writes the record's OVAL to its OUT link synchronously.
type Soft struct{}

func (s *Soft) InitRecord(Target) error { return nil }

func (s *Soft) Process(t Target) (Result, error) {
	return Complete, writeOut(t)
}

func writeOut(t Target) error {
	out := t.Link("OUT")
	if !out.Defined() {
		return nil
	}
	v, err := t.Value("OVAL")
	if err != nil {
		return err
	}
	if err := out.Put(v); err != nil {
		return fmt.Errorf("write %s: %w", out.Text(), err)
	}
	return nil
}

// AsyncSoft writes like Soft, then reports completion after Latency on the
// timer service.
type AsyncSoft struct {
	Latency time.Duration
}

func (s *AsyncSoft) InitRecord(Target) error { return nil }

func (s *AsyncSoft) Process(t Target) (Result, error) {
	if err := writeOut(t); err != nil {
		return Complete, err
	}
	t.Scheduler().ScheduleOnce(s.Latency, t.Complete)
	return Pending, nil
}
