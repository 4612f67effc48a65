// Package testutil holds deterministic stand-ins shared by tests and the
// scenario harness.
package testutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the start time of every clock made by NewMockClock.
var Epoch = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

// NewMockClock returns a mock clock set to Epoch. Timers only fire when the
// clock is advanced with Add or Set.
func NewMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}

// Elapsed reports how far c has moved past Epoch.
func Elapsed(c clock.Clock) time.Duration {
	return c.Now().Sub(Epoch)
}
