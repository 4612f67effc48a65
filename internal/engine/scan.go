package engine

import (
	"context"
	"time"
)

// scan processes the records of one periodic rate on every tick. A pass
// that outlasts the period delays the next tick rather than overlapping it.
func (e *Engine) scan(ctx context.Context, period time.Duration) error {
	t := e.clk.Ticker(period)
	defer t.Stop()

	e.logger.Debug("scanner starting", "period", period)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.db.Scan(period)
		}
	}
}
