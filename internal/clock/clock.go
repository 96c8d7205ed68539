// Package clock abstracts wall-clock time and tickers so the interval-based
// polling and sweep loops can be driven deterministically in tests.
package clock

import "time"

type (
	// Clock supplies the current time and interval tickers.
	Clock interface {
		Now() time.Time
		NewTicker(d time.Duration) Ticker
	}

	// Ticker is the minimal surface of time.Ticker the loops need.
	Ticker interface {
		C() <-chan time.Time
		Stop()
	}

	// System is the real wall clock.
	System struct{}

	systemTicker struct {
		ticker *time.Ticker
	}
)

// Now returns the current wall-clock time.
func (System) Now() time.Time {
	return time.Now()
}

// NewTicker returns a ticker backed by time.Ticker.
func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{ticker: time.NewTicker(d)}
}

func (t *systemTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *systemTicker) Stop() {
	t.ticker.Stop()
}
