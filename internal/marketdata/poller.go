package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/automatetrade/execution-engine/internal/model"
)

// QuoteSource is the polling half of the brokerage gateway.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbols []string) ([]model.Tick, error)
}

// Poller publishes polled quotes for a dynamic symbol set on a fixed interval.
type Poller struct {
	src      QuoteSource
	hub      *Hub
	symbols  func() []string
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a poller. symbols is evaluated on every poll.
func NewPoller(src QuoteSource, hub *Hub, symbols func() []string, interval, timeout time.Duration) *Poller {
	return &Poller{src: src, hub: hub, symbols: symbols, interval: interval, timeout: timeout}
}

// Run polls until ctx is done. Poll failures are logged and retried on the
// next interval.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches and publishes one round of quotes.
func (p *Poller) PollOnce(ctx context.Context) int {
	syms := p.symbols()
	if len(syms) == 0 {
		return 0
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticks, err := p.src.GetQuote(cctx, syms)
	if err != nil {
		slog.Warn("quote poll failed", "symbols", len(syms), "err", err)
		return 0
	}
	n := 0
	for _, t := range ticks {
		if t.Symbol == "" || !t.Last.IsPositive() {
			continue
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now().UTC()
		}
		if prev, ok := p.hub.Latest(t.Symbol); ok && !t.Timestamp.After(prev.Timestamp) {
			continue // unchanged quote
		}
		p.hub.Publish(t)
		n++
	}
	return n
}
