// Package poller runs poll sources on a fixed interval.
package poller

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Source is one unit of polling work. An error is logged and the loop continues.
type Source struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Poller calls its sources one after another, then sleeps for the interval.
type Poller struct {
	interval time.Duration
	sources  []Source
	logger   *slog.Logger
}

// New creates a Poller. A non-positive interval defaults to 30s.
func New(interval time.Duration, logger *slog.Logger, sources ...Source) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{interval: interval, sources: sources, logger: logger}
}

// Add appends a source. It must be called before Run.
func (p *Poller) Add(s Source) { p.sources = append(p.sources, s) }

// Run polls until ctx is cancelled. Cancellation is checked between cycles
// and between sources, never in the middle of a source call.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.sources) == 0 {
		<-ctx.Done()
		return nil
	}
	p.logger.Info("poller: started", slog.Duration("interval", p.interval), slog.Int("sources", len(p.sources)))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller: stopped")
			return nil
		case <-timer.C:
		}
		p.Cycle(ctx)
		timer.Reset(p.interval)
	}
}

// Cycle runs every source once.
func (p *Poller) Cycle(ctx context.Context) {
	for _, s := range p.sources {
		if ctx.Err() != nil {
			return
		}
		if err := s.Fn(ctx); err != nil {
			p.logger.Warn("poller: source failed", slog.String("source", s.Name), slog.String("error", err.Error()))
		}
	}
}
