package poller

import (
	"context"
	"io"
	"log"
	"time"
)

// Func is one refresh. Errors are logged and the next tick retries.
type Func func(ctx context.Context) error

// Poller runs a Func once on start and then on a fixed interval.
// No backoff: a failing endpoint is retried at the same cadence.
type Poller struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *log.Logger
	nudge    chan struct{}
}

func New(name string, interval time.Duration, fn Func, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Poller{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.once(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.once(ctx)
		case <-p.nudge:
			p.once(ctx)
		}
	}
}

// Nudge asks for an extra run as soon as possible. Nudges that arrive while
// one is already pending are coalesced.
func (p *Poller) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

func (p *Poller) once(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.fn(ctx); err != nil && ctx.Err() == nil {
		p.logger.Printf("%s: %v", p.name, err)
	}
}
