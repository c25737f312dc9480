package liveness

import (
	"context"
	"log"
	"time"

	"github.com/kiosktv/backend/internal/config"
)

// HealthFunc answers whether the service is currently able to do its job.
type HealthFunc func(ctx context.Context) error

// StatusFunc renders the one-line status published alongside healthy pulses.
// Nil disables status updates.
type StatusFunc func() string

// Pulser drives the watchdog: a health probe per interval, a pulse per
// healthy probe. After maxFailures consecutive failed probes it stops pulsing
// for good and lets the process manager's deadline fire, which is the whole
// point: a wedged service must be restarted from outside, not vouched for.
type Pulser struct {
	notifier *Notifier
	health   HealthFunc
	status   StatusFunc

	interval      time.Duration
	healthTimeout time.Duration
	maxFailures   int
}

func NewPulser(cfg config.LivenessConfig, notifier *Notifier, health HealthFunc, status StatusFunc) *Pulser {
	interval := cfg.Interval
	if interval == 0 {
		if derived, ok := WatchdogInterval(); ok {
			interval = derived
		}
	}
	return &Pulser{
		notifier:      notifier,
		health:        health,
		status:        status,
		interval:      interval,
		healthTimeout: cfg.HealthTimeout,
		maxFailures:   cfg.MaxFailures,
	}
}

// Enabled reports whether there is anything to pulse: a notification socket
// and a usable interval.
func (p *Pulser) Enabled() bool {
	return p.notifier.Enabled() && p.interval > 0
}

// Run pulses until ctx is cancelled or the failure threshold is reached.
func (p *Pulser) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	log.Printf("liveness: pulsing every %s, cutoff after %d failed probes", p.interval, p.maxFailures)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if err := p.probe(ctx); err != nil {
				failures++
				log.Printf("liveness: health probe failed (%d/%d): %v", failures, p.maxFailures, err)
				if failures >= p.maxFailures {
					log.Printf("liveness: giving up on watchdog pulses, awaiting external restart")
					p.notifier.Status("unhealthy, watchdog pulses suspended")
					return
				}
				continue
			}

			failures = 0
			if err := p.notifier.Watchdog(); err != nil {
				log.Printf("liveness: watchdog pulse: %v", err)
			}
			if p.status != nil {
				if err := p.notifier.Status(p.status()); err != nil {
					log.Printf("liveness: status update: %v", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pulser) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()
	return p.health(probeCtx)
}
