package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// DomainSource lists the domains a sweep covers
type DomainSource interface {
	ListActiveDomains() ([]*types.Domain, error)
}

// Checker reconciles one domain
type Checker interface {
	CheckDomain(ctx context.Context, domain *types.Domain) *types.DomainReport
}

// Config controls the sweep loop
type Config struct {
	// Interval between sweep ticks; zero disables the loop
	Interval time.Duration
	// MaxConcurrent bounds the domains reconciled at once
	MaxConcurrent int
	// Publisher receives sweep start and completion events (optional)
	Publisher events.Publisher
}

// Scheduler runs periodic and on-demand reconciliation sweeps
type Scheduler struct {
	domains       DomainSource
	checker       Checker
	publisher     events.Publisher
	interval      time.Duration
	maxConcurrent int

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	inFlight atomic.Bool
	logger   zerolog.Logger

	// mu orders sweeps.Add against Stop's Wait
	mu      sync.Mutex
	stopped bool
	sweeps  sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(domains DomainSource, checker Checker, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		domains:       domains,
		checker:       checker,
		publisher:     cfg.Publisher,
		interval:      cfg.Interval,
		maxConcurrent: cfg.MaxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("scheduler"),
	}
}

// Enabled reports whether the periodic loop runs
func (s *Scheduler) Enabled() bool {
	return s.interval > 0
}

// Start begins the sweep loop. With a zero interval sweeps only run on
// demand.
func (s *Scheduler) Start() {
	if !s.Enabled() {
		s.logger.Info().Msg("sweep interval is zero, periodic sweeps disabled")
		return
	}
	s.logger.Info().Dur("interval", s.interval).Int("max_concurrent", s.maxConcurrent).Msg("scheduler started")
	go s.run()
}

// Stop ends the loop, cancels in-flight checks and waits for running
// sweeps to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
		s.cancel()
	}
	s.mu.Unlock()
	s.sweeps.Wait()
}

// InFlight reports whether a sweep is running
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep starts a sweep over every active domain and returns without
// waiting for it. It returns false when a sweep is already in flight.
func (s *Scheduler) Sweep() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.SweepsSkipped.Inc()
		s.logger.Warn().Msg("previous sweep still running, skipping tick")
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.inFlight.Store(false)
		return false
	}
	s.sweeps.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sweeps.Done()
		defer s.inFlight.Store(false)
		if _, err := s.sweep(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	}()
	return true
}

// RunOnce runs a sweep and waits for every domain to finish. It returns
// the number of domains checked.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.SweepsSkipped.Inc()
		return 0, fmt.Errorf("a sweep is already running")
	}
	defer s.inFlight.Store(false)
	return s.sweep(ctx)
}

// CheckOne reconciles a single domain and waits for the report
func (s *Scheduler) CheckOne(ctx context.Context, domain *types.Domain) *types.DomainReport {
	return s.checker.CheckDomain(ctx, domain)
}

func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	domains, err := s.domains.ListActiveDomains()
	if err != nil {
		return 0, fmt.Errorf("failed to list active domains: %w", err)
	}

	timer := metrics.NewTimer()
	metrics.SweepsTotal.Inc()
	s.publish(events.EventSweepStarted, fmt.Sprintf("sweep started for %d domains", len(domains)), nil)
	s.logger.Info().Int("domains", len(domains)).Msg("sweep started")

	var failed atomic.Int32
	p := pool.New().WithMaxGoroutines(s.maxConcurrent)
	for _, domain := range domains {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if !s.checkDomain(ctx, domain) {
				failed.Add(1)
			}
		})
	}
	p.Wait()

	timer.ObserveDuration(metrics.SweepDuration)
	s.publish(events.EventSweepCompleted, fmt.Sprintf("sweep finished for %d domains", len(domains)), map[string]string{
		"domains": fmt.Sprint(len(domains)),
		"failed":  fmt.Sprint(failed.Load()),
	})
	s.logger.Info().
		Int("domains", len(domains)).
		Int32("failed", failed.Load()).
		Dur("duration", timer.Duration()).
		Msg("sweep finished")

	return len(domains), ctx.Err()
}

// checkDomain reconciles one domain, keeping a panic from reaching the
// sweep
func (s *Scheduler) checkDomain(ctx context.Context, domain *types.Domain) bool {
	var report *types.DomainReport
	var pc panics.Catcher
	pc.Try(func() {
		report = s.checker.CheckDomain(ctx, domain)
	})
	if r := pc.Recovered(); r != nil {
		logger := log.WithDomain(domain.Name)
		logger.Error().Err(r.AsError()).Str("component", "scheduler").Msg("domain reconciliation panicked")
		return false
	}
	return report != nil && report.Success()
}

func (s *Scheduler) publish(typ events.EventType, msg string, meta map[string]string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(&events.Event{Type: typ, Message: msg, Metadata: meta})
}
