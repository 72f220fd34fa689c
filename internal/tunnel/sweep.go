package tunnel

import "time"

// SweepScheduler periodically invokes Registry.Sweep, per SPEC_FULL.md
// section 4.7. It is itself a ShutdownHelper-managed goroutine so it can be
// registered as a shutdown child of the owning server.
type SweepScheduler struct {
	ShutdownHelper

	registry *Registry
	clock    Clock
	interval time.Duration
	metrics  *Metrics
}

// NewSweepScheduler builds a SweepScheduler.
func NewSweepScheduler(logger Logger, registry *Registry, clock Clock, interval time.Duration, metrics *Metrics) *SweepScheduler {
	s := &SweepScheduler{registry: registry, clock: clock, interval: interval, metrics: metrics}
	s.InitShutdownHelper(logger, s)
	return s
}

// HandleOnceShutdown is a no-op; the sweep loop exits on its own once
// ShutdownHandlerDoneChan is closed.
func (s *SweepScheduler) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Run starts the periodic sweep loop.
func (s *SweepScheduler) Run() error {
	return s.DoOnceActivate(func() error {
		s.ShutdownWG().Add(1)
		go s.loop()
		return nil
	}, true)
}

func (s *SweepScheduler) loop() {
	defer s.ShutdownWG().Done()
	if s.interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			evicted := s.registry.Sweep(s.clock.Now())
			if s.metrics != nil && evicted > 0 {
				for i := 0; i < evicted; i++ {
					s.metrics.SweepEvictions.Inc()
				}
			}
		case <-s.ShutdownHandlerDoneChan():
			return
		}
	}
}
