package uwb

import (
	"context"
	"sync"
	"time"
)

// Epoch describes one superframe slot as seen by the pipeline.
type Epoch struct {
	Seq      uint64 // monotonically increasing, no gaps
	Start    time.Time
	Interval time.Duration // cadence in force for this epoch
	Burst    bool          // true inside a high-precision window
}

// SchedulerConfig holds the two cadences. Zero values fall back to the
// protocol constants.
type SchedulerConfig struct {
	Superframe      time.Duration
	BurstSuperframe time.Duration
}

// DefaultSchedulerConfig returns the protocol cadences.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Superframe:      SuperframeMS * time.Millisecond,
		BurstSuperframe: BurstSuperframeMS * time.Millisecond,
	}
}

// EpochScheduler drives the fixed-cadence fusion loop. It is the single
// serialization point of the pipeline: the tick callback runs
// synchronously, so epoch N+1 never starts before epoch N's handling
// returns. Burst windows switch the cadence at the next epoch boundary,
// keeping epoch numbering continuous across the switch.
type EpochScheduler struct {
	cfg SchedulerConfig

	mu         sync.Mutex
	burst      bool
	burstUntil time.Time // zero means indefinite while burst is set
	epoch      uint64
}

// NewEpochScheduler creates a scheduler with the given cadences.
func NewEpochScheduler(cfg SchedulerConfig) *EpochScheduler {
	if cfg.Superframe <= 0 {
		cfg.Superframe = SuperframeMS * time.Millisecond
	}
	if cfg.BurstSuperframe <= 0 {
		cfg.BurstSuperframe = BurstSuperframeMS * time.Millisecond
	}
	return &EpochScheduler{cfg: cfg}
}

// SetBurst enables or disables the burst cadence starting at the next
// epoch boundary.
func (s *EpochScheduler) SetBurst(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burst = on
	s.burstUntil = time.Time{}
}

// BurstWindow enables the burst cadence until the given instant, e.g.
// from T-1:00 through the gun.
func (s *EpochScheduler) BurstWindow(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burst = true
	s.burstUntil = until
}

// EpochSeq returns the sequence number of the most recent epoch.
func (s *EpochScheduler) EpochSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// interval returns the cadence for the next epoch, expiring a bounded
// burst window if its deadline passed.
func (s *EpochScheduler) interval(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.burst && !s.burstUntil.IsZero() && now.After(s.burstUntil) {
		s.burst = false
	}
	if s.burst {
		return s.cfg.BurstSuperframe, true
	}
	return s.cfg.Superframe, false
}

// Run drives the epoch loop until the context is cancelled. The tick
// callback receives every epoch exactly once, in order.
func (s *EpochScheduler) Run(ctx context.Context, tick func(Epoch)) error {
	interval, burst := s.interval(time.Now())
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case start := <-timer.C:
			s.mu.Lock()
			s.epoch++
			seq := s.epoch
			s.mu.Unlock()

			tick(Epoch{Seq: seq, Start: start, Interval: interval, Burst: burst})

			interval, burst = s.interval(time.Now())
			timer.Reset(interval)
		}
	}
}
