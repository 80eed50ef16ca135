package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// failureEscalation is the run of consecutive failures after which refresh
// errors are logged at Error instead of Warn.
const failureEscalation = 3

// ErrInvalidInterval is returned by Start for a non-positive interval.
var ErrInvalidInterval = errors.New("refresh interval must be positive")

// Refreshable re-runs its last guide load.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// Refresher calls a Refreshable on a fixed interval until stopped.
type Refresher struct {
	log      logrus.FieldLogger
	target   Refreshable
	interval time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
	last     time.Time
}

// NewRefresher creates a refresher for target.
func NewRefresher(log logrus.FieldLogger, target Refreshable, interval time.Duration) *Refresher {
	return &Refresher{
		log:      log.WithField("component", "refresher"),
		target:   target,
		interval: interval,
	}
}

// Start launches the refresh loop. Starting a running refresher does nothing.
func (r *Refresher) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return ErrInvalidInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go r.loop(loopCtx, done)

	r.log.WithField("every", r.interval).Info("Scheduled guide refresh")

	return nil
}

// Stop ends the loop, waiting for a refresh that is in progress.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	r.log.Debug("Guide refresh loop exited")

	return nil
}

// Failures returns the number of consecutive failed refreshes.
func (r *Refresher) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.failures
}

// LastRefresh returns when the last successful refresh finished.
func (r *Refresher) LastRefresh() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	started := time.Now()
	err := r.target.Refresh(ctx)

	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.failures = 0
		r.last = time.Now()
	}
	failures := r.failures
	r.mu.Unlock()

	log := r.log.WithField("took", time.Since(started).Round(time.Millisecond))

	switch {
	case err == nil:
		log.Debug("Guide refreshed")
	case failures >= failureEscalation:
		log.WithError(err).WithField("failures", failures).Error("Guide refresh keeps failing")
	default:
		log.WithError(err).Warn("Guide refresh failed")
	}
}
