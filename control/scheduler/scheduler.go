// Package scheduler runs the clock: one loop keeps the display refreshed once a second, and
// another periodically works out the UTC offset again.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jrockway/segment-clock/control/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// Period is how often the display is refreshed.
	Period = time.Second
	// DefaultResyncInterval is how long to wait between offset lookups.
	DefaultResyncInterval = 10 * time.Minute
	// DefaultResyncTimeout bounds one offset lookup.
	DefaultResyncTimeout = time.Minute
)

var (
	refreshOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refresh_overruns",
		Help: "count of display refreshes that took longer than the refresh period",
	})
	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refresh_duration_seconds",
		Help:    "time spent formatting and drawing the time, per refresh",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	resyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resync_attempts",
		Help: "count of attempts to work out the utc offset, by result",
	}, []string{"result"})
)

// Writer draws text on a display.  *display.Display is one.
type Writer interface {
	Write(ctx context.Context, text string) error
}

// TimeChecker makes sure the system clock is right.  Wrap (*chrony.Checker).Check in a
// CheckerFunc to use chronyd.
type TimeChecker interface {
	CheckTime(ctx context.Context) error
}

// CheckerFunc adapts a function to TimeChecker.
type CheckerFunc func(ctx context.Context) error

// CheckTime implements TimeChecker.
func (f CheckerFunc) CheckTime(ctx context.Context) error { return f(ctx) }

// Opts configures a Scheduler.
type Opts struct {
	ResyncInterval time.Duration // DefaultResyncInterval if zero
	ResyncTimeout  time.Duration // DefaultResyncTimeout if zero
	// TimeChecker, if set, runs before each resync.  Its errors are logged and otherwise
	// ignored.
	TimeChecker TimeChecker
}

// Scheduler owns the display and the clock.
type Scheduler struct {
	display Writer
	clock   *clock.Clock
	opts    Opts

	// after is time.After, replaceable for tests.
	after func(time.Duration) <-chan time.Time
}

// New returns a Scheduler for d and c.
func New(d Writer, c *clock.Clock, opts *Opts) *Scheduler {
	s := &Scheduler{display: d, clock: c, after: time.After}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.ResyncInterval <= 0 {
		s.opts.ResyncInterval = DefaultResyncInterval
	}
	if s.opts.ResyncTimeout <= 0 {
		s.opts.ResyncTimeout = DefaultResyncTimeout
	}
	return s
}

// Format renders t as the display wants it: "HH:MMSS", with the colon becoming the indicator next
// to the first digit.
func Format(t time.Time) string {
	return t.Format("15:0405")
}

// NextDelay returns how long to wait after a refresh that took elapsed, so that refreshes happen
// once per Period.  A refresh that overran gets no delay, not a negative one.
func NextDelay(elapsed time.Duration) time.Duration {
	if d := Period - elapsed; d > 0 {
		return d
	}
	return 0
}

// Run runs both loops until the context is cancelled or the display can't be drawn.  Resync
// failures never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.resyncLoop(ctx) })
	eg.Go(func() error { return s.refreshLoop(ctx) })
	return eg.Wait()
}

// Resync checks the system clock and then recomputes the offset once.  The error is returned for
// the benefit of tests; the loop only logs it.
func (s *Scheduler) Resync(ctx context.Context, tr trace.EventLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ResyncTimeout)
	defer cancel()

	if s.opts.TimeChecker != nil {
		start := time.Now()
		if err := s.opts.TimeChecker.CheckTime(ctx); err != nil {
			tr.Errorf("check system time: %v", err)
			log.Printf("check system time: %v", err)
		} else {
			tr.Printf("system time ok; took %v", time.Since(start))
		}
	}

	before := s.clock.Offset()
	offset, err := s.clock.Sync(ctx)
	if err != nil {
		resyncAttempts.WithLabelValues("error").Inc()
		tr.Errorf("sync: %v (keeping offset %d)", err, before)
		return fmt.Errorf("sync: %w", err)
	}
	resyncAttempts.WithLabelValues("ok").Inc()
	tr.Printf("offset is %d minutes", offset)
	if offset != before {
		log.Printf("updated utc offset from %d to %d minutes", before, offset)
	}
	return nil
}

func (s *Scheduler) resyncLoop(ctx context.Context) error {
	tr := trace.NewEventLog("service", "resync")
	defer tr.Finish()
	for {
		if err := s.Resync(ctx, tr); err != nil {
			log.Printf("failed sync: %v", err)
		}
		select {
		case <-s.after(s.opts.ResyncInterval):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next resync: %w", ctx.Err())
		}
	}
}

// Refresh draws the current local time once and returns how long it took.
func (s *Scheduler) Refresh(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	text := Format(s.clock.Local())
	if err := s.display.Write(ctx, text); err != nil {
		return time.Since(start), fmt.Errorf("write %q: %w", text, err)
	}
	elapsed := time.Since(start)
	refreshDuration.Observe(elapsed.Seconds())
	return elapsed, nil
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	for {
		elapsed, err := s.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if elapsed > Period {
			refreshOverruns.Inc()
		}
		select {
		case <-s.after(NextDelay(elapsed)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next refresh: %w", ctx.Err())
		}
	}
}
