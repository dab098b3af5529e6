package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "epdframe/internal/log"
)

// cycleTimeout bounds one scheduled cycle, including a slow panel refresh
// and a headless browser capture.
const cycleTimeout = 5 * time.Minute

// Scheduler triggers Runner.Cycle on a cron spec.
type Scheduler struct {
	cron *cron.Cron
	spec string
}

// cronLogger routes cron's own messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

// NewScheduler validates spec and binds it to r. A spec of "off" yields a
// scheduler that never fires.
func NewScheduler(ctx context.Context, spec string, r *Runner) (*Scheduler, error) {
	s := &Scheduler{spec: strings.TrimSpace(spec)}
	if strings.EqualFold(s.spec, "off") {
		return s, nil
	}

	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	_, err := c.AddFunc(s.spec, func() {
		cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		if _, err := r.Cycle(cctx); err != nil && !errors.Is(err, ErrNoInstances) {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: schedule %q: %w", spec, err)
	}
	s.cron = c
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	if s.cron == nil {
		appLog.Info("scheduled refresh disabled")
		return
	}
	s.cron.Start()
	appLog.Info("scheduled refresh started", "spec", s.spec, "next", s.Next().Format(time.RFC3339))
}

// Stop halts the schedule and waits for a running cycle to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next planned run, or the zero time when disabled or
// not started.
func (s *Scheduler) Next() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
