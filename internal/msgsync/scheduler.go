package msgsync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tehmaze/x84/internal/logging"
)

// Scheduler runs SyncAll on a cron schedule. A run still in progress when
// the next one is due causes that one to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler schedules client on spec, e.g. "@every 5m". Each run is
// bounded by timeout per peer.
func NewScheduler(spec string, client *Client, timeout time.Duration) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cronLog := logging.CronLogger{Module: "msgsync"}
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		ctx:    ctx,
		cancel: cancel,
	}
	_, err := s.cron.AddFunc(spec, func() {
		runCtx := s.ctx
		if timeout > 0 {
			var done context.CancelFunc
			runCtx, done = context.WithTimeout(s.ctx, timeout*time.Duration(max(len(client.Peers()), 1)))
			defer done()
		}
		client.SyncAll(runCtx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("msgnet schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels a running exchange and waits for it to return or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
