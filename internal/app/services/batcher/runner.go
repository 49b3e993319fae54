package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/obscura-network/sip/internal/app/system"
	"github.com/obscura-network/sip/pkg/logger"
)

var _ system.Service = (*Runner)(nil)

// Runner drives the batch builder's background work: a flush loop that
// finalizes ready queues and a scheduled sweep that expires stale intents.
type Runner struct {
	service       *Service
	log           *logger.Logger
	flushInterval time.Duration
	sweepSchedule string

	mu      sync.Mutex
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a lifecycle-managed batch flusher. sweepSchedule takes
// cron syntax including "@every" descriptors.
func NewRunner(service *Service, flushInterval time.Duration, sweepSchedule string, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("batcher-runner")
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if sweepSchedule == "" {
		sweepSchedule = "@every 1m"
	}
	return &Runner{
		service:       service,
		log:           log,
		flushInterval: flushInterval,
		sweepSchedule: sweepSchedule,
	}
}

func (r *Runner) Name() string { return "batcher-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	c := cron.New()
	if _, err := c.AddFunc(r.sweepSchedule, func() { r.service.ExpireStale() }); err != nil {
		cancel()
		r.mu.Unlock()
		return err
	}
	c.Start()
	r.cron = c
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.service.Flush(runCtx)
			}
		}
	}()

	r.log.Info("batcher runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	c := r.cron
	r.running = false
	r.cancel = nil
	r.cron = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
