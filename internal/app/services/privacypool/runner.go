package privacypool

import (
	"context"
	"sync"
	"time"

	"github.com/obscura-network/sip/internal/app/system"
	"github.com/obscura-network/sip/pkg/logger"
)

var _ system.Service = (*Runner)(nil)

// Runner periodically executes due mixing batches so claims are released
// within MaxBatchWait of their scheduled time even when no new claims
// arrive.
type Runner struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a lifecycle-managed claim executor.
func NewRunner(service *Service, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("privacypool-runner")
	}
	return &Runner{
		service:  service,
		log:      log,
		interval: service.cfg.MaxBatchWait,
	}
}

func (r *Runner) Name() string { return "privacypool-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.service.ExecuteBatch(runCtx); err != nil {
					r.log.WithError(err).Warn("scheduled batch execution failed")
				}
			}
		}
	}()

	r.log.Info("privacy pool runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
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
