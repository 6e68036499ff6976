package outbox

import (
	"context"
	"sync"

	"orderflow/config"
	"orderflow/internal/broker"
	"orderflow/internal/repository"
	"orderflow/pkg/logger"
)

// Runner owns the drain loop goroutine for one process.
type Runner struct {
	processor *Processor
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor}
}

func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processor.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight row to settle, or until
// ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessorFromConfig builds a processor from the process configuration.
func ProcessorFromConfig(cfg *config.Config, repo repository.OutboxRepository, publisher broker.Publisher, l *logger.Logger) *Processor {
	return NewProcessor(repo, publisher, Config{
		Owner:          cfg.ServiceName + "/" + cfg.InstanceID,
		BatchSize:      cfg.Outbox.BatchSize,
		Interval:       cfg.Outbox.PollInterval,
		MaxRetries:     cfg.Outbox.MaxRetries,
		ClaimTTL:       cfg.Outbox.ClaimTTL,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		Retry: RetryPolicy{
			Base:        cfg.Outbox.BackoffBase,
			NoRouteBase: cfg.Outbox.NoRouteBackoffBase,
			Max:         cfg.Outbox.MaxBackoff,
		},
	}, l)
}
