package app

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/broker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Consume runs consumer until ctx is done. A consumer that stops on its own
// (for example because the broker closed the channel) fails the group so the
// process exits and gets restarted.
func Consume(ctx context.Context, g *errgroup.Group, c *Container, name string, consumer broker.Consumer, handler broker.Handler) {
	g.Go(func() error {
		err := consumer.Run(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("stopped unexpectedly")
		}
		c.Logger().Error("consumer stopped", zap.String("consumer", name), zap.Error(err))
		return fmt.Errorf("consumer %s: %w", name, err)
	})
}

// RunDrain starts the outbox drain loop and stops it within the configured
// grace period once ctx is done.
func RunDrain(ctx context.Context, g *errgroup.Group, c *Container) {
	runner := c.OutboxRunner()
	runner.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), c.Config().Outbox.ShutdownGrace)
		defer cancel()
		if err := runner.Stop(stopCtx); err != nil {
			c.Logger().Warn("drain loop did not stop within grace period", zap.Error(err))
		}
		return nil
	})
}
