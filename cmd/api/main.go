// Command api serves the order HTTP API, drains the outbox and settles orders
// from inventory events.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"orderflow/config"
	"orderflow/internal/app"
	"orderflow/internal/broker"
	"orderflow/internal/events"
	"orderflow/internal/handler"
	"orderflow/internal/server"
	"orderflow/internal/services"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	l := container.Logger()

	if err := container.Migrate(); err != nil {
		l.Error("schema migration failed", zap.Error(err))
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}

	repos := container.Repositories()
	orders := services.NewOrderService(container.UnitOfWork(), repos.Orders, container.Deduplicator("orders"), l)
	admin := services.NewOutboxAdminService(container.UnitOfWork(), repos.Outbox, cfg.Outbox.MaxRetries, l)
	auth := services.NewAuthService(cfg.AdminJWTSecret)

	spec := container.QueueSpec("orders.inventory-events", []string{"inventory.*"})
	consumer, err := container.NewConsumer(spec)
	if err != nil {
		l.Error("consumer setup failed", zap.Error(err))
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}

	srv := server.New(cfg, l)
	opts := server.RouteOptions{Auth: auth, Health: container.HealthChecks()}
	if limiter := container.RateLimiter(); limiter != nil {
		opts.OrderLimiter = limiter
	}
	srv.SetupRoutes(server.Handlers{
		Orders: handler.NewOrderHandler(orders),
		Outbox: handler.NewOutboxHandler(admin),
	}, opts)

	g, gctx := errgroup.WithContext(ctx)
	app.RunDrain(gctx, g, container)
	app.Consume(gctx, g, container, spec.Name, consumer, broker.FilterBindings(spec.Bindings, orders.HandleInventoryEvent))
	g.Go(func() error { return srv.Start(gctx, cfg.Outbox.ShutdownGrace) })

	l.Info("order service started",
		zap.String("port", cfg.AppPort),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("queue", spec.Name),
		zap.Strings("subscribes", []string{events.EventTypeInventoryReserved, events.EventTypeInventoryInsufficient}),
	)

	runErr := g.Wait()
	if err := container.Shutdown(context.Background()); err != nil {
		l.Warn("shutdown finished with errors", zap.Error(err))
	}
	if runErr != nil {
		log.Fatalf("order service stopped: %v", runErr)
	}
}
