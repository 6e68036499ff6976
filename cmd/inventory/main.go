// Command inventory reserves stock for placed orders and publishes the
// outcome through its own outbox drain loop.
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
	"orderflow/internal/server"
	"orderflow/internal/services"
	"orderflow/pkg/database"

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

	fail := func(msg string, err error) {
		l.Error(msg, zap.Error(err))
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := container.Migrate(); err != nil {
		fail("schema migration failed", err)
	}

	inventory := services.NewInventoryService(container.UnitOfWork(), container.Deduplicator("inventory"), l)

	if cfg.Database.Driver == config.DriverMemory {
		for sku, qty := range database.DefaultSeedConfig().Stock {
			if _, err := inventory.Restock(ctx, sku, qty); err != nil {
				fail("seed in-memory stock failed", err)
			}
		}
	}

	spec := container.QueueSpec("inventory.order-events", []string{events.EventTypeOrderPlaced})
	consumer, err := container.NewConsumer(spec)
	if err != nil {
		fail("consumer setup failed", err)
	}

	// Health and metrics only.
	srv := server.New(cfg, l)
	srv.SetupRoutes(server.Handlers{}, server.RouteOptions{Health: container.HealthChecks()})

	g, gctx := errgroup.WithContext(ctx)
	app.RunDrain(gctx, g, container)
	app.Consume(gctx, g, container, spec.Name, consumer, broker.FilterBindings(spec.Bindings, inventory.HandleOrderEvent))
	g.Go(func() error { return srv.Start(gctx, cfg.Outbox.ShutdownGrace) })

	l.Info("inventory service started",
		zap.String("port", cfg.AppPort),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("queue", spec.Name),
	)

	runErr := g.Wait()
	if err := container.Shutdown(context.Background()); err != nil {
		l.Warn("shutdown finished with errors", zap.Error(err))
	}
	if runErr != nil {
		log.Fatalf("inventory service stopped: %v", runErr)
	}
}
