// Package app assembles the shared infrastructure of the orderflow processes:
// storage, deduplication, broker publisher and consumers, drain loop and
// telemetry.
package app

import (
	"context"
	"errors"
	"fmt"

	"orderflow/config"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/observability"
	"orderflow/internal/outbox"
	"orderflow/internal/redis"
	"orderflow/internal/repository"
	"orderflow/internal/repository/memory"
	"orderflow/internal/services"
	"orderflow/pkg/database"
	"orderflow/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Container holds the long lived resources of one process. Resources are
// released in reverse order of creation by Shutdown.
type Container struct {
	cfg    *config.Config
	logger *logger.Logger

	db       *gorm.DB
	memStore *memory.Store
	uow      repository.UnitOfWork
	repos    repository.Repositories

	redis     *goredis.Client
	amqpConn  *amqp.Connection
	publisher broker.Publisher

	shutdowns []func(context.Context) error
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{cfg: cfg}

	if err := c.setupObservability(ctx); err != nil {
		return nil, err
	}
	metrics.Register()

	steps := []func(context.Context) error{
		c.setupStorage,
		c.setupRedis,
		c.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = c.Shutdown(context.Background())
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) onShutdown(fn func(context.Context) error) {
	c.shutdowns = append(c.shutdowns, fn)
}

func (c *Container) setupObservability(ctx context.Context) error {
	lp, shutdown, err := observability.Setup(ctx, observability.Config{
		ServiceName: c.cfg.ServiceName,
		Endpoint:    c.cfg.OtelEndpoint,
		Insecure:    c.cfg.OtelInsecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	c.onShutdown(shutdown)

	if lp != nil {
		c.logger = logger.NewWithExport(c.cfg.ServiceName, lp)
	} else {
		c.logger = logger.New(c.cfg.AppMode)
	}
	c.logger = c.logger.With(zap.String("instance_id", c.cfg.InstanceID))
	logger.SetGlobalLogger(c.logger)
	c.onShutdown(func(context.Context) error {
		_ = c.logger.Sync()
		return nil
	})
	return nil
}

func (c *Container) setupStorage(ctx context.Context) error {
	if c.cfg.Database.Driver == config.DriverMemory {
		c.memStore = memory.NewStore()
		c.uow = c.memStore
		c.repos = c.memStore.Repositories()
		c.logger.Warn("using in-memory storage; state is lost on exit")
		return nil
	}

	db, err := database.Connect(ctx, c.cfg.Database, c.cfg.AppMode != "release")
	if err != nil {
		return err
	}
	c.db = db
	c.uow = repository.NewUnitOfWork(db)
	c.repos = repository.NewRepositories(db)
	c.onShutdown(func(context.Context) error { return database.Close(db) })
	c.logger.Info("database connected", zap.String("host", c.cfg.Database.Host), zap.String("name", c.cfg.Database.Name))
	return nil
}

// setupRedis connects Redis unless running fully in memory.
func (c *Container) setupRedis(ctx context.Context) error {
	if c.cfg.Database.Driver == config.DriverMemory {
		return nil
	}
	client, err := redis.Connect(ctx, redis.Config{
		Host:     c.cfg.Redis.Host,
		Port:     c.cfg.Redis.Port,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	c.redis = client
	c.onShutdown(func(context.Context) error { return client.Close() })
	return nil
}

func (c *Container) setupPublisher(context.Context) error {
	switch c.cfg.Broker.Kind {
	case config.BrokerKafka:
		c.publisher = broker.NewKafkaPublisher(broker.KafkaConfig{
			Brokers: c.cfg.Broker.KafkaBrokers,
			Topic:   c.cfg.Broker.KafkaTopic,
		}, c.logger)
	default:
		conn, err := broker.Dial(c.cfg.Broker.AMQPURL)
		if err != nil {
			return err
		}
		c.amqpConn = conn
		c.onShutdown(func(context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			return conn.Close()
		})

		pub, err := broker.NewRabbitPublisher(conn, broker.RabbitConfig{
			Exchange:       c.cfg.Broker.Exchange,
			ConfirmTimeout: c.cfg.Broker.ConfirmTimeout,
			ReturnWindow:   c.cfg.Broker.ReturnWindow,
		}, c.logger)
		if err != nil {
			return err
		}
		c.publisher = pub
	}
	c.onShutdown(func(context.Context) error { return c.publisher.Close() })
	c.logger.Info("publisher ready", zap.String("broker", c.cfg.Broker.Kind))
	return nil
}

// Migrate applies the schema when backed by Postgres.
func (c *Container) Migrate() error {
	if c.db == nil {
		return nil
	}
	return repository.InitSchema(c.db)
}

func (c *Container) Config() *config.Config            { return c.cfg }
func (c *Container) Logger() *logger.Logger            { return c.logger }
func (c *Container) UnitOfWork() repository.UnitOfWork { return c.uow }
func (c *Container) Repositories() repository.Repositories {
	return c.repos
}
func (c *Container) Publisher() broker.Publisher { return c.publisher }

// Deduplicator returns the processed-event store for one consumer.
func (c *Container) Deduplicator(consumer string) services.Deduplicator {
	if c.redis == nil {
		return memory.NewDeduplicator()
	}
	return redis.NewDeduplicator(c.redis, consumer, c.cfg.Redis.DedupTTL)
}

// RateLimiter returns the order placement limiter, or nil when disabled.
func (c *Container) RateLimiter() *redis.RateLimiter {
	if c.redis == nil || c.cfg.OrderRateLimit == 0 {
		return nil
	}
	return redis.NewRateLimiter(c.redis, "orders", c.cfg.OrderRateLimit, c.cfg.OrderRateWindow)
}

// NewConsumer declares spec on the broker and returns a consumer for it.
func (c *Container) NewConsumer(spec broker.QueueSpec) (broker.Consumer, error) {
	if c.cfg.Broker.Kind == config.BrokerKafka {
		groupID := c.cfg.Consumer.KafkaGroupID
		if groupID == "" {
			groupID = spec.Name
		}
		consumer := broker.NewKafkaConsumer(c.cfg.Broker.KafkaBrokers, c.cfg.Broker.KafkaTopic, groupID, c.logger)
		c.onShutdown(func(context.Context) error { return consumer.Close() })
		return consumer, nil
	}

	if c.amqpConn == nil {
		return nil, errors.New("no broker connection")
	}
	ch, err := c.amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := broker.DeclareQueue(ch, c.cfg.Broker.Exchange, spec); err != nil {
		_ = ch.Close()
		return nil, err
	}
	consumer := broker.NewRabbitConsumer(ch, spec.Name, c.cfg.ServiceName+"/"+c.cfg.InstanceID, c.cfg.Consumer.Prefetch, c.logger)
	c.onShutdown(func(context.Context) error {
		if ch.IsClosed() {
			return nil
		}
		return consumer.Close()
	})
	return consumer, nil
}

// QueueSpec resolves the consumer queue from configuration, falling back to
// the given defaults.
func (c *Container) QueueSpec(defaultQueue string, defaultBindings []string) broker.QueueSpec {
	spec := broker.QueueSpec{
		Name:               c.cfg.Consumer.Queue,
		Bindings:           c.cfg.Consumer.Bindings,
		DeadLetterExchange: c.cfg.Consumer.DeadLetterExchange,
	}
	if spec.Name == "" {
		spec.Name = defaultQueue
	}
	if len(spec.Bindings) == 0 {
		spec.Bindings = defaultBindings
	}
	return spec
}

func (c *Container) OutboxRunner() *outbox.Runner {
	return outbox.NewRunner(outbox.ProcessorFromConfig(c.cfg, c.repos.Outbox, c.publisher, c.logger))
}

type healthReporter interface {
	Healthy(ctx context.Context) error
}

// HealthChecks returns the dependency probes served on /health.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if c.db != nil {
		db := c.db
		checks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, db) }
	}
	if c.redis != nil {
		client := c.redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if c.amqpConn != nil {
		conn := c.amqpConn
		checks["broker"] = func(context.Context) error {
			if conn.IsClosed() {
				return broker.ErrChannelClosed
			}
			return nil
		}
	}
	if hc, ok := c.publisher.(healthReporter); ok {
		checks["publisher"] = hc.Healthy
	}
	return checks
}

// Shutdown releases resources in reverse order and joins their errors.
func (c *Container) Shutdown(ctx context.Context) error {
	var err error
	for i := len(c.shutdowns) - 1; i >= 0; i-- {
		err = errors.Join(err, c.shutdowns[i](ctx))
	}
	c.shutdowns = nil
	return err
}
