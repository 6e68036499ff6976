package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("INSTANCE_ID", "test-instance")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, time.Second, cfg.Outbox.BackoffBase)
	assert.Equal(t, cfg.Outbox.BackoffBase, cfg.Outbox.NoRouteBackoffBase)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.ReturnWindow)
	assert.Equal(t, BrokerRabbitMQ, cfg.Broker.Kind)
	assert.Equal(t, "test-instance", cfg.InstanceID)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("INSTANCE_ID", "worker-2")
	t.Setenv("BROKER_KIND", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_BATCH_SIZE", "10")
	t.Setenv("CONSUMER_BINDINGS", "inventory.reserved,inventory.insufficient")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BrokerKafka, cfg.Broker.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, []string{"inventory.reserved", "inventory.insufficient"}, cfg.Consumer.Bindings)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("INSTANCE_ID", "worker-3")
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("BROKER_RETURN_WINDOW", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.ReturnWindow)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Setenv("INSTANCE_ID", "worker-4")
	t.Setenv("BROKER_KIND", "nats")
	t.Setenv("OUTBOX_MAX_RETRIES", "0")
	t.Setenv("OUTBOX_CLAIM_TTL", "1s")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_KIND")
	assert.Contains(t, err.Error(), "OUTBOX_MAX_RETRIES")
	assert.Contains(t, err.Error(), "OUTBOX_CLAIM_TTL")
}
