package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xstream"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileWithDefaults(t *testing.T) {
	path := writeFile(t, `
redis:
  addr: redis:6380
  dead_letter_stream: orders-dlq
channels:
  - stream: orders
    group: billing
    max_retries: 5
    reclaim_idle_threshold: 1m
    retry:
      max_elapsed: 10s
producer:
  max_len: 1000
  ttl: 24h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Broker().Addr)
	assert.Equal(t, "orders-dlq", cfg.Broker().DeadLetterStream)
	assert.Equal(t, 10, cfg.Broker().PoolSize, "unset keys keep broker defaults")

	ch, ok := cfg.Channel("orders")
	require.True(t, ok)
	def := xstream.DefaultChannelConfig("orders", "billing")
	assert.Equal(t, "orders", ch.Name)
	assert.Equal(t, "billing", ch.Group)
	assert.Equal(t, 5, ch.MaxRetries)
	assert.Equal(t, time.Minute, ch.ReclaimIdleThreshold)
	assert.Equal(t, def.BatchSize, ch.BatchSize)
	assert.Equal(t, def.StartID, ch.StartID)
	assert.True(t, ch.AutoCreateGroup)
	assert.NotEmpty(t, ch.Consumer)
	assert.Equal(t, 10*time.Second, ch.Retry.MaxElapsed)
	assert.Equal(t, def.Retry.InitialInterval, ch.Retry.InitialInterval)

	_, ok = cfg.Channel("payments")
	assert.False(t, ok)

	p := cfg.ProducerFor("orders")
	assert.Equal(t, int64(1000), p.MaxLen)
	assert.Equal(t, 24*time.Hour, p.TTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "redis:\n  addr: file:6379\n  db: 2\n")
	t.Setenv("XSTREAM_REDIS_ADDR", "env:6379")
	t.Setenv("XSTREAM_REDIS_DIAL_TIMEOUT", "250ms")
	t.Setenv("XSTREAM_LOG_DEBUG", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB, "keys without env keep the file value")
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.DialTimeout)
	assert.True(t, cfg.Log.Debug)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Redis, cfg.Redis)
	assert.Empty(t, cfg.Channels)
}

func TestLoad_Rejects(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "redis:\n  adr: typo\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "channels:\n  - stream: orders\n"))
	assert.ErrorContains(t, err, "channels[0]")

	_, err = Load(writeFile(t, "channels:\n  - stream: orders\n    group: g\n    batch_size: 0\n"))
	assert.ErrorContains(t, err, "batch_size")
}
