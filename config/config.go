// Package config loads connector settings from a YAML file with environment
// overrides. Environment variables take precedence over the file; the file takes
// precedence over the built-in defaults.
//
//	redis:
//	  addr: redis:6379
//	  dead_letter_stream: orders-dlq
//	channels:
//	  - stream: orders
//	    group: billing
//	    max_retries: 5
//	    reclaim_idle_threshold: 1m
//
// Environment overrides use the XSTREAM prefix, e.g. XSTREAM_REDIS_ADDR,
// XSTREAM_REDIS_PASSWORD, XSTREAM_LOG_DEBUG, XSTREAM_METRICS_ADDR.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xstream"
	"github.com/trickstertwo/xstream/adapter/redisstream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XSTREAM"

// Config is the complete file layout.
type Config struct {
	Redis    RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Channels []ChannelConfig `yaml:"channels" ignored:"true"`
	Producer ProducerConfig  `yaml:"producer" envconfig:"PRODUCER"`
	Log      LogConfig       `yaml:"log" envconfig:"LOG"`
	Metrics  MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
}

// RedisConfig mirrors redisstream.Config.
type RedisConfig struct {
	Addr             string        `yaml:"addr" envconfig:"ADDR"`
	Username         string        `yaml:"username" envconfig:"USERNAME"`
	Password         string        `yaml:"password" envconfig:"PASSWORD"`
	DB               int           `yaml:"db" envconfig:"DB"`
	TLS              bool          `yaml:"tls" envconfig:"TLS"`
	TLSServerName    string        `yaml:"tls_server_name" envconfig:"TLS_SERVER_NAME"`
	PoolSize         int           `yaml:"pool_size" envconfig:"POOL_SIZE"`
	MinIdleConns     int           `yaml:"min_idle_conns" envconfig:"MIN_IDLE_CONNS"`
	MaxRetries       int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	DialTimeout      time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	DeadLetterStream string        `yaml:"dead_letter_stream" envconfig:"DEAD_LETTER_STREAM"`
	DeadLetterMaxLen int64         `yaml:"dead_letter_max_len" envconfig:"DEAD_LETTER_MAX_LEN"`
}

// ChannelConfig mirrors xstream.ChannelConfig. Omitted keys keep
// xstream.DefaultChannelConfig values.
type ChannelConfig struct {
	Name                 string        `yaml:"name"`
	Stream               string        `yaml:"stream"`
	Group                string        `yaml:"group"`
	Consumer             string        `yaml:"consumer"`
	AutoCreateGroup      bool          `yaml:"auto_create_group"`
	StartID              string        `yaml:"start_id"`
	PayloadField         string        `yaml:"payload_field"`
	BatchSize            int           `yaml:"batch_size"`
	BlockTimeout         time.Duration `yaml:"block_timeout"`
	Concurrency          int           `yaml:"concurrency"`
	Ordered              bool          `yaml:"ordered"`
	MaxRetries           int           `yaml:"max_retries"`
	ReclaimIdleThreshold time.Duration `yaml:"reclaim_idle_threshold"`
	ReclaimInterval      time.Duration `yaml:"reclaim_interval"`
	ReclaimBatch         int           `yaml:"reclaim_batch"`
	DeleteOnAck          bool          `yaml:"delete_on_ack"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	Retry                RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors xstream.RetryPolicy.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

// ProducerConfig holds the trimming defaults for producers.
type ProducerConfig struct {
	MaxLen      int64         `yaml:"max_len" envconfig:"MAX_LEN"`
	ExactMaxLen bool          `yaml:"exact_max_len" envconfig:"EXACT_MAX_LEN"`
	TTL         time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// LogConfig selects the zerolog backend output.
type LogConfig struct {
	Debug   bool `yaml:"debug" envconfig:"DEBUG"`
	Console bool `yaml:"console" envconfig:"CONSOLE"`
}

// MetricsConfig controls the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr" envconfig:"ADDR"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	r := redisstream.Defaults()
	return Config{
		Redis: RedisConfig{
			Addr:             r.Addr,
			DB:               r.DB,
			PoolSize:         r.PoolSize,
			MinIdleConns:     r.MinIdleConns,
			MaxRetries:       r.MaxRetries,
			DialTimeout:      r.DialTimeout,
			DeadLetterMaxLen: r.DeadLetterMaxLen,
		},
		Metrics: MetricsConfig{Namespace: "xstream"},
	}
}

// UnmarshalYAML starts every channel from xstream.DefaultChannelConfig.
func (c *ChannelConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ChannelConfig
	p := plain(channelFrom(xstream.DefaultChannelConfig("", "")))
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = ChannelConfig(p)
	return nil
}

// Load reads path (skipped when empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

// Validate checks the broker settings and every channel.
func (c *Config) Validate() error {
	if err := c.Broker().Validate(); err != nil {
		return err
	}
	if c.Producer.MaxLen < 0 || c.Producer.TTL < 0 {
		return errors.New("config: producer max_len and ttl must be >= 0")
	}
	for i, ch := range c.Channels {
		if err := ch.ToChannelConfig().Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}
	return nil
}

// Broker returns the redisstream connection settings.
func (c *Config) Broker() redisstream.Config {
	r := c.Redis
	return redisstream.Config{
		Addr:             r.Addr,
		Username:         r.Username,
		Password:         r.Password,
		DB:               r.DB,
		TLS:              r.TLS,
		TLSServerName:    r.TLSServerName,
		PoolSize:         r.PoolSize,
		MinIdleConns:     r.MinIdleConns,
		MaxRetries:       r.MaxRetries,
		DialTimeout:      r.DialTimeout,
		DeadLetterStream: r.DeadLetterStream,
		DeadLetterMaxLen: r.DeadLetterMaxLen,
	}
}

// ProducerFor returns producer settings for stream.
func (c *Config) ProducerFor(stream string) xstream.ProducerConfig {
	return xstream.ProducerConfig{
		Stream:      stream,
		MaxLen:      c.Producer.MaxLen,
		ExactMaxLen: c.Producer.ExactMaxLen,
		TTL:         c.Producer.TTL,
	}
}

// Channel returns the channel bound to stream, if configured.
func (c *Config) Channel(stream string) (xstream.ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Stream == stream {
			return ch.ToChannelConfig(), true
		}
	}
	return xstream.ChannelConfig{}, false
}

// ToChannelConfig converts to the engine type; Name defaults to Stream.
func (c ChannelConfig) ToChannelConfig() xstream.ChannelConfig {
	out := xstream.ChannelConfig{
		Name:                 c.Name,
		Stream:               c.Stream,
		Group:                c.Group,
		Consumer:             c.Consumer,
		AutoCreateGroup:      c.AutoCreateGroup,
		StartID:              c.StartID,
		PayloadField:         c.PayloadField,
		BatchSize:            c.BatchSize,
		BlockTimeout:         c.BlockTimeout,
		Concurrency:          c.Concurrency,
		Ordered:              c.Ordered,
		MaxRetries:           c.MaxRetries,
		ReclaimIdleThreshold: c.ReclaimIdleThreshold,
		ReclaimInterval:      c.ReclaimInterval,
		ReclaimBatch:         c.ReclaimBatch,
		DeleteOnAck:          c.DeleteOnAck,
		AckTimeout:           c.AckTimeout,
		ShutdownTimeout:      c.ShutdownTimeout,
		Retry: xstream.RetryPolicy{
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
			MaxElapsed:      c.Retry.MaxElapsed,
		},
	}
	if out.Name == "" {
		out.Name = out.Stream
	}
	return out
}

func channelFrom(c xstream.ChannelConfig) ChannelConfig {
	return ChannelConfig{
		Name:                 c.Name,
		Stream:               c.Stream,
		Group:                c.Group,
		Consumer:             c.Consumer,
		AutoCreateGroup:      c.AutoCreateGroup,
		StartID:              c.StartID,
		PayloadField:         c.PayloadField,
		BatchSize:            c.BatchSize,
		BlockTimeout:         c.BlockTimeout,
		Concurrency:          c.Concurrency,
		Ordered:              c.Ordered,
		MaxRetries:           c.MaxRetries,
		ReclaimIdleThreshold: c.ReclaimIdleThreshold,
		ReclaimInterval:      c.ReclaimInterval,
		ReclaimBatch:         c.ReclaimBatch,
		DeleteOnAck:          c.DeleteOnAck,
		AckTimeout:           c.AckTimeout,
		ShutdownTimeout:      c.ShutdownTimeout,
		Retry: RetryConfig{
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
			MaxElapsed:      c.Retry.MaxElapsed,
		},
	}
}
