package redisstream

import (
	"fmt"
	"time"
)

// Config for the Redis Streams broker. Consumer-group settings live on
// xstream.ChannelConfig; this only describes the connection.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Client pool
	PoolSize     int
	MinIdleConns int
	MaxRetries   int // go-redis command retries; -1 disables
	DialTimeout  time.Duration

	// Dead-letter stream installed by Use when set.
	DeadLetterStream string
	DeadLetterMaxLen int64
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		DB:           0,
		TLS:          false,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.MinIdleConns < 0 || c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("config: min_idle_conns must be within [0, pool_size], got %d", c.MinIdleConns)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial_timeout must be > 0, got %v", c.DialTimeout)
	}
	if c.DeadLetterMaxLen < 0 {
		return fmt.Errorf("config: dead_letter_max_len must be >= 0, got %d", c.DeadLetterMaxLen)
	}
	return nil
}

// toMap converts Config to generic map for the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":                c.Addr,
		"username":            c.Username,
		"password":            c.Password,
		"db":                  c.DB,
		"tls":                 c.TLS,
		"tls_server_name":     c.TLSServerName,
		"pool_size":           c.PoolSize,
		"min_idle_conns":      c.MinIdleConns,
		"max_retries":         c.MaxRetries,
		"dial_timeout":        c.DialTimeout,
		"dead_letter_stream":  c.DeadLetterStream,
		"dead_letter_max_len": c.DeadLetterMaxLen,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// Durations may be given as time.Duration or as strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["pool_size"].(int); ok && v > 0 {
		c.PoolSize = v
	}
	if v, ok := m["min_idle_conns"].(int); ok && v >= 0 {
		c.MinIdleConns = v
	}
	if v, ok := m["max_retries"].(int); ok {
		c.MaxRetries = v
	}
	if v, ok := durationFrom(m["dial_timeout"]); ok && v > 0 {
		c.DialTimeout = v
	}
	if v, ok := m["dead_letter_stream"].(string); ok {
		c.DeadLetterStream = v
	}
	switch v := m["dead_letter_max_len"].(type) {
	case int64:
		c.DeadLetterMaxLen = v
	case int:
		c.DeadLetterMaxLen = int64(v)
	}

	return c
}

func durationFrom(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	return 0, false
}
