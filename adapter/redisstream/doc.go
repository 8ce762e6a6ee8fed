// Package redisstream provides the Redis Streams broker for xstream.
//
// Broker name: "redis-streams"
//
// Config keys accepted by the registry factory:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db
//   - tls, tls_server_name
//   - pool_size (default 10), min_idle_conns (default 5), max_retries (default 3)
//   - dial_timeout: time.Duration or "5s"
//   - dead_letter_stream: stream receiving exhausted messages (used by Use/Build)
//
// Example builder usage:
//
//	conn, _ := xstream.NewConnectorBuilder().
//	    WithBroker(redisstream.BrokerName, map[string]any{
//	        "addr":         "localhost:6379",
//	        "dial_timeout": "2s",
//	    }).
//	    Build()
//
//	cfg := xstream.DefaultChannelConfig("payments", "billing")
//	ch, _ := conn.Consume(ctx, cfg, handler)
//
// Requires Redis 6.2 or newer (XPENDING with IDLE).
package redisstream
