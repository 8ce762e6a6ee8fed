package redisstream

// BrokerName is the registry name of this adapter.
const BrokerName = "redis-streams"

// Redis error prefixes the broker tolerates or maps.
const (
	errBusyGroup = "BUSYGROUP"
	errNoGroup   = "NOGROUP"
)

const (
	streamStart = "-"
	streamEnd   = "+"
	newEntries  = ">"
)
