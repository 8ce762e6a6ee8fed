package xstream

import (
	"fmt"
	"sync"
)

// BrokerFactory constructs brokers from a config blob.
type BrokerFactory func(cfg map[string]any) (Broker, error)

// CodecFactory constructs a payload codec.
type CodecFactory func() Codec

// factories is a name-keyed set of constructors safe for registration from init.
type factories[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func newFactories[F any](kind string) *factories[F] {
	return &factories[F]{kind: kind, m: make(map[string]F)}
}

func (r *factories[F]) register(name string, f F, isNil bool) error {
	if name == "" {
		return fmt.Errorf("xstream: %s name must not be empty", r.kind)
	}
	if isNil {
		return fmt.Errorf("xstream: %s factory %q must not be nil", r.kind, name)
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *factories[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[name]
	return f, ok
}

var (
	brokers = newFactories[BrokerFactory]("broker")
	codecs  = func() *factories[CodecFactory] {
		r := newFactories[CodecFactory]("codec")
		r.m["json"] = func() Codec { return JSONCodec{} }
		return r
	}()
)

// RegisterBroker registers a backend adapter. Registering a name twice replaces it.
func RegisterBroker(name string, factory BrokerFactory) error {
	return brokers.register(name, factory, factory == nil)
}

// NewBroker constructs a broker by name with config.
func NewBroker(name string, cfg map[string]any) (Broker, error) {
	f, ok := brokers.lookup(name)
	if !ok {
		return nil, ErrUnknownBroker{name: name}
	}
	return f(cfg)
}

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	return codecs.register(name, factory, factory == nil)
}

// NewCodec constructs a codec by name.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("xstream: codec %q not registered", name)
	}
	return f(), nil
}
