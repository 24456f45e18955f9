package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Breakers holds one circuit breaker per provider. A tripped provider is
// skipped until the cooldown elapses.
type Breakers struct {
	mu             sync.Mutex
	breakers       map[string]*CircuitBreaker
	threshold      int           // failures before tripping (default 5)
	cooldownPeriod time.Duration // time before resetting (default 5min)
	kvStore        KVStore
	now            func() time.Time
	logger         *slog.Logger
}

func NewBreakers(threshold int, cooldown time.Duration) *Breakers {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breakers{
		breakers:       make(map[string]*CircuitBreaker),
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
		logger:         slog.Default(),
	}
}

// SetKVStore enables persistent circuit breaker state.
func (b *Breakers) SetKVStore(store KVStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kvStore = store
}

func (b *Breakers) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// IsTripped reports whether name is inside its cooldown. An elapsed
// cooldown resets the breaker.
func (b *Breakers) IsTripped(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if b.now().Sub(cb.lastFailure) >= b.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		b.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		b.persist(name, cb)
		return false
	}
	return true
}

// RecordFailure increments the failure count and trips the breaker if threshold is reached.
func (b *Breakers) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		b.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = b.now()
	if cb.failures >= b.threshold && !cb.tripped {
		cb.tripped = true
		b.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	b.persist(name, cb)
}

// RecordSuccess resets the failure count for the named provider.
func (b *Breakers) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
	b.persist(name, cb)
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// persist saves a single breaker's state to the KV store.
// Must be called with b.mu held.
func (b *Breakers) persist(name string, cb *CircuitBreaker) {
	if b.kvStore == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	_ = b.kvStore.KVSet(context.Background(), "cb:"+name, string(data))
}

// Load restores the breakers of the named providers from the KV store.
func (b *Breakers) Load(ctx context.Context, names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kvStore == nil {
		return
	}
	for _, name := range names {
		val, err := b.kvStore.KVGet(ctx, "cb:"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		b.breakers[name] = &CircuitBreaker{
			failures:    state.Failures,
			lastFailure: state.LastFailure,
			tripped:     state.Tripped,
		}
	}
}
