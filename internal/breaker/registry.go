package breaker

import (
	"sync"

	"github.com/wudi/edgegate/internal/coordination"
)

// Instance is the common surface both Breaker and RedisBreaker expose;
// the proxy executor works against this so it doesn't care whether
// breaker state is local or Redis-distributed for a given upstream.
type Instance interface {
	Allow() (bool, error)
	RecordSuccess()
	RecordFailure()
	Snapshot() Snapshot
}

var _ Instance = (*Breaker)(nil)

// redisAdapter wraps RedisBreaker's callback-based Allow into the
// Instance shape used by the rest of the gateway. Allow/RecordSuccess/
// RecordFailure are expected to be called in sequence for one request
// at a time by the proxy executor, so no locking is needed here beyond
// what RedisBreaker itself does against Redis.
type redisAdapter struct {
	rb      *RedisBreaker
	pending func(error)
}

func newRedisAdapter(rb *RedisBreaker) *redisAdapter { return &redisAdapter{rb: rb} }

func (a *redisAdapter) Allow() (bool, error) {
	report, err := a.rb.Allow()
	if err != nil {
		return false, err
	}
	a.pending = report
	return true, nil
}

func (a *redisAdapter) RecordSuccess() {
	if a.pending != nil {
		a.pending(nil)
		a.pending = nil
	}
}

func (a *redisAdapter) RecordFailure() {
	if a.pending != nil {
		a.pending(ErrOpen)
		a.pending = nil
	}
}

func (a *redisAdapter) Snapshot() Snapshot { return a.rb.Snapshot() }

// Registry manages one Instance per upstream backend address, creating
// it lazily on first use from a factory set at construction time.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]Instance
	factory  func(upstreamKey string) Instance
}

// NewLocalRegistry builds a Registry of in-process *Breaker instances,
// one per upstream, all sharing cfg's thresholds.
func NewLocalRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]Instance),
		factory:  func(string) Instance { return New(cfg) },
	}
}

// NewDistributedRegistry builds a Registry of Redis-backed breakers, one
// per upstream, sharing state across every gateway instance.
func NewDistributedRegistry(cfg Config, coord *coordination.Client, onStateChange func(upstreamKey, from, to string)) *Registry {
	return &Registry{
		breakers: make(map[string]Instance),
		factory: func(upstreamKey string) Instance {
			cb := func(from, to string) {
				if onStateChange != nil {
					onStateChange(upstreamKey, from, to)
				}
			}
			return newRedisAdapter(NewRedisBreaker(upstreamKey, cfg, coord, cb))
		},
	}
}

// Get returns the Instance for upstreamKey, creating it on first use.
func (r *Registry) Get(upstreamKey string) Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.breakers[upstreamKey]; ok {
		return inst
	}
	inst := r.factory(upstreamKey)
	r.breakers[upstreamKey] = inst
	return inst
}

// Snapshots returns a snapshot of every breaker the registry has created.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.Snapshot()
	}
	return out
}
