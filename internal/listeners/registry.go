// Package listeners tracks which connections still want relayed output.
// Relay loops poll IsActive once per iteration; disconnect only clears the
// flag, so a relay stops within one read window rather than immediately.
package listeners

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultInactiveTTL is how long an inactive flag is remembered.
const DefaultInactiveTTL = 10 * time.Minute

var ErrConnectionReused = errors.New("listeners: connection id reused before its inactive flag expired")

// Registry maps connection id to an active flag. Active flags never expire;
// inactive ones are swept after the TTL given to NewRegistry.
type Registry struct {
	flags       *cache.Cache
	inactiveTTL time.Duration
}

func NewRegistry(inactiveTTL time.Duration) *Registry {
	if inactiveTTL <= 0 {
		inactiveTTL = DefaultInactiveTTL
	}
	cleanup := inactiveTTL / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &Registry{
		flags:       cache.New(cache.NoExpiration, cleanup),
		inactiveTTL: inactiveTTL,
	}
}

// Connect marks connID active. Re-marking an active id is a no-op.
func (r *Registry) Connect(connID string) error {
	if v, ok := r.flags.Get(connID); ok && !v.(bool) {
		return ErrConnectionReused
	}
	r.flags.Set(connID, true, cache.NoExpiration)
	return nil
}

// Disconnect marks connID inactive. It is idempotent.
func (r *Registry) Disconnect(connID string) {
	r.flags.Set(connID, false, r.inactiveTTL)
}

// IsActive reports whether connID is connected. Unknown ids are inactive.
func (r *Registry) IsActive(connID string) bool {
	v, ok := r.flags.Get(connID)
	return ok && v.(bool)
}

// Count returns the number of tracked ids, active or not.
func (r *Registry) Count() int {
	return r.flags.ItemCount()
}

// ActiveCount returns the number of active connections.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, item := range r.flags.Items() {
		if item.Object.(bool) {
			n++
		}
	}
	return n
}
