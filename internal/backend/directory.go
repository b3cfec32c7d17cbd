package backend

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// CachedDirectory wraps an AgentDirectory with a TTL cache and singleflight
// coalescing. The agent set is effectively static per deployment, so one
// resolve per TTL is plenty; coalescing stops concurrent turns from
// stampeding the directory after a cold start or expiry.
type CachedDirectory struct {
	inner AgentDirectory
	ttl   time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cachedAgent
}

type cachedAgent struct {
	agent     model.Agent
	expiresAt time.Time
}

// NewCachedDirectory wraps inner with a TTL cache. A non-positive ttl
// disables caching and resolves pass straight through.
func NewCachedDirectory(inner AgentDirectory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cachedAgent),
	}
}

// ResolveAgent returns the cached handle when fresh, otherwise resolves
// through the inner directory. Failed resolves are not cached.
func (d *CachedDirectory) ResolveAgent(ctx context.Context, name string) (model.Agent, error) {
	if d.ttl <= 0 {
		return d.inner.ResolveAgent(ctx, name)
	}

	d.mu.RLock()
	entry, ok := d.entries[name]
	d.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.agent, nil
	}

	v, err, _ := d.group.Do(name, func() (any, error) {
		agent, err := d.inner.ResolveAgent(ctx, name)
		if err != nil {
			return model.Agent{}, err
		}
		d.mu.Lock()
		d.entries[name] = cachedAgent{agent: agent, expiresAt: time.Now().Add(d.ttl)}
		d.mu.Unlock()
		return agent, nil
	})
	if err != nil {
		return model.Agent{}, err
	}
	return v.(model.Agent), nil
}
