package track

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry holds open page views until they are left or go idle.
type Registry struct {
	mu    sync.Mutex
	views map[string]*PageView
	ttl   time.Duration
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{views: make(map[string]*PageView), ttl: ttl}
}

func (r *Registry) Put(p *PageView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[p.ID] = p
}

// Get returns the page view only if it belongs to sessionID.
func (r *Registry) Get(id, sessionID string) (*PageView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.views[id]
	if !ok || p.SessionID != sessionID {
		return nil, false
	}
	return p, true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Sweep drops page views idle for longer than the TTL and returns how many.
// Their final events are lost, which is accepted for abandoned tabs.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.views {
		if now.Sub(p.idleSince()) > r.ttl {
			delete(r.views, id)
			n++
		}
	}
	return n
}

// Run sweeps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				logger.Debug("expired idle page views", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
