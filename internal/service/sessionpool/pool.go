// Package sessionpool keeps warm model sessions per (tenant, model) so
// consecutive requests skip the load cost. Loads are single-flight per key;
// eviction is LRU with a soft cap and an idle sweeper.
package sessionpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// Key identifies one warm session.
type Key struct {
	TenantID string
	ModelID  string
}

func (k Key) String() string { return k.TenantID + "/" + k.ModelID }

// Session is a loaded model handle. Callers must Release when done with a
// request so eviction can see idle entries.
type Session struct {
	Key        Key
	ProviderID string
	Handle     any
	LoadedAt   time.Time

	pool *Pool
}

// Release marks the end of one in-flight use of the session.
func (s *Session) Release() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.release(s.Key)
}

// Loader produces a session handle for a key. The closer is invoked when the
// entry is evicted.
type Loader func(ctx context.Context) (providerID string, handle any, closer func(context.Context) error, err error)

type entry struct {
	session  *Session
	closer   func(context.Context) error
	lastUsed time.Time
	inflight int
}

// Stats is the pool health snapshot.
type Stats struct {
	Loaded       int
	Loading      int
	EvictedTotal int64
}

// Pool is the warm session cache.
type Pool struct {
	mu       sync.Mutex
	entries  map[Key]*entry
	capacity int
	idleTTL  time.Duration
	sf       singleflight.Group
	loading  int
	evicted  int64
	now      func() time.Time
}

// New constructs a pool. capacity <= 0 means unbounded; idleTTL <= 0 disables
// the idle sweep.
func New(capacity int, idleTTL time.Duration) *Pool {
	return &Pool{
		entries:  make(map[Key]*entry),
		capacity: capacity,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Acquire returns the warm session for the key, loading it through loader if
// absent. At most one load is in flight per key; peers await the same
// outcome, and a failed load caches nothing. The second return value is true
// only for the caller that performed the load.
func (p *Pool) Acquire(ctx context.Context, key Key, loader Loader) (*Session, bool, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.inflight++
		e.lastUsed = p.now()
		p.mu.Unlock()
		return e.session, false, nil
	}
	p.mu.Unlock()

	didLoad := false
	res, err, _ := p.sf.Do(key.String(), func() (any, error) {
		didLoad = true
		p.mu.Lock()
		p.loading++
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			p.loading--
			p.mu.Unlock()
		}()

		providerID, handle, closer, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		sess := &Session{
			Key:        key,
			ProviderID: providerID,
			Handle:     handle,
			LoadedAt:   p.now(),
			pool:       p,
		}
		p.insert(key, sess, closer)
		return sess, nil
	})
	if err != nil {
		return nil, false, domain.WrapErr(domain.CodeProviderInitFailed, "session load failed for "+key.String(), err)
	}

	sess := res.(*Session)
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.inflight++
		e.lastUsed = p.now()
	}
	p.mu.Unlock()
	return sess, didLoad, nil
}

// insert adds the freshly loaded entry, evicting the LRU idle entry when over
// capacity. A busy LRU entry is skipped; when every entry is busy the pool
// exceeds capacity briefly (soft cap).
func (p *Pool) insert(key Key, sess *Session, closer func(context.Context) error) {
	p.mu.Lock()
	var victim *entry
	var victimKey Key
	if p.capacity > 0 && len(p.entries) >= p.capacity {
		for k, e := range p.entries {
			if e.inflight > 0 {
				continue
			}
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				victim = e
				victimKey = k
			}
		}
		if victim != nil {
			delete(p.entries, victimKey)
			p.evicted++
		}
	}
	p.entries[key] = &entry{session: sess, closer: closer, lastUsed: p.now()}
	loaded := len(p.entries)
	p.mu.Unlock()

	observability.SessionsLoaded.Set(float64(loaded))
	if victim != nil {
		p.closeEntry(victimKey, victim)
	}
}

func (p *Pool) closeEntry(key Key, e *entry) {
	observability.SessionsEvicted.Inc()
	slog.Info("warm session evicted",
		slog.String("tenant", key.TenantID),
		slog.String("model", key.ModelID))
	if e.closer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.closer(ctx); err != nil {
		slog.Error("session close failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (p *Pool) release(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.inflight > 0 {
		e.inflight--
		e.lastUsed = p.now()
	}
}

// Evict removes a specific key if idle, returning whether it was removed.
func (p *Pool) Evict(key Key) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.inflight > 0 {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, key)
	p.evicted++
	loaded := len(p.entries)
	p.mu.Unlock()
	observability.SessionsLoaded.Set(float64(loaded))
	p.closeEntry(key, e)
	return true
}

// Sweep evicts entries idle for longer than idleTTL. Returns evicted count.
func (p *Pool) Sweep() int {
	if p.idleTTL <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.idleTTL)
	p.mu.Lock()
	var victims []Key
	for k, e := range p.entries {
		if e.inflight == 0 && e.lastUsed.Before(cutoff) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		e := p.entries[k]
		delete(p.entries, k)
		p.evicted++
		defer p.closeEntry(k, e)
	}
	loaded := len(p.entries)
	p.mu.Unlock()
	observability.SessionsLoaded.Set(float64(loaded))
	return len(victims)
}

// RunSweeper evicts idle sessions periodically until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				slog.Info("idle sessions swept", slog.Int("count", n))
			}
		}
	}
}

// Stats returns the pool health counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Loaded: len(p.entries), Loading: p.loading, EvictedTotal: p.evicted}
}

// SetClock overrides the time source. Tests only.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }
