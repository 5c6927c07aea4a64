package ha

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/metrics"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/store"
)

// Subscriber is a bounded delivery channel owned by one token's stream
// connection. Events are dropped, never blocked, when it is full.
type Subscriber chan Event

// Registry owns the subscriber channels and the per-token entity cache.
//
// One mutex guards both maps. Entity fetches (real I/O) always happen
// outside the lock, with a re-check after re-acquiring it, so fan-out is
// never blocked behind the token store. The cache invariant: an entity
// cache entry exists iff the token has at least one live subscriber.
type Registry struct {
	mu       sync.Mutex
	subs     map[string]map[Subscriber]struct{}
	entities map[string]map[string]struct{}

	source    store.EntitySource
	queueSize int
	log       *zap.Logger
}

func NewRegistry(source store.EntitySource, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		subs:      make(map[string]map[Subscriber]struct{}),
		entities:  make(map[string]map[string]struct{}),
		source:    source,
		queueSize: queueSize,
		log:       logger.Named("registry"),
	}
}

// Subscribe registers a new subscriber channel for tokenID, populating the
// entity cache on the token's first subscription.
func (r *Registry) Subscribe(ctx context.Context, tokenID string) (Subscriber, error) {
	sub := make(Subscriber, r.queueSize)

	r.mu.Lock()
	_, cached := r.entities[tokenID]
	r.mu.Unlock()

	if !cached {
		ids, err := r.source.GetTokenEntities(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		// Re-check: a concurrent Subscribe may have installed the entry
		// while we were fetching. First fetch wins, don't clobber it.
		if _, ok := r.entities[tokenID]; !ok {
			r.entities[tokenID] = toSet(ids)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	set, ok := r.subs[tokenID]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.subs[tokenID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub, nil
}

// Unsubscribe removes a subscriber. When the token's last subscriber goes
// away, its subscriber set and entity cache entry are deleted together.
func (r *Registry) Unsubscribe(tokenID string, sub Subscriber) {
	r.mu.Lock()
	set, ok := r.subs[tokenID]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			metrics.Subscribers.Dec()
		}
		if len(set) == 0 {
			delete(r.subs, tokenID)
			delete(r.entities, tokenID)
		}
	}
	r.mu.Unlock()
}

// InvalidateEntityCache refreshes a token's cached entity set after its
// allowlist changed. With no live subscribers it just drops any stale
// entry. On a failed refetch the entry is dropped rather than kept stale:
// a missing entry matches zero entities, never the wrong ones.
func (r *Registry) InvalidateEntityCache(ctx context.Context, tokenID string) {
	r.mu.Lock()
	_, hasSubs := r.subs[tokenID]
	r.mu.Unlock()

	if !hasSubs {
		r.mu.Lock()
		delete(r.entities, tokenID)
		r.mu.Unlock()
		return
	}

	ids, err := r.source.GetTokenEntities(ctx, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Error("entity cache refresh failed, dropping entry",
			logger.TokenID(tokenID), zap.Error(err))
		delete(r.entities, tokenID)
		return
	}
	// Re-check: the subscribers may all have gone away during the fetch,
	// and the invariant says no cache entry without subscribers.
	if _, stillSubscribed := r.subs[tokenID]; stillSubscribed {
		r.entities[tokenID] = toSet(ids)
	} else {
		delete(r.entities, tokenID)
	}
}

// FanOut delivers a state change to every subscriber whose token's cached
// entity set contains entityID. The matching channels are collected under
// one lock acquisition; the sends happen outside it and never block — a
// full channel drops the event for that channel only.
func (r *Registry) FanOut(entityID string, state json.RawMessage) {
	ev := Event{Type: EventStateChange, EntityID: entityID, State: state}

	r.mu.Lock()
	var targets []Subscriber
	for tokenID, set := range r.subs {
		allowed := r.entities[tokenID]
		if _, ok := allowed[entityID]; !ok {
			continue
		}
		for sub := range set {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		r.push(sub, ev)
	}
}

// BroadcastTokenExpired notifies every subscriber of one token.
func (r *Registry) BroadcastTokenExpired(tokenID string) {
	r.mu.Lock()
	var targets []Subscriber
	for sub := range r.subs[tokenID] {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	ev := Event{Type: EventTokenExpired}
	for _, sub := range targets {
		r.push(sub, ev)
	}
}

// BroadcastAll pushes a control event to every subscriber of every token,
// regardless of entity filters.
func (r *Registry) BroadcastAll(ev Event) {
	r.mu.Lock()
	var targets []Subscriber
	for _, set := range r.subs {
		for sub := range set {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		r.push(sub, ev)
	}
}

func (r *Registry) push(sub Subscriber, ev Event) {
	select {
	case sub <- ev:
		metrics.EventsFannedOut.Inc()
	default:
		// Slow consumer. Staleness is acceptable, a stalled ingestion
		// pipeline is not.
		metrics.EventsDropped.Inc()
	}
}

// CachedEntities returns the cached entity set for a token, if any.
// Exposed for tests asserting the cache invariant.
func (r *Registry) CachedEntities(tokenID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entities[tokenID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, true
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
