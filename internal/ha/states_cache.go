package ha

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/hapass/internal/cache"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
)

const statesCacheKey = "ha:states"

// StatesCache serves the upstream state list through a short TTL cache so
// bursts of guest page loads don't hammer the upstream REST API.
type StatesCache struct {
	client *Client
	cache  cache.Client
	ttl    time.Duration
	log    *zap.Logger

	// group collapses concurrent refreshes into one upstream call.
	group singleflight.Group
}

func NewStatesCache(client *Client, c cache.Client, ttl time.Duration) *StatesCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatesCache{client: client, cache: c, ttl: ttl, log: logger.Named("ha.states")}
}

// Get returns the cached state list, refreshing from upstream on a miss.
func (s *StatesCache) Get(ctx context.Context) ([]State, error) {
	if raw, err := s.cache.Get(ctx, statesCacheKey); err == nil {
		var states []State
		if json.Unmarshal([]byte(raw), &states) == nil {
			return states, nil
		}
		// Undecodable entry: fall through to a refresh.
		_ = s.cache.Delete(ctx, statesCacheKey)
	}

	v, err, _ := s.group.Do(statesCacheKey, func() (any, error) {
		states, err := s.client.GetStates(ctx)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(states); err == nil {
			if err := s.cache.Set(ctx, statesCacheKey, string(b), s.ttl); err != nil {
				s.log.Warn("states cache write failed", zap.Error(err))
			}
		}
		return states, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]State), nil
}
