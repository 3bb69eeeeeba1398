// internal/messaging/profile_cache.go

package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProfileCacheTTL = 10 * time.Minute
	profileKeyPrefix       = "chatsync:profile:"
)

// CachedProfileSource fronts a ProfileSource with a Redis cache shared by
// every session in the process. A nil client disables caching.
type CachedProfileSource struct {
	next   ProfileSource
	client *redis.Client
	ttl    time.Duration
}

func NewCachedProfileSource(next ProfileSource, client *redis.Client, ttl time.Duration) *CachedProfileSource {
	if ttl <= 0 {
		ttl = DefaultProfileCacheTTL
	}
	return &CachedProfileSource{next: next, client: client, ttl: ttl}
}

func (c *CachedProfileSource) GetProfiles(ctx context.Context, ids []string) (map[string]UserInfo, error) {
	if c.client == nil || len(ids) == 0 {
		return c.next.GetProfiles(ctx, ids)
	}

	out := make(map[string]UserInfo, len(ids))
	missing := ids

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKeyPrefix + id
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Str("component", "profile_cache").Msg("cache read failed")
	} else {
		missing = missing[:0:0]
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			var u UserInfo
			if err := json.Unmarshal([]byte(s), &u); err != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = u
		}
		metricProfileCache.WithLabelValues("hit").Add(float64(len(out)))
		metricProfileCache.WithLabelValues("miss").Add(float64(len(missing)))
	}

	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.next.GetProfiles(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			log.Warn().Err(err).Str("component", "profile_cache").Int("missing", len(missing)).Msg("profile source failed")
			return out, nil
		}
		return nil, err
	}

	pipe := c.client.Pipeline()
	for id, u := range fetched {
		out[id] = u
		data, err := json.Marshal(u)
		if err != nil {
			continue
		}
		pipe.Set(ctx, profileKeyPrefix+id, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("component", "profile_cache").Msg("cache write failed")
	}
	return out, nil
}

// UpsertProfile writes through to the wrapped source and drops the cached
// copy so every session sees the edit on its next lookup.
func (c *CachedProfileSource) UpsertProfile(ctx context.Context, u UserInfo) error {
	w, ok := c.next.(ProfileWriter)
	if !ok {
		return errors.New("profile source is read-only")
	}
	if err := w.UpsertProfile(ctx, u); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, u.ID); err != nil {
		log.Warn().Err(err).Str("component", "profile_cache").Str("user_id", u.ID).Msg("cache invalidation failed")
	}
	return nil
}

// Invalidate drops cached profiles.
func (c *CachedProfileSource) Invalidate(ctx context.Context, ids ...string) error {
	if c.client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKeyPrefix + id
	}
	return c.client.Del(ctx, keys...).Err()
}
