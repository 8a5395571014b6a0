package formschema

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acutis/intake/internal/platform/cache"
	"github.com/acutis/intake/internal/platform/db"
	"github.com/acutis/intake/internal/platform/metrics"
)

// ResolvedCache keeps active schema versions in Redis keyed by tenant and
// schema id. Only active versions are cached; drafts change too often.
type ResolvedCache struct {
	client  *cache.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewResolvedCache(client *cache.Client, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *ResolvedCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ResolvedCache{client: client, ttl: ttl, metrics: m, logger: logger}
}

func (c *ResolvedCache) key(ctx context.Context, id uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	return "intake:" + tenant + ":schema:" + id.String()
}

func (c *ResolvedCache) Get(ctx context.Context, id uuid.UUID) (*FormSchema, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	var s FormSchema
	hit, err := c.client.GetJSON(ctx, c.key(ctx, id), &s)
	if err != nil {
		c.logger.Warn().Err(err).Str("schema_id", id.String()).Msg("schema cache read failed")
	}
	c.metrics.CacheLookup(hit)
	if !hit {
		return nil, false
	}
	return &s, true
}

func (c *ResolvedCache) Put(ctx context.Context, s *FormSchema) {
	if c == nil || c.client == nil || s.Status != StatusActive {
		return
	}
	if err := c.client.SetJSON(ctx, c.key(ctx, s.ID), s, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("schema_id", s.ID.String()).Msg("schema cache write failed")
	}
}

func (c *ResolvedCache) Invalidate(ctx context.Context, ids ...uuid.UUID) {
	if c == nil || c.client == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(ctx, id)
	}
	if err := c.client.Invalidate(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Msg("schema cache invalidation failed")
	}
}
