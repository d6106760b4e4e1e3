package license

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"smallbiznis-licensing/pkg/rediskey"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Snapshot is the cached slice of a license needed to decide access to one module.
type Snapshot struct {
	LicenseID      int64      `json:"licenseId"`
	TenantID       string     `json:"tenantId"`
	SubscriptionID string     `json:"subscriptionId"`
	Status         Status     `json:"status"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Grant          *Grant     `json:"grant,omitempty"`
}

type Grant struct {
	Key         string     `json:"key"`
	Enabled     bool       `json:"enabled"`
	Tier        Tier       `json:"tier"`
	Limits      Limits     `json:"limits"`
	ActivatedAt time.Time  `json:"activatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func snapshotOf(lic *License, moduleKey string) *Snapshot {
	snap := &Snapshot{
		LicenseID:      lic.ID,
		TenantID:       lic.TenantID,
		SubscriptionID: lic.SubscriptionID,
		Status:         lic.Status,
		ExpiresAt:      lic.ExpiresAt,
	}
	if g, ok := lic.Grant(moduleKey); ok {
		snap.Grant = &Grant{
			Key:         g.ModuleKey,
			Enabled:     g.Enabled,
			Tier:        g.Tier,
			Limits:      g.Limits.Data(),
			ActivatedAt: g.ActivatedAt,
			ExpiresAt:   g.ExpiresAt,
		}
	}
	return snap
}

// Cache holds snapshots keyed by (tenant, module). Implementations must be
// safe for concurrent use; a miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, tenantID, moduleKey string) (*Snapshot, bool, error)
	Set(ctx context.Context, tenantID, moduleKey string, snap *Snapshot) error
	// Invalidate drops the given modules, or every module of the tenant when none are given.
	Invalidate(ctx context.Context, tenantID string, moduleKeys ...string) error
}

type memoryCache struct {
	items *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{items: gocache.New(ttl, 2*ttl)}
}

func (c *memoryCache) Get(_ context.Context, tenantID, moduleKey string) (*Snapshot, bool, error) {
	v, ok := c.items.Get(rediskey.BuildLicenseKey(tenantID, moduleKey))
	if !ok {
		return nil, false, nil
	}
	snap, ok := v.(Snapshot)
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (c *memoryCache) Set(_ context.Context, tenantID, moduleKey string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	c.items.SetDefault(rediskey.BuildLicenseKey(tenantID, moduleKey), *snap)
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, tenantID string, moduleKeys ...string) error {
	if len(moduleKeys) > 0 {
		for _, m := range moduleKeys {
			c.items.Delete(rediskey.BuildLicenseKey(tenantID, m))
		}
		return nil
	}

	prefix := strings.TrimSuffix(rediskey.BuildTenantPattern(tenantID), "*")
	for k := range c.items.Items() {
		if strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
		}
	}
	return nil
}

type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) Cache {
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, tenantID, moduleKey string) (*Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, rediskey.BuildLicenseKey(tenantID, moduleKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *redisCache) Set(ctx context.Context, tenantID, moduleKey string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, rediskey.BuildLicenseKey(tenantID, moduleKey), raw, c.ttl).Err()
}

func (c *redisCache) Invalidate(ctx context.Context, tenantID string, moduleKeys ...string) error {
	if len(moduleKeys) > 0 {
		keys := make([]string, 0, len(moduleKeys))
		for _, m := range moduleKeys {
			keys = append(keys, rediskey.BuildLicenseKey(tenantID, m))
		}
		return c.rdb.Del(ctx, keys...).Err()
	}

	iter := c.rdb.Scan(ctx, 0, rediskey.BuildTenantPattern(tenantID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
