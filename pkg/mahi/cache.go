// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mahi

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheConfig configures the identity read-through cache.
type CacheConfig struct {
	Address  string        `help:"redis address for the identity cache" default:"localhost:6379"`
	Password string        `help:"redis password" default:""`
	DB       int           `help:"redis database" default:"0"`
	TTL      time.Duration `help:"how long resolved identities stay cached" default:"5m"`
}

// CachedResolver is a Redis read-through cache in front of a Resolver.
// Positive lookups are cached with a TTL; failures always fall through, so a
// deleted account converges within one TTL and a transient mahi outage can
// still be served from cache-warm entries going the other way.
type CachedResolver struct {
	log   *zap.Logger
	inner Resolver
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedResolver wraps inner with a Redis cache.
func NewCachedResolver(log *zap.Logger, inner Resolver, cfg CacheConfig) *CachedResolver {
	return &CachedResolver{
		log:   log,
		inner: inner,
		redis: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: cfg.TTL,
	}
}

// Close releases the redis connection pool.
func (cache *CachedResolver) Close() error {
	return cache.redis.Close()
}

// AccountByLogin implements Resolver.
func (cache *CachedResolver) AccountByLogin(ctx context.Context, login string) (*Account, error) {
	var account Account
	if cache.lookup(ctx, "account:login:"+login, &account) {
		return &account, nil
	}
	resolved, err := cache.inner.AccountByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	cache.store(ctx, "account:login:"+login, resolved)
	cache.store(ctx, "account:uuid:"+resolved.UUID, resolved)
	return resolved, nil
}

// AccountByUUID implements Resolver.
func (cache *CachedResolver) AccountByUUID(ctx context.Context, uuid string) (*Account, error) {
	var account Account
	if cache.lookup(ctx, "account:uuid:"+uuid, &account) {
		return &account, nil
	}
	resolved, err := cache.inner.AccountByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	cache.store(ctx, "account:uuid:"+uuid, resolved)
	return resolved, nil
}

// UserByLogin implements Resolver.
func (cache *CachedResolver) UserByLogin(ctx context.Context, accountLogin, userLogin string) (*User, error) {
	key := "user:login:" + accountLogin + "/" + userLogin
	var user User
	if cache.lookup(ctx, key, &user) {
		return &user, nil
	}
	resolved, err := cache.inner.UserByLogin(ctx, accountLogin, userLogin)
	if err != nil {
		return nil, err
	}
	cache.store(ctx, key, resolved)
	cache.store(ctx, "user:uuid:"+resolved.UUID, resolved)
	return resolved, nil
}

// UserByUUID implements Resolver.
func (cache *CachedResolver) UserByUUID(ctx context.Context, uuid string) (*User, error) {
	var user User
	if cache.lookup(ctx, "user:uuid:"+uuid, &user) {
		return &user, nil
	}
	resolved, err := cache.inner.UserByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	cache.store(ctx, "user:uuid:"+uuid, resolved)
	return resolved, nil
}

// RolesByUUID implements Resolver. Role sets are small and account-scoped, so
// the whole response is cached under the joined uuid list.
func (cache *CachedResolver) RolesByUUID(ctx context.Context, accountUUID string, uuids []string) (map[string]Role, error) {
	key := "roles:" + accountUUID + ":" + joinSorted(uuids)
	var roles map[string]Role
	if cache.lookup(ctx, key, &roles) {
		return roles, nil
	}
	resolved, err := cache.inner.RolesByUUID(ctx, accountUUID, uuids)
	if err != nil {
		return nil, err
	}
	cache.store(ctx, key, resolved)
	return resolved, nil
}

// RoleNameToUUID implements Resolver.
func (cache *CachedResolver) RoleNameToUUID(ctx context.Context, accountUUID, name string) (string, error) {
	key := "rolename:" + accountUUID + ":" + name
	var uuid string
	if cache.lookup(ctx, key, &uuid) {
		return uuid, nil
	}
	resolved, err := cache.inner.RoleNameToUUID(ctx, accountUUID, name)
	if err != nil {
		return "", err
	}
	cache.store(ctx, key, resolved)
	return resolved, nil
}

func (cache *CachedResolver) lookup(ctx context.Context, key string, out interface{}) bool {
	data, err := cache.redis.Get(ctx, "mahi:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			cache.log.Debug("identity cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		cache.log.Debug("identity cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	mon.Event("mahi_cache_hit")
	return true
}

func (cache *CachedResolver) store(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := cache.redis.Set(ctx, "mahi:"+key, data, cache.ttl).Err(); err != nil {
		cache.log.Debug("identity cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func joinSorted(values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

var _ Resolver = (*CachedResolver)(nil)
