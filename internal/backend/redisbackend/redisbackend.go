// Package redisbackend implements backend.Backend over Redis via
// github.com/redis/go-redis/v9. Keys are stored as plain string values
// under a configurable prefix; SCAN replaces KEYS for List so a large
// keyspace doesn't block the server on one call.
package redisbackend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// Param names understood by Factory.
const (
	ParamAddr     = "addr"
	ParamPassword = "password"
	ParamDB       = "db"
	ParamPrefix   = "prefix"
)

// Backend stores each key as a Redis string value under Prefix+key.
type Backend struct {
	client *redis.Client
	prefix string
}

// New returns a Backend using an already-constructed client, namespacing
// every key under prefix.
func New(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

// Factory adapts redis.NewClient to backend.Factory.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	addr, ok := params[ParamAddr]
	if !ok || addr == "" {
		return nil, apierr.New("redisbackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamAddr))
	}
	var db int
	if raw := params[ParamDB]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apierr.New("redisbackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("invalid %q: %w", ParamDB, err))
		}
		db = n
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: params[ParamPassword],
		DB:       db,
	})
	return New(client, params[ParamPrefix]), nil
}

func (b *Backend) key(key string) string { return b.prefix + key }

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, b.key(key), value, 0).Err(); err != nil {
		return apierr.New("redisbackend.Write", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, apierr.New("redisbackend.Read", apierr.KindNotFound, err)
	}
	if err != nil {
		return nil, apierr.New("redisbackend.Read", apierr.KindBackendUnavailable, err)
	}
	return data, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil && err != redis.Nil {
		return apierr.New("redisbackend.Remove", apierr.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, apierr.New("redisbackend.List", apierr.KindBackendUnavailable, err)
	}
	return keys, nil
}

func (b *Backend) Close() error {
	if err := b.client.Close(); err != nil {
		return apierr.New("redisbackend.Close", apierr.KindIO, err)
	}
	return nil
}
