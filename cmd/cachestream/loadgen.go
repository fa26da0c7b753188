package main

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/time/rate"

	"go.cachestream.dev/internal/cache"
	"go.cachestream.dev/internal/config"
)

// loadGenerator is an optional lifecycle.Service that exercises Put/Update
// against a Store so the replication path has continuous traffic to
// demonstrate against when nothing else is writing to the collection.
type loadGenerator struct {
	store   *cache.Store
	limiter *rate.Limiter
	keys    []string
}

func newLoadGenerator(cfg config.LoadGenConfig, store *cache.Store) *loadGenerator {
	keys := make([]string, cfg.KeyPoolSize)
	for i := range keys {
		keys[i] = uuid.New().String()
	}

	perSecond := float64(cfg.RatePerMinute) / 60.0
	return &loadGenerator{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.RatePerMinute),
		keys:    keys,
	}
}

func (g *loadGenerator) Name() string { return "loadgen" }

// Start seeds every key in the pool, then cycles through the pool in order,
// issuing a CAS Update against each key in turn, throttled by limiter, until
// ctx is done.
func (g *loadGenerator) Start(ctx context.Context) error {
	for _, key := range g.keys {
		if err := g.store.Put(ctx, bson.M{"key": key, "version": int64(0), "counter": int64(0)}); err != nil {
			slog.Warn("loadgen: failed to seed key, skipping", "key", key, "error", err)
		}
	}

	i := 0
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}

		key := g.keys[i%len(g.keys)]
		i++

		result := g.store.Update(ctx, key, func(doc bson.M) (bson.M, error) {
			next := bson.M{}
			for k, v := range doc {
				next[k] = v
			}
			version, _ := toInt64(doc["version"])
			counter, _ := toInt64(doc["counter"])
			next["version"] = version + 1
			next["counter"] = counter + 1
			return next, nil
		}, false)

		if !result.Ok() && result.Kind() != cache.KindEmpty {
			slog.Warn("loadgen: update failed", "key", key, "error", result.Err())
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (g *loadGenerator) Stop(ctx context.Context) error { return nil }

func (g *loadGenerator) Health() error { return nil }

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
