//go:build integration

// This file contains integration tests that require a running MongoDB
// replica set (transactions are unavailable against a standalone).
package cachestream

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestUpdateExecutor_ExecuteAppliesCASUpdate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("increments version on success", func(mt *mtest.T) {
		ctx := context.Background()
		if _, err := mt.Coll.InsertOne(ctx, bson.M{"key": "widget-1", "version": int64(0), "qty": int64(1)}); err != nil {
			mt.Fatalf("InsertOne: %v", err)
		}

		executor := NewUpdateExecutor(mt.Client, mt.Coll, nil)
		doc, err := executor.Execute(ctx, "cache", "widget-1", func(current bson.M) (bson.M, error) {
			next := bson.M{}
			for k, v := range current {
				next[k] = v
			}
			next["version"] = current["version"].(int64) + 1
			next["qty"] = current["qty"].(int64) + 1
			return next, nil
		}, false)
		if err != nil {
			mt.Fatalf("Execute: %v", err)
		}
		if doc["version"].(int64) != 1 {
			mt.Errorf("expected version 1 after one update, got %v", doc["version"])
		}
	})

	mt.Run("document not found", func(mt *mtest.T) {
		executor := NewUpdateExecutor(mt.Client, mt.Coll, nil)
		_, err := executor.Execute(context.Background(), "cache", "does-not-exist", func(current bson.M) (bson.M, error) {
			return current, nil
		}, false)
		if err != ErrDocumentNotFound {
			mt.Errorf("expected ErrDocumentNotFound, got %v", err)
		}
	})
}

func TestSerializerRegistry_AppliesEveryConcurrentUpdateToOneKey(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("concurrent updates to one key are all applied", func(mt *mtest.T) {
		ctx := context.Background()
		if _, err := mt.Coll.InsertOne(ctx, bson.M{"key": "widget-1", "version": int64(0), "log": bson.A{}}); err != nil {
			mt.Fatalf("InsertOne: %v", err)
		}

		executor := NewUpdateExecutor(mt.Client, mt.Coll, nil)
		registry := NewSerializerRegistry("cache", 16, time.Second, executor)
		defer registry.Shutdown()

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := registry.Enqueue(ctx, "widget-1", func(current bson.M) (bson.M, error) {
					next := bson.M{}
					for k, v := range current {
						next[k] = v
					}
					next["version"] = current["version"].(int64) + 1
					log, _ := current["log"].(bson.A)
					next["log"] = append(log, i)
					return next, nil
				}, false)
				if err != nil {
					mt.Errorf("Enqueue(%d): %v", i, err)
				}
			}()
		}
		wg.Wait()

		var final bson.M
		if err := mt.Coll.FindOne(ctx, bson.M{"key": "widget-1"}).Decode(&final); err != nil {
			mt.Fatalf("FindOne: %v", err)
		}
		if final["version"].(int64) != int64(n) {
			mt.Errorf("expected version %d after %d serialized updates, got %v", n, n, final["version"])
		}
		if log, _ := final["log"].(bson.A); len(log) != n {
			mt.Errorf("expected %d log entries after %d serialized updates, got %d", n, n, len(log))
		}
	})
}
