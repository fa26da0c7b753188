//go:build integration

// This file contains integration tests that require a running MongoDB
// replica set (LoadAll captures a session operation time, and Update routes
// through transactional CAS, neither of which a standalone server supports).
package cache

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestStore_PutGetDeleteRoundTrip(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("put, get, delete", func(mt *mtest.T) {
		store := NewStore("widgets", mt.Client, mt.Coll, 8, time.Second)
		defer store.Close()

		ctx := context.Background()
		if err := store.Put(ctx, bson.M{"key": "widget-1", "version": int64(0)}); err != nil {
			mt.Fatalf("Put: %v", err)
		}

		if r := store.Get("widget-1"); r.Kind() != KindSuccess {
			mt.Fatalf("expected Get to find the document just Put, got %v", r.Kind())
		}

		if err := store.Delete(ctx, "widget-1"); err != nil {
			mt.Fatalf("Delete: %v", err)
		}
		if r := store.Get("widget-1"); r.Kind() != KindEmpty {
			mt.Error("expected the document to be gone after Delete")
		}
	})
}

func TestStore_LoadAllPopulatesCacheAndReturnsOperationTime(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("initial load", func(mt *mtest.T) {
		ctx := context.Background()
		if _, err := mt.Coll.InsertOne(ctx, bson.M{"key": "widget-1", "version": int64(0)}); err != nil {
			mt.Fatalf("InsertOne: %v", err)
		}

		store := NewStore("widgets", mt.Client, mt.Coll, 8, time.Second)
		defer store.Close()

		opTime, err := store.LoadAll(ctx)
		if err != nil {
			mt.Fatalf("LoadAll: %v", err)
		}
		if opTime.T == 0 {
			mt.Error("expected a non-zero operation time")
		}
		if r := store.Get("widget-1"); r.Kind() != KindSuccess {
			mt.Error("expected LoadAll to populate the cache from the collection")
		}
	})
}

func TestStore_UpdateAppliesCASAndWarmsCache(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("update", func(mt *mtest.T) {
		ctx := context.Background()
		if _, err := mt.Coll.InsertOne(ctx, bson.M{"key": "widget-1", "version": int64(0), "qty": int64(1)}); err != nil {
			mt.Fatalf("InsertOne: %v", err)
		}

		store := NewStore("widgets", mt.Client, mt.Coll, 8, time.Second)
		defer store.Close()

		r := store.Update(ctx, "widget-1", func(current bson.M) (bson.M, error) {
			next := bson.M{}
			for k, v := range current {
				next[k] = v
			}
			next["version"] = current["version"].(int64) + 1
			next["qty"] = current["qty"].(int64) + 1
			return next, nil
		}, false)

		if r.Kind() != KindSuccess {
			mt.Fatalf("expected KindSuccess, got %v (%v)", r.Kind(), r.Err())
		}

		if got := store.Get("widget-1"); got.Kind() != KindSuccess {
			mt.Error("expected Update to warm the in-memory cache")
		} else if doc, _ := got.Value(); doc["qty"].(int64) != 2 {
			mt.Errorf("expected qty to be incremented to 2, got %v", doc["qty"])
		}
	})
}
