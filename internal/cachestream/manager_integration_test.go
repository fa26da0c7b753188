//go:build integration

// This file contains integration tests that require a running MongoDB
// replica set (change streams are unavailable against a standalone).
package cachestream

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestStreamManager_ConnectsAndReplicatesInserts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().Topologies(mtest.ReplicaSet).CreateClient(true))
	defer mt.Close()

	mt.Run("insert is observed and applied", func(mt *mtest.T) {
		handler := &fakeHandler{}
		manager := NewStreamManager(Config{
			Name:                   "it",
			Collection:             mt.Coll,
			MaxBufferedEvents:      16,
			MaxRetries:             3,
			InitialRetryDelay:      10 * time.Millisecond,
			MaxRetryDelay:          time.Second,
			EventProcessingTimeout: time.Second,
		}, handler)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := manager.Start(ctx, nil); err != nil {
			mt.Fatalf("Start: %v", err)
		}
		defer manager.Stop()

		waitForState(mt, manager, StateConnected, 5*time.Second)

		if _, err := mt.Coll.InsertOne(ctx, bson.M{"key": "widget-1", "version": 0}); err != nil {
			mt.Fatalf("InsertOne: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for handler.changedCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if handler.changedCount() == 0 {
			mt.Fatal("expected the cache handler to observe the inserted document")
		}
	})
}

func waitForState(t *mtest.T, m *StreamManager, want ConnectionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.GetCurrentState() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, m.GetCurrentState())
}
