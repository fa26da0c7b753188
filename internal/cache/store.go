package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"go.cachestream.dev/internal/cachestream"
	"go.cachestream.dev/internal/common/metrics"
	"go.cachestream.dev/internal/common/repository"
)

// ErrClosed is returned by operations attempted after the store has been
// closed.
var ErrClosed = errors.New("cache: store is closed")

// Store is a process-local, in-memory cache of documents kept coherent
// with a MongoDB collection via a change-stream subscription. Reads are
// synchronous against the in-memory copy; Put and Delete write straight to
// the collection, and Update goes through the per-key serializer, which runs
// the CAS update executor.
//
// Store implements cachestream.CacheHandler.
type Store struct {
	name       string
	collection *mongo.Collection
	client     *mongo.Client

	byKey   sync.Map // key string -> bson.M
	idToKey sync.Map // id string -> key string

	executor    *cachestream.UpdateExecutor
	serializers *cachestream.SerializerRegistry

	mu     sync.RWMutex
	closed bool
}

// NewStore constructs a Store backed by collection. maxQueuedUpdates and
// shutdownTimeout configure the per-key UpdateSerializer registry.
func NewStore(name string, client *mongo.Client, collection *mongo.Collection, maxQueuedUpdates int, shutdownTimeout time.Duration) *Store {
	executor := cachestream.NewUpdateExecutor(client, collection, nil)
	return &Store{
		name:        name,
		collection:  collection,
		client:      client,
		executor:    executor,
		serializers: cachestream.NewSerializerRegistry(name, maxQueuedUpdates, shutdownTimeout, executor),
	}
}

// LoadAll scans the collection into memory and returns the server's
// current operation time, captured before the scan so a subsequently
// started change stream can use it as its effective start position without
// missing writes that land during the load.
func (s *Store) LoadAll(ctx context.Context) (primitive.Timestamp, error) {
	opTime, err := s.currentOperationTime(ctx)
	if err != nil {
		return primitive.Timestamp{}, err
	}

	cursor, err := repository.Instrument(ctx, s.name, "find_all", func() (*mongo.Cursor, error) {
		return s.collection.Find(ctx, bson.M{})
	})
	if err != nil {
		return primitive.Timestamp{}, err
	}
	defer cursor.Close(ctx)

	count := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			slog.Warn("skipping undecodable document during initial load", "cache", s.name, "error", err)
			continue
		}
		s.store(doc)
		count++
	}
	if err := cursor.Err(); err != nil {
		return primitive.Timestamp{}, err
	}

	slog.Info("initial cache load complete", "cache", s.name, "documents", count)
	metrics.CacheSize.WithLabelValues(s.name).Set(float64(count))
	return opTime, nil
}

func (s *Store) currentOperationTime(ctx context.Context) (primitive.Timestamp, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return primitive.Timestamp{}, err
	}
	defer session.EndSession(ctx)

	sessCtx := mongo.NewSessionContext(ctx, session)
	if err := s.client.Ping(sessCtx, nil); err != nil {
		return primitive.Timestamp{}, err
	}

	ts := session.OperationTime()
	if ts == nil {
		return primitive.Timestamp{}, errors.New("cache: server did not report an operation time")
	}
	return *ts, nil
}

// Get returns the cached document for key, if present.
func (s *Store) Get(key string) Result[bson.M] {
	v, ok := s.byKey.Load(key)
	if !ok {
		metrics.CacheOperations.WithLabelValues(s.name, "get", "miss").Inc()
		return Empty[bson.M]()
	}
	metrics.CacheOperations.WithLabelValues(s.name, "get", "hit").Inc()
	return Success(v.(bson.M))
}

// FindByUniqueIndex scans the in-memory cache for the first document whose
// field equals value. The core has no notion of secondary indexes; this is
// a linear scan suitable for the modest cache sizes this library targets.
func (s *Store) FindByUniqueIndex(field string, value interface{}) Result[bson.M] {
	var found bson.M
	s.byKey.Range(func(_, v interface{}) bool {
		doc := v.(bson.M)
		if doc[field] == value {
			found = doc
			return false
		}
		return true
	})
	if found == nil {
		metrics.CacheOperations.WithLabelValues(s.name, "find_by_index", "miss").Inc()
		return Empty[bson.M]()
	}
	metrics.CacheOperations.WithLabelValues(s.name, "find_by_index", "hit").Inc()
	return Success(found)
}

// Query returns every cached document matching every key/value pair in
// filter (logical AND, exact equality).
func (s *Store) Query(filter bson.M) []bson.M {
	var matches []bson.M
	s.byKey.Range(func(_, v interface{}) bool {
		doc := v.(bson.M)
		if matchesFilter(doc, filter) {
			matches = append(matches, doc)
		}
		return true
	})
	metrics.CacheOperations.WithLabelValues(s.name, "query", "success").Inc()
	return matches
}

func matchesFilter(doc, filter bson.M) bool {
	for k, want := range filter {
		if doc[k] != want {
			return false
		}
	}
	return true
}

// Put inserts a brand-new document (version 0) directly into the store and
// warms the in-memory cache; it does not go through the CAS executor since
// there is no prior version to race against.
func (s *Store) Put(ctx context.Context, doc bson.M) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := repository.InstrumentVoid(ctx, s.name, "insert_one", func() error {
		_, err := s.collection.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues(s.name, "put", "failed").Inc()
		if mongo.IsDuplicateKeyError(err) {
			return errors.New("cache: key already exists")
		}
		return err
	}
	s.store(doc)
	metrics.CacheOperations.WithLabelValues(s.name, "put", "success").Inc()
	return nil
}

// Delete removes a document by key, both from the store and from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := repository.InstrumentVoid(ctx, s.name, "delete_one", func() error {
		_, err := s.collection.DeleteOne(ctx, bson.M{"key": key})
		return err
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues(s.name, "delete", "failed").Inc()
		return err
	}
	s.forget(key)
	metrics.CacheOperations.WithLabelValues(s.name, "delete", "success").Inc()
	return nil
}

// Update routes a CAS update for key through the per-key serializer,
// guaranteeing FIFO ordering against any other concurrent Update for the
// same key.
func (s *Store) Update(ctx context.Context, key string, fn cachestream.UpdateFunc, bypassValidation bool) Result[bson.M] {
	if s.isClosed() {
		return Reject[bson.M](ErrClosed)
	}

	start := time.Now()
	doc, err := s.serializers.Enqueue(ctx, key, fn, bypassValidation)
	metrics.SerializerUpdateDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, cachestream.ErrQueueFull):
			return Reject[bson.M](err)
		case errors.Is(err, cachestream.ErrDocumentNotFound):
			return Empty[bson.M]()
		default:
			return Failure[bson.M](err)
		}
	}

	s.store(doc)
	return Success(doc)
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close shuts down the per-key update serializer registry. The replicated
// change stream itself is owned and stopped separately by the
// cachestream.StreamManager driving this store.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.serializers.Shutdown()
}

func (s *Store) store(doc bson.M) {
	key, ok := doc["key"].(string)
	if !ok {
		slog.Warn("document missing string key field, not cached", "cache", s.name)
		return
	}
	s.byKey.Store(key, doc)
	if id, ok := cachestream.ExtractDocumentID(bson.M{"_id": doc["_id"]}); ok {
		s.idToKey.Store(id, key)
	}
	s.updateSize()
}

func (s *Store) forget(key string) {
	if v, ok := s.byKey.Load(key); ok {
		if doc, ok := v.(bson.M); ok {
			if id, ok := cachestream.ExtractDocumentID(bson.M{"_id": doc["_id"]}); ok {
				s.idToKey.Delete(id)
			}
		}
	}
	s.byKey.Delete(key)
	s.updateSize()
}

func (s *Store) forgetByID(id string) {
	keyVal, ok := s.idToKey.Load(id)
	if !ok {
		return
	}
	s.idToKey.Delete(id)
	s.byKey.Delete(keyVal.(string))
	s.updateSize()
}

func (s *Store) clear() {
	s.byKey.Range(func(k, _ interface{}) bool {
		s.byKey.Delete(k)
		return true
	})
	s.idToKey.Range(func(k, _ interface{}) bool {
		s.idToKey.Delete(k)
		return true
	})
	s.updateSize()
}

func (s *Store) updateSize() {
	count := 0
	s.byKey.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	metrics.CacheSize.WithLabelValues(s.name).Set(float64(count))
}

// --- cachestream.CacheHandler ---

// OnDocumentChanged implements cachestream.CacheHandler.
func (s *Store) OnDocumentChanged(doc bson.M, opType cachestream.OperationType) {
	s.store(doc)
}

// OnDocumentDeleted implements cachestream.CacheHandler.
func (s *Store) OnDocumentDeleted(id string) {
	s.forgetByID(id)
}

// OnCollectionDropped implements cachestream.CacheHandler.
func (s *Store) OnCollectionDropped() {
	slog.Warn("watched collection dropped, clearing cache", "cache", s.name)
	s.clear()
}

// OnCollectionRenamed implements cachestream.CacheHandler.
func (s *Store) OnCollectionRenamed() {
	slog.Warn("watched collection renamed, clearing cache", "cache", s.name)
	s.clear()
}

// OnDatabaseDropped implements cachestream.CacheHandler.
func (s *Store) OnDatabaseDropped() {
	slog.Warn("database dropped, clearing cache", "cache", s.name)
	s.clear()
}

// OnChangeStreamInvalidated implements cachestream.CacheHandler.
func (s *Store) OnChangeStreamInvalidated() {
	slog.Warn("change stream invalidated, cache may be stale until resubscribed", "cache", s.name)
}

// OnUnknownOperation implements cachestream.CacheHandler.
func (s *Store) OnUnknownOperation(opType string) {
	slog.Warn("unrecognized change-stream operation type, ignoring", "cache", s.name, "operation", opType)
}

// OnConnected implements cachestream.CacheHandler.
func (s *Store) OnConnected() {
	slog.Info("cache replication connected", "cache", s.name)
}

// OnDisconnected implements cachestream.CacheHandler.
func (s *Store) OnDisconnected() {
	slog.Warn("cache replication disconnected", "cache", s.name)
}
