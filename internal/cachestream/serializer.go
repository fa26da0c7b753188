package cachestream

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.cachestream.dev/internal/common/metrics"
	"go.cachestream.dev/internal/common/repository"
)

// MaxTransactionAttempts bounds the CAS retry loop in UpdateExecutor.
const MaxTransactionAttempts = 50

const writeConflictCode = 112

var (
	// ErrDocumentNotFound is returned when the document being updated no
	// longer exists under its key.
	ErrDocumentNotFound = errors.New("cachestream: document not found")
	// ErrTransactionRetriesExceeded is returned when an update exhausts
	// MaxTransactionAttempts without a clean compare-and-swap.
	ErrTransactionRetriesExceeded = errors.New("cachestream: transaction retries exceeded")
	// ErrQueueFull is returned by UpdateSerializer.Enqueue when a per-key
	// queue stays full across all backpressure retries.
	ErrQueueFull = errors.New("cachestream: update queue full")
	// ErrSerializerShutdown is returned to any request still pending when a
	// queue or the registry is shut down.
	ErrSerializerShutdown = errors.New("cachestream: update serializer shut down")
)

// UpdateFunc transforms the current document into its next version. The
// returned value must be a distinct instance from doc (never the same
// pointer mutated in place) and must carry version == doc's version + 1.
type UpdateFunc func(doc bson.M) (bson.M, error)

// documentKeyVersion is the minimal shape the CAS executor needs to see on every
// record it updates.
type documentKeyVersion struct {
	key     string
	version int64
}

func extractKeyVersion(doc bson.M) (documentKeyVersion, bool) {
	key, ok := doc["key"].(string)
	if !ok {
		return documentKeyVersion{}, false
	}
	version, ok := toInt64(doc["version"])
	if !ok {
		return documentKeyVersion{}, false
	}
	return documentKeyVersion{key: key, version: version}, true
}

// sameInstance reports whether next is the same underlying map as current,
// i.e. the updateFn mutated its argument in place instead of returning a new
// value as UpdateFunc requires.
func sameInstance(current, next bson.M) bool {
	return reflect.ValueOf(current).Pointer() == reflect.ValueOf(next).Pointer()
}

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

// UpdateExecutor runs the compare-and-swap retry loop against a single
// collection. It is shared by UpdateSerializer's worker and by any
// synchronous caller that wants the same CAS guarantees without going
// through a per-key queue.
type UpdateExecutor struct {
	collection *mongo.Collection
	client     *mongo.Client
	avgPingNS  func() int64
}

// NewUpdateExecutor constructs an executor. avgPingNS supplies the
// round-trip estimate the backoff formula scales from; a nil func defaults
// to a fixed 1ms estimate.
func NewUpdateExecutor(client *mongo.Client, collection *mongo.Collection, avgPingNS func() int64) *UpdateExecutor {
	if avgPingNS == nil {
		avgPingNS = func() int64 { return int64(time.Millisecond) }
	}
	return &UpdateExecutor{collection: collection, client: client, avgPingNS: avgPingNS}
}

// backoff computes the per-attempt CAS retry delay: base on twice the
// one-way ping (half the average round trip), grown linearly with attempt,
// clamped to
// [50ms, 2000ms], with +/-25% jitter.
func (e *UpdateExecutor) backoff(attempt int) time.Duration {
	baseMS := float64(e.avgPingNS()) / 2 / 1e6 * 2
	delayMS := baseMS * (1 + 1.5*float64(attempt))

	if delayMS < 50 {
		delayMS = 50
	}
	if delayMS > 2000 {
		delayMS = 2000
	}

	jitter := delayMS * 0.25 * (rand.Float64()*2 - 1)
	total := delayMS + jitter
	if total < 0 {
		total = 0
	}
	return time.Duration(total * float64(time.Millisecond))
}

// Execute runs the CAS update loop described for the cache's optimistic
// concurrency model: fetch, apply fn, replaceOne filtered by {key,
// version=current}, and retry on either a lost race (modifiedCount==0, a
// stale read) or a write-conflict abort (error code 112, the read was
// fine but the transaction itself collided).
func (e *UpdateExecutor) Execute(ctx context.Context, cacheName, key string, fn UpdateFunc, bypassValidation bool) (bson.M, error) {
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		metrics.SerializerCASAttempts.WithLabelValues(cacheName).Observe(float64(attempt + 1))

		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.backoff(attempt)):
			}
		}

		doc, err := e.runAttempt(ctx, cacheName, key, fn, bypassValidation)
		switch {
		case err == nil:
			metrics.SerializerUpdatesProcessed.WithLabelValues(cacheName, "success").Inc()
			return doc, nil
		case errors.Is(err, errRetryAttempt):
			metrics.SerializerCASConflicts.WithLabelValues(cacheName, "version_mismatch").Inc()
			continue
		case isWriteConflict(err):
			metrics.SerializerCASConflicts.WithLabelValues(cacheName, "write_conflict").Inc()
			continue
		default:
			metrics.SerializerUpdatesProcessed.WithLabelValues(cacheName, "failed").Inc()
			return nil, err
		}
	}

	metrics.SerializerCASAttempts.WithLabelValues(cacheName).Observe(float64(MaxTransactionAttempts))
	metrics.SerializerUpdatesProcessed.WithLabelValues(cacheName, "failed").Inc()
	return nil, ErrTransactionRetriesExceeded
}

// errRetryAttempt is a sentinel signaling a lost CAS race: the read was
// valid but another writer committed first, and a fresh read is needed.
var errRetryAttempt = errors.New("cachestream: cas race lost, retry with fresh read")

func (e *UpdateExecutor) runAttempt(ctx context.Context, cacheName, key string, fn UpdateFunc, bypassValidation bool) (bson.M, error) {
	var result bson.M
	var attemptErr error

	err := runInSession(ctx, e.client, func(sessCtx mongo.SessionContext) error {
		var current bson.M
		findErr := repository.InstrumentVoid(sessCtx, cacheName, "find_one", func() error {
			return e.collection.FindOne(sessCtx, bson.M{"key": key}).Decode(&current)
		})
		if findErr != nil {
			if errors.Is(findErr, mongo.ErrNoDocuments) {
				attemptErr = ErrDocumentNotFound
				return attemptErr
			}
			attemptErr = findErr
			return findErr
		}

		kv, ok := extractKeyVersion(current)
		if !ok {
			attemptErr = errors.New("cachestream: document missing key or version")
			return attemptErr
		}

		next, err := fn(current)
		if err != nil {
			attemptErr = err
			return err
		}

		nextKV, ok := extractKeyVersion(next)
		if !ok || nextKV.key != kv.key || nextKV.version != kv.version+1 || sameInstance(current, next) {
			attemptErr = errors.New("cachestream: updateFn produced an invalid key/version")
			return attemptErr
		}

		res, replaceErr := repository.Instrument(sessCtx, cacheName, "replace_one", func() (*mongo.UpdateResult, error) {
			return e.collection.ReplaceOne(sessCtx,
				bson.M{"key": kv.key, "version": kv.version},
				next,
			)
		})
		if replaceErr != nil {
			attemptErr = replaceErr
			return replaceErr
		}
		if res.ModifiedCount == 0 {
			attemptErr = errRetryAttempt
			return attemptErr
		}

		result = next
		return nil
	})

	if err != nil {
		if attemptErr != nil {
			return nil, attemptErr
		}
		return nil, err
	}
	return result, nil
}

// runInSession wraps fn in a transaction. With a nil client it returns an
// error instead of panicking, and fn is never run.
func runInSession(ctx context.Context, client *mongo.Client, fn func(mongo.SessionContext) error) error {
	if client == nil {
		return errors.New("cachestream: update executor has no client for session")
	}
	session, err := client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

func isWriteConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == writeConflictCode {
		return true
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, werr := range we.WriteErrors {
			if werr.Code == writeConflictCode {
				return true
			}
		}
	}
	return false
}

// updateRequest is one queued update; completion is signaled exactly once
// via result.
type updateRequest struct {
	key              string
	fn               UpdateFunc
	bypassValidation bool
	result           chan updateResult
}

type updateResult struct {
	doc bson.M
	err error
}

const (
	enqueueRetries = 3
	enqueueDelay   = 50 * time.Millisecond
)

// UpdateSerializer processes updates for a single document key strictly in
// enqueue order, each one run through the CAS executor.
type UpdateSerializer struct {
	cacheName string
	key       string
	queue     chan updateRequest
	executor  *UpdateExecutor

	workerCtx    context.Context
	workerCancel context.CancelFunc

	mu        sync.Mutex
	running   bool
	lastUsed  time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

func newUpdateSerializer(cacheName, key string, maxQueuedUpdates int, executor *UpdateExecutor) *UpdateSerializer {
	workerCtx, workerCancel := context.WithCancel(context.Background())
	return &UpdateSerializer{
		cacheName:    cacheName,
		key:          key,
		queue:        make(chan updateRequest, maxQueuedUpdates),
		executor:     executor,
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
		lastUsed:     time.Now(),
		closed:       make(chan struct{}),
	}
}

// Enqueue submits an update for this key, trying non-blocking send first
// and retrying up to enqueueRetries times at enqueueDelay before rejecting.
func (s *UpdateSerializer) Enqueue(ctx context.Context, fn UpdateFunc, bypassValidation bool) (bson.M, error) {
	req := updateRequest{key: s.key, fn: fn, bypassValidation: bypassValidation, result: make(chan updateResult, 1)}

	if !s.trySend(ctx, req) {
		return nil, ErrQueueFull
	}
	s.tryStart()

	select {
	case res := <-req.result:
		return res.doc, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *UpdateSerializer) trySend(ctx context.Context, req updateRequest) bool {
	select {
	case s.queue <- req:
		s.touch()
		return true
	default:
	}

	for i := 0; i < enqueueRetries; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(enqueueDelay):
		}
		select {
		case s.queue <- req:
			s.touch()
			return true
		default:
		}
	}
	return false
}

func (s *UpdateSerializer) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *UpdateSerializer) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// tryStart launches the single drain worker if it is not already running.
func (s *UpdateSerializer) tryStart() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.processLoop()
}

func (s *UpdateSerializer) processLoop() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for req := range s.queue {
		if s.workerCtx.Err() != nil {
			req.result <- updateResult{err: ErrSerializerShutdown}
			continue
		}
		doc, err := s.executor.Execute(s.workerCtx, s.cacheName, s.key, req.fn, req.bypassValidation)
		req.result <- updateResult{doc: doc, err: err}
	}

	// Channel closed: fail any request left sitting in a send that raced
	// the close (best-effort; sends into a closed channel never happen
	// here since shutdown only closes after no further Enqueue can start).
}

// shutdown closes the queue and waits up to timeout for the worker to drain
// it. On timeout it cancels the worker's context, aborting whatever CAS
// attempt is in flight, and the worker then fails every request still
// sitting in the queue with ErrSerializerShutdown as it drains the rest of
// the closed channel.
func (s *UpdateSerializer) shutdown(timeout time.Duration) {
	s.closeOnce.Do(func() {
		close(s.queue)
		close(s.closed)
	})
	defer s.workerCancel()

	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		select {
		case <-deadline:
			slog.Warn("update serializer queue drain timed out, cancelling worker", "key", s.key)
			s.workerCancel()
			return
		case <-ticker.C:
		}
	}
}

const (
	serializerCleanupInterval = 60 * time.Second
	serializerIdleTimeout     = 30 * time.Second
)

// SerializerRegistry owns every per-key UpdateSerializer for one cache,
// creating them lazily and reaping ones that have gone idle.
type SerializerRegistry struct {
	cacheName        string
	maxQueuedUpdates int
	shutdownTimeout  time.Duration
	executor         *UpdateExecutor

	mu      sync.Mutex
	queues  map[string]*UpdateSerializer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSerializerRegistry constructs a dispatcher and starts its periodic
// idle-cleanup task.
func NewSerializerRegistry(cacheName string, maxQueuedUpdates int, shutdownTimeout time.Duration, executor *UpdateExecutor) *SerializerRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SerializerRegistry{
		cacheName:        cacheName,
		maxQueuedUpdates: maxQueuedUpdates,
		shutdownTimeout:  shutdownTimeout,
		executor:         executor,
		queues:           make(map[string]*UpdateSerializer),
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	go r.cleanupLoop(ctx)
	return r
}

// Enqueue routes an update to the key's serializer, creating it on first
// use under the registry mutex.
func (r *SerializerRegistry) Enqueue(ctx context.Context, key string, fn UpdateFunc, bypassValidation bool) (bson.M, error) {
	return r.getOrCreate(key).Enqueue(ctx, fn, bypassValidation)
}

func (r *SerializerRegistry) getOrCreate(key string) *UpdateSerializer {
	r.mu.Lock()
	if s, ok := r.queues[key]; ok {
		r.mu.Unlock()
		return s
	}
	s := newUpdateSerializer(r.cacheName, key, r.maxQueuedUpdates, r.executor)
	r.queues[key] = s
	metrics.SerializerActiveQueues.Set(float64(len(r.queues)))
	r.mu.Unlock()
	return s
}

func (r *SerializerRegistry) cleanupLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(serializerCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *SerializerRegistry) reapIdle() {
	r.mu.Lock()
	var idle []*UpdateSerializer
	for key, s := range r.queues {
		if s.idleFor() >= serializerIdleTimeout {
			idle = append(idle, s)
			delete(r.queues, key)
		}
	}
	metrics.SerializerActiveQueues.Set(float64(len(r.queues)))
	r.mu.Unlock()

	for _, s := range idle {
		s.shutdown(r.shutdownTimeout)
	}
}

// Shutdown cancels the cleanup task and shuts down every remaining queue.
func (r *SerializerRegistry) Shutdown() {
	r.cancel()
	<-r.done

	r.mu.Lock()
	queues := make([]*UpdateSerializer, 0, len(r.queues))
	for _, s := range r.queues {
		queues = append(queues, s)
	}
	r.queues = make(map[string]*UpdateSerializer)
	metrics.SerializerActiveQueues.Set(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range queues {
		wg.Add(1)
		go func(s *UpdateSerializer) {
			defer wg.Done()
			s.shutdown(r.shutdownTimeout)
		}(s)
	}
	wg.Wait()
}
