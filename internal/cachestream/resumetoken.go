package cachestream

import (
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// tokenMaintenanceInterval and tokenMaintenanceEventCount bound how often
// the previous token is discarded: only once both thresholds are reached.
const (
	tokenMaintenanceInterval   = 5 * time.Minute
	tokenMaintenanceEventCount = 1000
)

// CheckpointStore persists resume tokens across process restarts. It is an
// optional collaborator — a ResumeTokenStore with no CheckpointStore simply
// keeps tokens in memory for the lifetime of the process.
type CheckpointStore interface {
	GetCheckpoint(key string) (bson.Raw, error)
	SaveCheckpoint(key string, token bson.Raw) error
}

// ResumeTokenStore holds the positioning state needed to configure (and
// reconfigure, across reconnects) a change-stream watch: the current and
// previous resume tokens, and the effective start time captured before the
// initial cache load.
//
// Tokens are only ever set from events whose processing has already
// succeeded — never from an event in flight — so a crash mid-dispatch can
// never advance past an unprocessed event.
type ResumeTokenStore struct {
	mu sync.Mutex

	current  bson.Raw
	previous bson.Raw

	effectiveStartTime primitive.Timestamp
	haveStartTime      bool

	eventsSinceMaintenance int
	lastMaintenance        time.Time

	checkpointKey string
	store         CheckpointStore
}

// NewResumeTokenStore constructs a store, optionally backed by a
// CheckpointStore for cross-restart persistence. checkpointKey identifies
// this stream's checkpoint row/entry when store is non-nil.
func NewResumeTokenStore(checkpointKey string, store CheckpointStore) *ResumeTokenStore {
	return &ResumeTokenStore{
		checkpointKey:   checkpointKey,
		store:           store,
		lastMaintenance: time.Now(),
	}
}

// Seed loads a previously persisted token from the CheckpointStore, if any.
// Call once before the first Configure.
func (s *ResumeTokenStore) Seed() {
	if s.store == nil {
		return
	}
	token, err := s.store.GetCheckpoint(s.checkpointKey)
	if err != nil {
		slog.Warn("failed to load checkpoint, starting from current position", "error", err, "key", s.checkpointKey)
		return
	}
	if len(token) == 0 {
		return
	}
	s.mu.Lock()
	s.current = token
	s.mu.Unlock()
}

// SetEffectiveStartTime records the cluster timestamp captured before the
// initial bulk load of the cache. It is never cleared by token invalidation.
func (s *ResumeTokenStore) SetEffectiveStartTime(ts primitive.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effectiveStartTime = ts
	s.haveStartTime = true
}

// Configure applies the positioning fallback chain to a ChangeStream
// options builder: current token, then previous token, then
// effectiveStartTime, and finally current-time tailing if none are set
// (logged as a possible gap).
func (s *ResumeTokenStore) Configure(opts *options.ChangeStreamOptions) {
	opts.SetFullDocument(options.UpdateLookup)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case len(s.current) > 0:
		opts.SetResumeAfter(s.current)
	case len(s.previous) > 0:
		opts.SetResumeAfter(s.previous)
	case s.haveStartTime:
		opts.SetStartAtOperationTime(&s.effectiveStartTime)
	default:
		slog.Warn("no resume token or start time available, tailing from current server time; events may be missed")
	}
}

// Advance records a successfully dispatched event's resume token,
// shifting current into previous. Must only be called after the event has
// been fully handled by the cache handler.
func (s *ResumeTokenStore) Advance(token bson.Raw) {
	if len(token) == 0 {
		return
	}

	s.mu.Lock()
	s.previous = s.current
	s.current = token
	eventCount := s.eventsSinceMaintenance + 1
	s.eventsSinceMaintenance = eventCount
	dueForMaintenance := eventCount >= tokenMaintenanceEventCount && time.Since(s.lastMaintenance) >= tokenMaintenanceInterval
	if dueForMaintenance {
		s.previous = nil
		s.eventsSinceMaintenance = 0
		s.lastMaintenance = time.Now()
	}
	current := s.current
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveCheckpoint(s.checkpointKey, current); err != nil {
			slog.Warn("failed to persist checkpoint", "error", err, "key", s.checkpointKey)
		}
	}
}

// HandleTokenError clears both tokens on a resume-token-invalidation error.
// The effective start time is never cleared — it remains the fallback
// position, which may itself be outside the oplog window, in which case a
// bounded gap is accepted (and already logged by Configure).
func (s *ResumeTokenStore) HandleTokenError() {
	s.mu.Lock()
	s.current = nil
	s.previous = nil
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveCheckpoint(s.checkpointKey, nil); err != nil {
			slog.Warn("failed to clear persisted checkpoint", "error", err, "key", s.checkpointKey)
		}
	}
}

// Current returns a copy of the current resume token, or nil.
func (s *ResumeTokenStore) Current() bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(bson.Raw(nil), s.current...)
}

// Previous returns a copy of the previous resume token, or nil.
func (s *ResumeTokenStore) Previous() bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(bson.Raw(nil), s.previous...)
}
