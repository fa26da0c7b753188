package cachestream

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// fakeHandler is a CacheHandler that records every call it receives.
type fakeHandler struct {
	mu sync.Mutex

	changed     []bson.M
	deletedIDs  []string
	drops       int
	renames     int
	dbDrops     int
	invalidates int
	unknownOps  []string
	connects    int
	disconnects int

	blockUntil chan struct{} // if non-nil, OnDocumentChanged blocks on it
}

func (f *fakeHandler) OnDocumentChanged(doc bson.M, opType OperationType) {
	if f.blockUntil != nil {
		<-f.blockUntil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, doc)
}
func (f *fakeHandler) OnDocumentDeleted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, id)
}
func (f *fakeHandler) OnCollectionDropped() { f.mu.Lock(); f.drops++; f.mu.Unlock() }
func (f *fakeHandler) OnCollectionRenamed() { f.mu.Lock(); f.renames++; f.mu.Unlock() }
func (f *fakeHandler) OnDatabaseDropped()   { f.mu.Lock(); f.dbDrops++; f.mu.Unlock() }
func (f *fakeHandler) OnChangeStreamInvalidated() {
	f.mu.Lock()
	f.invalidates++
	f.mu.Unlock()
}
func (f *fakeHandler) OnUnknownOperation(opType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unknownOps = append(f.unknownOps, opType)
}
func (f *fakeHandler) OnConnected()    { f.mu.Lock(); f.connects++; f.mu.Unlock() }
func (f *fakeHandler) OnDisconnected() { f.mu.Lock(); f.disconnects++; f.mu.Unlock() }

func (f *fakeHandler) changedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.changed)
}

func newTestProcessor(handler CacheHandler, bufSize int, timeout time.Duration) (*EventProcessor, chan ChangeEvent) {
	ch := make(chan ChangeEvent, bufSize)
	tokens := NewResumeTokenStore("test", nil)
	classifier := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	p := NewEventProcessor("test-stream", ch, handler, tokens, classifier, timeout)
	return p, ch
}

func TestEventProcessor_DispatchesInsertUpdateReplace(t *testing.T) {
	handler := &fakeHandler{}
	p, _ := newTestProcessor(handler, 4, time.Second)

	for _, op := range []OperationType{OpInsert, OpUpdate, OpReplace} {
		p.dispatchCore(ChangeEvent{OperationType: op, FullDocument: bson.M{"key": "x"}}, false)
	}

	if handler.changedCount() != 3 {
		t.Errorf("expected 3 OnDocumentChanged calls, got %d", handler.changedCount())
	}
}

func TestEventProcessor_DropsEventMissingFullDocument(t *testing.T) {
	handler := &fakeHandler{}
	p, _ := newTestProcessor(handler, 4, time.Second)

	p.dispatchCore(ChangeEvent{OperationType: OpUpdate, FullDocument: nil}, false)

	if handler.changedCount() != 0 {
		t.Error("expected event with nil FullDocument to be dropped, not dispatched")
	}
}

func TestEventProcessor_DispatchesDelete(t *testing.T) {
	handler := &fakeHandler{}
	p, _ := newTestProcessor(handler, 4, time.Second)

	p.dispatchCore(ChangeEvent{OperationType: OpDelete, DocumentKey: bson.M{"_id": "abc"}}, false)

	if len(handler.deletedIDs) != 1 || handler.deletedIDs[0] != "abc" {
		t.Errorf("expected OnDocumentDeleted(\"abc\"), got %v", handler.deletedIDs)
	}
}

func TestEventProcessor_DispatchesLifecycleOperations(t *testing.T) {
	handler := &fakeHandler{}
	p, _ := newTestProcessor(handler, 4, time.Second)

	p.dispatchCore(ChangeEvent{OperationType: OpDrop}, false)
	p.dispatchCore(ChangeEvent{OperationType: OpRename}, false)
	p.dispatchCore(ChangeEvent{OperationType: OpDropDatabase}, false)
	p.dispatchCore(ChangeEvent{OperationType: OpInvalidate}, false)
	p.dispatchCore(ChangeEvent{OperationType: "somethingElse"}, false)

	if handler.drops != 1 || handler.renames != 1 || handler.dbDrops != 1 || handler.invalidates != 1 {
		t.Errorf("expected one call of each lifecycle type, got %+v", handler)
	}
	if len(handler.unknownOps) != 1 || handler.unknownOps[0] != "somethingElse" {
		t.Errorf("expected unknown operation to be reported, got %v", handler.unknownOps)
	}
}

func TestEventProcessor_HandlerPanicDoesNotCrashProcessor(t *testing.T) {
	handler := &panicHandler{}
	p, _ := newTestProcessor(handler, 4, time.Second)

	// Must not panic out of dispatchCore.
	p.dispatchCore(ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "x"}}, false)
}

type panicHandler struct{ fakeHandler }

func (p *panicHandler) OnDocumentChanged(doc bson.M, opType OperationType) {
	panic("handler exploded")
}

func TestEventProcessor_DispatchWithTimeout_AdvancesTokenOnSuccess(t *testing.T) {
	handler := &fakeHandler{}
	ch := make(chan ChangeEvent, 4)
	tokens := NewResumeTokenStore("test", nil)
	classifier := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	p := NewEventProcessor("test-stream", ch, handler, tokens, classifier, time.Second)

	token := bson.Raw("\x05\x00\x00\x00\x00")
	ctx := context.Background()
	p.dispatchWithTimeout(ctx, ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "x"}, ResumeToken: token}, false)

	if string(tokens.Current()) != string(token) {
		t.Error("expected resume token to advance after a successful dispatch")
	}
}

func TestEventProcessor_DispatchWithTimeout_TimesOutWithoutAdvancingToken(t *testing.T) {
	handler := &fakeHandler{blockUntil: make(chan struct{})}
	defer close(handler.blockUntil)

	ch := make(chan ChangeEvent, 4)
	tokens := NewResumeTokenStore("test", nil)
	classifier := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	p := NewEventProcessor("test-stream", ch, handler, tokens, classifier, 20*time.Millisecond)

	token := bson.Raw("\x05\x00\x00\x00\x00")
	p.dispatchWithTimeout(context.Background(), ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "x"}, ResumeToken: token}, false)

	if len(tokens.Current()) != 0 {
		t.Error("expected resume token not to advance when dispatch times out")
	}
}

func TestEventProcessor_Run_ConsumesChannelUntilCancelled(t *testing.T) {
	handler := &fakeHandler{}
	p, ch := newTestProcessor(handler, 4, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	ch <- ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "a"}}
	ch <- ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "b"}}

	deadline := time.After(time.Second)
	for handler.changedCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for events to be processed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestEventProcessor_HandleIncoming_DirectSendWhenRoom(t *testing.T) {
	handler := &fakeHandler{}
	p, ch := newTestProcessor(handler, 4, time.Second)

	p.HandleIncoming(context.Background(), ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "x"}})

	select {
	case <-ch:
	default:
		t.Fatal("expected event to be enqueued onto the channel")
	}
}

func TestEventProcessor_HandleIncoming_FallsBackToDirectDispatchWhenFull(t *testing.T) {
	handler := &fakeHandler{}
	ch := make(chan ChangeEvent) // unbuffered: any send beyond an active receiver blocks
	tokens := NewResumeTokenStore("test", nil)
	classifier := NewErrorClassifier(5, 10*time.Millisecond, time.Second)
	p := NewEventProcessor("test-stream", ch, handler, tokens, classifier, time.Second)

	start := time.Now()
	p.HandleIncoming(context.Background(), ChangeEvent{OperationType: OpInsert, FullDocument: bson.M{"key": "x"}})
	elapsed := time.Since(start)

	// No consumer is ever draining ch, so this must have gone through the
	// backpressure-retry-then-direct-dispatch path, not a successful send.
	if elapsed < backpressureDelay*backpressureRetries {
		t.Errorf("expected HandleIncoming to exhaust backpressure retries (>= %v), took %v", backpressureDelay*backpressureRetries, elapsed)
	}
	if handler.changedCount() != 1 {
		t.Errorf("expected the event to reach the handler via direct dispatch, got %d calls", handler.changedCount())
	}
}
