package cachestream

import (
	"context"
	"log/slog"
	"math"
	"time"

	"go.cachestream.dev/internal/common/metrics"
)

// selectTimeoutFraction and its clamp bound how often the processor loop
// wakes up with no event to re-check cancellation, independent of how long
// eventProcessingTimeout is configured.
const (
	selectTimeoutFraction = 10
	selectTimeoutMin      = 100 * time.Millisecond
	selectTimeoutMax      = 5000 * time.Millisecond

	backpressureRetries = 3
	backpressureDelay   = 50 * time.Millisecond
)

// EventProcessor is the single long-running consumer of the bounded event
// channel. It dispatches decoded change events to the CacheHandler, applies
// backpressure when the channel a StreamManager sends into is full, and
// falls back to a direct, channel-bypassing dispatch ("event-loss recovery")
// rather than silently dropping an event.
type EventProcessor struct {
	streamName             string
	channel                chan ChangeEvent
	handler                CacheHandler
	tokens                 *ResumeTokenStore
	classifier             *ErrorClassifier
	eventProcessingTimeout time.Duration

	eventCount int64
}

// NewEventProcessor constructs a processor bound to a freshly created
// channel. StreamManager.start recreates both the channel and the processor
// on every start, since a closed Go channel cannot be reused.
func NewEventProcessor(
	streamName string,
	channel chan ChangeEvent,
	handler CacheHandler,
	tokens *ResumeTokenStore,
	classifier *ErrorClassifier,
	eventProcessingTimeout time.Duration,
) *EventProcessor {
	return &EventProcessor{
		streamName:             streamName,
		channel:                channel,
		handler:                handler,
		tokens:                 tokens,
		classifier:             classifier,
		eventProcessingTimeout: eventProcessingTimeout,
	}
}

// selectTimeout returns the clamped timeout used between channel receives.
func (p *EventProcessor) selectTimeout() time.Duration {
	t := p.eventProcessingTimeout / selectTimeoutFraction
	if t < selectTimeoutMin {
		return selectTimeoutMin
	}
	if t > selectTimeoutMax {
		return selectTimeoutMax
	}
	return t
}

// Run is the processor task's main loop. It returns when ctx is cancelled.
func (p *EventProcessor) Run(ctx context.Context) {
	timeout := p.selectTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.channel:
			if !ok {
				return
			}
			p.dispatchWithTimeout(ctx, event, false)
		case <-time.After(timeout):
			// Normal: periodic wakeup to re-check cancellation.
			continue
		}
	}
}

// dispatchWithTimeout bounds a single event's processing by
// eventProcessingTimeout, then (on success) advances resume tokens and the
// event counter. recovery marks loss-recovery dispatches for logging only —
// the dispatch logic itself is identical either way.
func (p *EventProcessor) dispatchWithTimeout(ctx context.Context, event ChangeEvent, recovery bool) {
	start := time.Now()

	done := make(chan struct{})
	dispatchCtx, cancel := context.WithTimeout(ctx, p.eventProcessingTimeout)
	defer cancel()

	go func() {
		defer close(done)
		p.dispatchCore(event, recovery)
	}()

	select {
	case <-done:
		metrics.StreamEventProcessingDuration.WithLabelValues(p.streamName, string(event.OperationType)).Observe(time.Since(start).Seconds())
		metrics.StreamEventsProcessed.WithLabelValues(p.streamName, string(event.OperationType), "success").Inc()
		p.onDispatchSuccess(event)
	case <-dispatchCtx.Done():
		slog.Warn("event dispatch timed out", "stream", p.streamName, "operation", event.OperationType, "recovery", recovery)
		metrics.StreamEventsProcessed.WithLabelValues(p.streamName, string(event.OperationType), "failed").Inc()
	}
}

// onDispatchSuccess advances the resume-token store and wraps the event
// counter at the same boundary described for 64-bit counters generally:
// wrap to 0 just before it would overflow, rather than overflowing silently.
func (p *EventProcessor) onDispatchSuccess(event ChangeEvent) {
	if len(event.ResumeToken) > 0 {
		p.tokens.Advance(event.ResumeToken)
	}

	if p.eventCount >= math.MaxInt64-1 {
		p.eventCount = 0
	} else {
		p.eventCount++
	}
}

// dispatchCore is the single dispatch function shared by the normal
// channel-consuming path and the event-loss recovery bypass path. recovery
// only affects logging.
func (p *EventProcessor) dispatchCore(event ChangeEvent, recovery bool) {
	defer func() {
		if r := recover(); r != nil {
			// Handler bugs must never take the stream down with them.
			slog.Error("cache handler panicked while processing event", "stream", p.streamName, "operation", event.OperationType, "recovery", recovery, "panic", r)
		}
	}()

	switch event.OperationType {
	case OpInsert, OpUpdate, OpReplace:
		if event.FullDocument == nil {
			slog.Warn("change event missing fullDocument, dropping from cache replication", "stream", p.streamName, "operation", event.OperationType, "recovery", recovery)
			return
		}
		p.handler.OnDocumentChanged(event.FullDocument, event.OperationType)

	case OpDelete:
		id, ok := ExtractDocumentID(event.DocumentKey)
		if !ok {
			slog.Warn("delete event _id was not a supported BSON type, dropping", "stream", p.streamName, "recovery", recovery)
			return
		}
		p.handler.OnDocumentDeleted(id)

	case OpDrop:
		p.handler.OnCollectionDropped()

	case OpRename:
		p.handler.OnCollectionRenamed()

	case OpDropDatabase:
		p.handler.OnDatabaseDropped()

	case OpInvalidate:
		p.handler.OnChangeStreamInvalidated()

	default:
		p.handler.OnUnknownOperation(string(event.OperationType))
	}
}

// HandleIncoming implements the backpressure strategy documented for the
// bounded channel: trySend, then up to backpressureRetries retries at
// backpressureDelay, then a direct dispatch that bypasses the channel
// entirely so the cache is never silently left stale. Loss-recovery
// failures are logged but never rethrown — correctness of the cache matters
// more than strict single-consumer ordering for the rare dropped event.
func (p *EventProcessor) HandleIncoming(ctx context.Context, event ChangeEvent) {
	select {
	case p.channel <- event:
		metrics.StreamBufferDepth.WithLabelValues(p.streamName).Set(float64(len(p.channel)))
		return
	default:
	}

	for i := 0; i < backpressureRetries; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backpressureDelay):
		}

		select {
		case p.channel <- event:
			metrics.StreamBufferDepth.WithLabelValues(p.streamName).Set(float64(len(p.channel)))
			return
		default:
		}
	}

	slog.Warn("event channel full after retries, dispatching directly", "stream", p.streamName, "operation", event.OperationType)
	metrics.StreamEventLossRecoveries.WithLabelValues(p.streamName).Inc()
	p.dispatchWithTimeout(ctx, event, true)
}
