package cachestream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.cachestream.dev/internal/common/metrics"
)

// Config holds all tuning parameters for a StreamManager. Values are
// supplied at construction and never mutated after Start.
type Config struct {
	// Name identifies this stream for logging and metrics.
	Name string

	// Collection is the source collection to watch.
	Collection *mongo.Collection

	// WatchPipeline is an optional aggregation pipeline applied to the
	// change stream (e.g. to filter operation types). A nil pipeline
	// watches every operation type.
	WatchPipeline mongo.Pipeline

	// CheckpointKey identifies this stream's row in the CheckpointStore, if any.
	CheckpointKey string
	Checkpoint    CheckpointStore

	MaxBufferedEvents      int
	MaxRetries             int
	InitialRetryDelay      time.Duration
	MaxRetryDelay          time.Duration
	EventProcessingTimeout time.Duration
}

// StreamManager is the top-level coordinator: it owns the start/stop
// lifecycle, the retry loop, and the wiring between the ErrorClassifier,
// ResumeTokenStore, StateMachine and EventProcessor.
type StreamManager struct {
	cfg     Config
	handler CacheHandler

	state      *StateMachine
	tokens     *ResumeTokenStore
	classifier *ErrorClassifier

	channel chan ChangeEvent
}

// NewStreamManager constructs a StreamManager. The bounded channel and the
// event processor are recreated on every Start, while the manager value, its
// ResumeTokenStore and its ErrorClassifier persist, so resume tokens survive
// a restart from FAILED. SHUTDOWN is terminal: once Stop has run, Start is
// rejected, and tokens reach a later manager only through the optional
// CheckpointStore.
func NewStreamManager(cfg Config, handler CacheHandler) *StreamManager {
	return &StreamManager{
		cfg:        cfg,
		handler:    handler,
		state:      NewStateMachine(),
		tokens:     NewResumeTokenStore(cfg.CheckpointKey, cfg.Checkpoint),
		classifier: NewErrorClassifier(cfg.MaxRetries, cfg.InitialRetryDelay, cfg.MaxRetryDelay),
	}
}

// GetCurrentState returns the manager's current connection state.
func (m *StreamManager) GetCurrentState() ConnectionState {
	return m.state.Current()
}

// GetLastError returns the most recently observed error, or nil.
func (m *StreamManager) GetLastError() error {
	return m.classifier.LastError()
}

// GetConsecutiveFailures returns the current consecutive-failure count.
func (m *StreamManager) GetConsecutiveFailures() int {
	return m.classifier.ConsecutiveFailures()
}

// Start launches the stream and processor tasks. It is accepted only from
// DISCONNECTED or FAILED; from any other state, including the terminal
// SHUTDOWN, it returns an error without changing anything.
func (m *StreamManager) Start(ctx context.Context, startAtOperationTime *primitive.Timestamp) error {
	m.state.Lock()
	defer m.state.Unlock()

	current := m.state.Current()
	if current != StateDisconnected && current != StateFailed && current != StateShutdown {
		return errors.New("cachestream: cannot start from state " + current.String())
	}
	if current == StateShutdown {
		return errors.New("cachestream: manager has been shut down and cannot be restarted")
	}

	if !m.state.TransitionTo(current, StateConnecting) {
		return ErrIllegalTransition(current, StateConnecting)
	}
	m.recordState(StateConnecting)

	m.tokens.Seed()
	if startAtOperationTime != nil {
		m.tokens.SetEffectiveStartTime(*startAtOperationTime)
	}

	m.channel = make(chan ChangeEvent, m.cfg.MaxBufferedEvents)
	processor := NewEventProcessor(m.cfg.Name, m.channel, m.handler, m.tokens, m.classifier, m.cfg.EventProcessingTimeout)

	procCtx, procCancel := context.WithCancel(ctx)
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		processor.Run(procCtx)
	}()
	m.state.SetProcessorJob(procCancel, procDone)

	streamCtx, streamCancel := context.WithCancel(ctx)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		m.retryLoop(streamCtx, processor)
	}()
	m.state.SetStreamJob(streamCancel, streamDone)

	return nil
}

// retryLoop is the stream task body: configure positioning, open the
// change stream, collect events until an error or shutdown, and apply
// ErrorClassifier-driven backoff between attempts.
func (m *StreamManager) retryLoop(ctx context.Context, processor *EventProcessor) {
	retry := 0

	for m.state.Current() != StateShutdown {
		// CONNECTING and RECONNECTING have no self-edge; only FAILED and
		// DISCONNECTED transition into CONNECTING here.
		if current := m.state.Current(); current == StateFailed || current == StateDisconnected {
			if m.state.TransitionTo(current, StateConnecting) {
				m.recordState(StateConnecting)
			}
		}

		opts := options.ChangeStream()
		m.tokens.Configure(opts)

		stream, err := m.cfg.Collection.Watch(ctx, m.pipeline(), opts)
		if err == nil {
			err = m.collect(ctx, stream, processor)
			stream.Close(context.Background())
		}

		if err == nil {
			// Normal termination (shutdown observed mid-iteration) is handled
			// inside collect(); reaching here with a nil error after Watch
			// succeeded means collect() returned because of shutdown.
			return
		}

		if IsCancellation(err) {
			return
		}

		metrics.StreamReconnects.WithLabelValues(m.cfg.Name).Inc()

		decision := m.classifier.HandleError(err, retry, func(delay time.Duration) bool {
			select {
			case <-ctx.Done():
				return true
			case <-time.After(delay):
				return false
			}
		})

		switch decision.Kind {
		case DecisionStop, DecisionStopWithError:
			m.state.TransitionTo(ConnectionState(-1), StateFailed)
			m.recordState(StateFailed)
			return
		}

		if IsTokenInvalidating(err) {
			metrics.StreamTokenInvalidations.WithLabelValues(m.cfg.Name).Inc()
			m.tokens.HandleTokenError()
		}

		if m.state.Current() == StateConnected {
			m.handler.OnDisconnected()
		}
		m.state.TransitionTo(ConnectionState(-1), StateReconnecting)
		m.recordState(StateReconnecting)
		retry++
	}
}

func (m *StreamManager) pipeline() mongo.Pipeline {
	if m.cfg.WatchPipeline != nil {
		return m.cfg.WatchPipeline
	}
	return mongo.Pipeline{}
}

// collect iterates the driver's change-stream cursor, handing each decoded
// event to the EventProcessor. On the first event observed after CONNECTING
// or RECONNECTING, it transitions to CONNECTED and notifies the handler.
func (m *StreamManager) collect(ctx context.Context, stream *mongo.ChangeStream, processor *EventProcessor) error {
	for stream.Next(ctx) {
		if m.state.Current() == StateShutdown {
			return nil
		}

		var raw bson.M
		if err := stream.Decode(&raw); err != nil {
			slog.Error("failed to decode change event", "stream", m.cfg.Name, "error", err)
			continue
		}

		event := decodeChangeEvent(raw, stream.ResumeToken())

		prior := m.state.Current()
		if prior == StateConnecting || prior == StateReconnecting {
			if m.state.TransitionTo(prior, StateConnected) {
				reconnects := m.classifier.ConsecutiveFailures()
				m.recordState(StateConnected)
				m.classifier.ResetFailures()
				metrics.StreamConsecutiveFailures.WithLabelValues(m.cfg.Name).Set(0)
				slog.Info("stream connected", "stream", m.cfg.Name, "reconnects", reconnects)
				m.handler.OnConnected()
			}
		}

		processor.HandleIncoming(ctx, event)
	}

	if ctx.Err() != nil {
		return nil
	}

	return stream.Err()
}

func decodeChangeEvent(raw bson.M, resumeToken bson.Raw) ChangeEvent {
	event := ChangeEvent{ResumeToken: resumeToken}

	if opType, ok := raw["operationType"].(string); ok {
		event.OperationType = OperationType(opType)
	} else {
		event.OperationType = OpUnknown
	}

	if doc, ok := raw["fullDocument"].(bson.M); ok {
		event.FullDocument = doc
	}
	if key, ok := raw["documentKey"].(bson.M); ok {
		event.DocumentKey = key
	}

	return event
}

// Stop cancels both tasks and waits for them to finish, then closes the
// event channel. SHUTDOWN is terminal, so a stopped manager cannot be
// started again; with a CheckpointStore configured, the last processed
// token is already persisted for a new manager to seed from. Calling Stop
// on an already-shut-down manager is a no-op.
func (m *StreamManager) Stop() error {
	m.state.Lock()
	defer m.state.Unlock()

	if m.state.Current() == StateShutdown {
		return nil
	}

	if !m.state.TransitionTo(ConnectionState(-1), StateShutdown) {
		return ErrIllegalTransition(m.state.Current(), StateShutdown)
	}
	m.recordState(StateShutdown)

	m.state.CancelJobs()

	if m.channel != nil {
		close(m.channel)
		m.channel = nil
	}

	return nil
}

func (m *StreamManager) recordState(s ConnectionState) {
	metrics.StreamConnectionState.WithLabelValues(m.cfg.Name).Set(metrics.ConnectionStateValue[s.String()])
}
