package cachestream

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// OperationType mirrors the change-stream operationType field.
type OperationType string

const (
	OpInsert        OperationType = "insert"
	OpUpdate        OperationType = "update"
	OpReplace       OperationType = "replace"
	OpDelete        OperationType = "delete"
	OpDrop          OperationType = "drop"
	OpRename        OperationType = "rename"
	OpDropDatabase  OperationType = "dropDatabase"
	OpInvalidate    OperationType = "invalidate"
	OpUnknown       OperationType = "unknown"
)

// ChangeEvent is the decoded record handed from the driver's change-stream
// cursor to the EventProcessor.
type ChangeEvent struct {
	OperationType OperationType
	FullDocument  bson.M
	DocumentKey   bson.M
	ResumeToken   bson.Raw
}

// CacheHandler receives decoded change events and connection lifecycle
// notifications. Implementations must be reentrant-safe: while the processor
// goroutine dispatches queued events, an event that could not be queued is
// dispatched concurrently from the event-loss recovery bypass path. Each
// event goes through one of the two paths, never both.
type CacheHandler interface {
	OnDocumentChanged(doc bson.M, opType OperationType)
	OnDocumentDeleted(id string)
	OnCollectionDropped()
	OnCollectionRenamed()
	OnDatabaseDropped()
	OnChangeStreamInvalidated()
	OnUnknownOperation(opType string)

	OnConnected()
	OnDisconnected()
}

// ExtractDocumentID decodes the _id field of a DELETE event's documentKey
// into a string, supporting four BSON types:
// ObjectID (rendered hex), string, int32, int64. Any other type is reported
// via ok=false so the caller can log and drop the event.
func ExtractDocumentID(documentKey bson.M) (id string, ok bool) {
	raw, present := documentKey["_id"]
	if !present {
		return "", false
	}

	switch v := raw.(type) {
	case hexer:
		return v.Hex(), true
	case string:
		return v, true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

// hexer matches bson/primitive.ObjectID's Hex() method structurally,
// avoiding an import of the primitive package purely for this type switch.
type hexer interface {
	Hex() string
}
