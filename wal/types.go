// Package wal provides per-collection write-ahead logging for durability and
// crash recovery.
//
// Every mutation is appended to the log before it is acknowledged. Entries
// carry a monotonic sequence number, a timestamp and a CRC32 checksum; a
// partially written tail (crash mid-append) is detected and discarded on
// open. Replay is idempotent: a sequence watermark lets recovery skip
// entries already covered by a checkpoint.
package wal

import (
	"time"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilitySync fsyncs after every append. Slowest but an
	// acknowledged write survives any crash.
	DurabilitySync DurabilityMode = iota

	// DurabilityAsync leaves flushing to the OS. Fastest writes, but a
	// crash can lose the unflushed suffix of the log.
	DurabilityAsync
)

// OperationType tags a WAL entry.
type OperationType uint8

const (
	// OpInsert records a new vector.
	OpInsert OperationType = iota
	// OpUpdate records a vector or payload replacement.
	OpUpdate
	// OpDelete records a removal.
	OpDelete
	// OpCreateCollection records collection creation with its config as
	// payload. It is the first entry of a fresh log.
	OpCreateCollection
	// OpDeleteCollection records collection teardown.
	OpDeleteCollection
)

func (t OperationType) String() string {
	switch t {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCreateCollection:
		return "create_collection"
	case OpDeleteCollection:
		return "delete_collection"
	default:
		return "unknown"
	}
}

// Entry is a single logged operation.
type Entry struct {
	SeqNum    uint64
	Timestamp time.Time
	Type      OperationType
	ID        string // external vector ID, or collection name for collection ops
	Vector    []float32
	Payload   []byte // serialized user payload or collection config
}

// Options contains configuration for the WAL.
type Options struct {
	// DurabilityMode controls fsync behavior. Default is DurabilitySync.
	DurabilityMode DurabilityMode

	// AutoCheckpointOps triggers the checkpoint callback after N appended
	// operations. 0 disables the operation-count trigger.
	AutoCheckpointOps int

	// AutoCheckpointInterval triggers the checkpoint callback when the
	// oldest unchecked operation is older than this. 0 disables the
	// time trigger.
	AutoCheckpointInterval time.Duration

	// OnCheckpointDue is invoked (outside the WAL lock) after an append
	// crosses one of the auto-checkpoint thresholds. The callback is
	// expected to checkpoint and then call Truncate.
	OnCheckpointDue func()
}

// DefaultOptions are the production defaults.
var DefaultOptions = Options{
	DurabilityMode:         DurabilitySync,
	AutoCheckpointOps:      1000,
	AutoCheckpointInterval: 5 * time.Minute,
}
