package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WAL is an append-only log for a single collection.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	seqNum   uint64 // last assigned sequence number
	size     int64

	opsSinceCheckpoint int
	oldestPending      time.Time // append time of the first uncheckpointed op

	opts Options
}

// Open opens or creates the log file and repairs a torn tail left by a
// crash: everything after the last complete, checksum-valid entry is
// discarded.
func Open(filePath string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		filePath: filePath,
		opts:     opts,
	}

	if err := w.scanAndRepair(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return w, nil
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	return w.filePath
}

// LastSeq returns the highest sequence number in the log, 0 for an empty
// log.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.seqNum
}

// Advance raises the sequence counter to seq if it is currently lower.
// Recovery calls this with the checkpoint watermark: a checkpoint truncates
// the entries carrying the counter, so a reopened log would otherwise hand
// out sequence numbers at or below the watermark and replay would skip them.
func (w *WAL) Advance(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq > w.seqNum {
		w.seqNum = seq
	}
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.size
}

// LogInsert appends an insert and returns its sequence number.
func (w *WAL) LogInsert(id string, vector []float32, payload []byte) (uint64, error) {
	return w.append(OpInsert, id, vector, payload)
}

// InsertRecord is one vector in a batched append.
type InsertRecord struct {
	ID      string
	Vector  []float32
	Payload []byte
}

// LogInsertBatch appends one insert per record as a single write with one
// sync, holding the lock once for the whole batch. It returns the sequence
// number of the last record. On error nothing from the batch is kept.
func (w *WAL) LogInsertBatch(records []InsertRecord) (uint64, error) {
	if len(records) == 0 {
		return w.LastSeq(), nil
	}

	w.mu.Lock()

	now := time.Now()
	seq := w.seqNum
	frames := make([]byte, 0, len(records)*64)
	for _, rec := range records {
		seq++
		entry := Entry{
			SeqNum:    seq,
			Timestamp: now,
			Type:      OpInsert,
			ID:        rec.ID,
			Vector:    rec.Vector,
			Payload:   rec.Payload,
		}

		frame, err := encodeEntry(&entry)
		if err != nil {
			w.mu.Unlock()
			return 0, err
		}
		frames = append(frames, frame...)
	}

	n, err := w.file.Write(frames)
	if err != nil {
		if n > 0 {
			_ = w.file.Truncate(w.size)
			_, _ = w.file.Seek(w.size, 0)
		}
		w.mu.Unlock()
		return 0, fmt.Errorf("failed to append WAL batch: %w", err)
	}

	if w.opts.DurabilityMode == DurabilitySync {
		if err := w.file.Sync(); err != nil {
			w.mu.Unlock()
			return 0, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	w.seqNum = seq
	w.size += int64(len(frames))

	if w.opsSinceCheckpoint == 0 {
		w.oldestPending = now
	}
	w.opsSinceCheckpoint += len(records)

	due := w.checkpointDue()
	if due {
		w.opsSinceCheckpoint = 0
		w.oldestPending = time.Time{}
	}

	w.mu.Unlock()

	if due && w.opts.OnCheckpointDue != nil {
		w.opts.OnCheckpointDue()
	}

	return seq, nil
}

// LogUpdate appends an update and returns its sequence number.
func (w *WAL) LogUpdate(id string, vector []float32, payload []byte) (uint64, error) {
	return w.append(OpUpdate, id, vector, payload)
}

// LogDelete appends a delete and returns its sequence number.
func (w *WAL) LogDelete(id string) (uint64, error) {
	return w.append(OpDelete, id, nil, nil)
}

// LogCreateCollection appends the collection-creation marker. It is written
// as the first entry of a fresh log with the collection config as payload.
func (w *WAL) LogCreateCollection(name string, config []byte) (uint64, error) {
	return w.append(OpCreateCollection, name, nil, config)
}

// LogDeleteCollection appends the collection-teardown marker.
func (w *WAL) LogDeleteCollection(name string) (uint64, error) {
	return w.append(OpDeleteCollection, name, nil, nil)
}

func (w *WAL) append(op OperationType, id string, vector []float32, payload []byte) (uint64, error) {
	w.mu.Lock()

	entry := Entry{
		SeqNum:    w.seqNum + 1,
		Timestamp: time.Now(),
		Type:      op,
		ID:        id,
		Vector:    vector,
		Payload:   payload,
	}

	frame, err := encodeEntry(&entry)
	if err != nil {
		w.mu.Unlock()
		return 0, err
	}

	n, err := w.file.Write(frame)
	if err != nil {
		// A short write leaves a torn tail; roll the file back so the
		// log stays consistent with the acknowledged state.
		if n > 0 {
			_ = w.file.Truncate(w.size)
			_, _ = w.file.Seek(w.size, 0)
		}
		w.mu.Unlock()
		return 0, fmt.Errorf("failed to append WAL entry: %w", err)
	}

	if w.opts.DurabilityMode == DurabilitySync {
		if err := w.file.Sync(); err != nil {
			w.mu.Unlock()
			return 0, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	w.seqNum = entry.SeqNum
	w.size += int64(len(frame))

	if w.opsSinceCheckpoint == 0 {
		w.oldestPending = entry.Timestamp
	}
	w.opsSinceCheckpoint++

	due := w.checkpointDue()
	if due {
		// Reset before the callback so a slow checkpoint does not
		// re-trigger from concurrent appends.
		w.opsSinceCheckpoint = 0
		w.oldestPending = time.Time{}
	}

	w.mu.Unlock()

	if due && w.opts.OnCheckpointDue != nil {
		w.opts.OnCheckpointDue()
	}

	return entry.SeqNum, nil
}

// CheckpointDue reports whether the auto-checkpoint thresholds are crossed.
// Useful for time-based polling when no appends arrive.
func (w *WAL) CheckpointDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.checkpointDue()
}

// checkpointDue requires w.mu held.
func (w *WAL) checkpointDue() bool {
	if w.opsSinceCheckpoint == 0 {
		return false
	}

	if w.opts.AutoCheckpointOps > 0 && w.opsSinceCheckpoint >= w.opts.AutoCheckpointOps {
		return true
	}

	if w.opts.AutoCheckpointInterval > 0 && time.Since(w.oldestPending) >= w.opts.AutoCheckpointInterval {
		return true
	}

	return false
}

// Sync flushes the log to stable storage. A no-op after every append in
// DurabilitySync mode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Truncate drops all entries with sequence numbers up to and including
// upToSeq. Called after a checkpoint has made those entries redundant. The
// rewrite goes through a temp file and rename so a crash cannot lose
// uncheckpointed entries.
func (w *WAL) Truncate(upToSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("failed to create temp WAL: %w", err)
	}

	var kept int64
	for {
		var entry Entry
		if err := decodeEntry(w.file, &entry); err != nil {
			break
		}

		if entry.SeqNum <= upToSeq {
			continue
		}

		frame, err := encodeEntry(&entry)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(frame); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to write temp WAL: %w", err)
		}
		kept += int64(len(frame))
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, w.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace WAL: %w", err)
	}

	_ = w.file.Close()

	file, err := os.OpenFile(w.filePath, os.O_RDWR, 0o600) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("failed to reopen WAL: %w", err)
	}
	if _, err := file.Seek(kept, 0); err != nil {
		_ = file.Close()
		return err
	}

	w.file = file
	w.size = kept
	w.opsSinceCheckpoint = 0
	w.oldestPending = time.Time{}

	return nil
}

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}

	return w.file.Close()
}
