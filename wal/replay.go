package wal

import (
	"bufio"
	"fmt"
	"io"
)

// ErrCorrupted is returned when replay hits an entry that cannot be decoded
// before the end of the log. LastGoodSeq is the sequence number of the last
// entry that decoded cleanly.
type ErrCorrupted struct {
	LastGoodSeq uint64
}

func (e *ErrCorrupted) Error() string {
	return fmt.Sprintf("wal corrupted after sequence %d", e.LastGoodSeq)
}

// scanAndRepair walks the log on open, determines the next sequence number
// and truncates a torn tail. Requires exclusive access (called before the
// WAL is shared).
func (w *WAL) scanAndRepair() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}

	reader := bufio.NewReader(w.file)

	var validOffset int64
	for {
		var entry Entry
		err := decodeEntry(reader, &entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn tail from a crash mid-append. Drop it; the write
			// was never acknowledged.
			if err := w.file.Truncate(validOffset); err != nil {
				return fmt.Errorf("failed to repair WAL tail: %w", err)
			}
			break
		}

		validOffset += int64(frameHeaderLen + entryBodyLen(&entry))
		w.seqNum = entry.SeqNum
	}

	w.size = validOffset

	if _, err := w.file.Seek(validOffset, 0); err != nil {
		return err
	}

	return nil
}

func entryBodyLen(entry *Entry) int {
	return 1 + 8 + 8 + 2 + len(entry.ID) + 4 + len(entry.Vector)*4 + 4 + len(entry.Payload)
}

// Replay invokes the callback for every entry with a sequence number greater
// than watermark, in log order. Recovery passes the checkpoint sequence as
// the watermark, which makes replay idempotent: entries the checkpoint
// already covers are skipped.
func (w *WAL) Replay(watermark uint64, callback func(entry Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	defer func() {
		_, _ = w.file.Seek(w.size, 0)
	}()

	reader := bufio.NewReader(w.file)

	var lastSeq uint64
	for {
		var entry Entry
		err := decodeEntry(reader, &entry)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// scanAndRepair trims torn tails on open, so a decode
			// failure here means the file changed underneath us.
			return &ErrCorrupted{LastGoodSeq: lastSeq}
		}

		lastSeq = entry.SeqNum

		if entry.SeqNum <= watermark {
			continue
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
		}
	}
}
