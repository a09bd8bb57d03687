// Package persistence implements the on-disk layout of a collection:
// metadata.json, vectors.bin, index.hnsw and the directory scaffolding
// around them. Binary files carry a magic number, a format version and a
// CRC32 checksum; writes go through a temp file and rename so a crash never
// leaves a half-written file in place.
package persistence

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

// CRC32 (IEEE) detects accidental corruption. It is not tamper-proof and is
// not meant to be.
var crcTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ChecksumMismatchError is returned when a file's stored checksum does not
// match its content.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// checksumWriter computes a running CRC32 over everything written through
// it.
type checksumWriter struct {
	w    io.Writer
	hash hash.Hash32
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w, hash: crc32.New(crcTable)}
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	_, _ = cw.hash.Write(p) // never fails per hash.Hash contract
	return cw.w.Write(p)
}

func (cw *checksumWriter) Sum() uint32 {
	return cw.hash.Sum32()
}
