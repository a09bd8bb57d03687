package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File names inside a collection directory.
const (
	MetadataFile = "metadata.json"
	VectorsFile  = "vectors.bin"
	IndexFile    = "index.hnsw"
	WALFile      = "wal.log"
)

const formatVersion = uint16(1)

var (
	// ErrInvalidMagic marks a file that is not the expected format.
	ErrInvalidMagic = errors.New("invalid magic number")
	// ErrUnsupportedVersion marks a format version this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported format version")
)

// SaveToFile writes through a temp file in the same directory and renames it
// over the target, so readers never observe a partial file.
func SaveToFile(filename string, writeFunc func(w io.Writer) error) error {
	dir := filepath.Dir(filename)

	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort directory fsync so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""

	return nil
}

// writeFramed writes [magic:4][version:2][payload][crc:4] where the CRC
// covers magic, version and payload.
func writeFramed(w io.Writer, magic [4]byte, payload []byte) error {
	cw := newChecksumWriter(w)

	if _, err := cw.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	if _, err := cw.Write(payload); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, cw.Sum())
}

// readFramed verifies magic, version and CRC, returning the payload.
func readFramed(filename string, magic [4]byte) ([]byte, error) {
	data, err := os.ReadFile(filename) //nolint:gosec // G304: path is derived from collection layout
	if err != nil {
		return nil, err
	}

	if len(data) < 10 {
		return nil, fmt.Errorf("%s: %w", filepath.Base(filename), ErrInvalidMagic)
	}

	if [4]byte(data[0:4]) != magic {
		return nil, fmt.Errorf("%s: %w", filepath.Base(filename), ErrInvalidMagic)
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version != formatVersion {
		return nil, fmt.Errorf("%s: %w: %d", filepath.Base(filename), ErrUnsupportedVersion, version)
	}

	body, footer := data[:len(data)-4], data[len(data)-4:]
	expected := binary.LittleEndian.Uint32(footer)
	if actual := Checksum(body); actual != expected {
		return nil, &ChecksumMismatchError{Expected: expected, Actual: actual}
	}

	return data[6 : len(data)-4], nil
}
