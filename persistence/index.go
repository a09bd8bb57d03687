package persistence

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

var indexMagic = [4]byte{'V', 'K', 'H', '0'}

// SaveIndex writes index.hnsw into dir. The graph payload is zstd-compressed;
// adjacency lists of small integers compress several times over.
func SaveIndex(dir string, graph io.WriterTo) error {
	var raw bytes.Buffer
	if _, err := graph.WriteTo(&raw); err != nil {
		return fmt.Errorf("failed to serialize index: %w", err)
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return fmt.Errorf("failed to compress index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress index: %w", err)
	}

	return SaveToFile(filepath.Join(dir, IndexFile), func(w io.Writer) error {
		return writeFramed(w, indexMagic, compressed.Bytes())
	})
}

// LoadIndex reads and verifies index.hnsw from dir and feeds the graph
// payload to the reader, typically an empty hnsw.Index.
func LoadIndex(dir string, graph io.ReaderFrom) error {
	compressed, err := readFramed(filepath.Join(dir, IndexFile), indexMagic)
	if err != nil {
		return err
	}

	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	defer zr.Close()

	if _, err := graph.ReadFrom(zr); err != nil {
		return fmt.Errorf("failed to deserialize index: %w", err)
	}

	return nil
}
