package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// CollectionType marks who may mutate a collection.
type CollectionType string

const (
	// TypeReadOnly collections are served from the workspace directory
	// and reject writes.
	TypeReadOnly CollectionType = "readonly"
	// TypeDynamic collections accept the full mutation surface.
	TypeDynamic CollectionType = "dynamic"
)

// IndexMeta persists the graph construction parameters so a reopened
// collection rebuilds the index with the geometry it was created with.
type IndexMeta struct {
	M                int     `json:"m"`
	EFConstruction   int     `json:"ef_construction"`
	Heuristic        bool    `json:"heuristic"`
	Seed             int64   `json:"seed,omitempty"`
	RebuildThreshold float64 `json:"rebuild_threshold"`
}

// QuantizationMeta persists the active quantization configuration.
type QuantizationMeta struct {
	Method           string `json:"method"`
	ScalarBits       int    `json:"scalar_bits,omitempty"`
	Subvectors       int    `json:"subvectors,omitempty"`
	BitsPerSubvector int    `json:"bits_per_subvector,omitempty"`
	Seed             int64  `json:"seed,omitempty"`
}

// CollectionMeta is the content of metadata.json.
type CollectionMeta struct {
	Name          string            `json:"name"`
	UUID          string            `json:"uuid"`
	Type          CollectionType    `json:"type"`
	Dimension     int               `json:"dimension"`
	Metric        string            `json:"metric"`
	Normalize     bool              `json:"normalize,omitempty"`
	Index         IndexMeta         `json:"index"`
	Quantization  *QuantizationMeta `json:"quantization,omitempty"`
	Count         int               `json:"count"`
	CheckpointSeq uint64            `json:"checkpoint_seq"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// SaveMeta writes metadata.json into dir atomically.
func SaveMeta(dir string, meta *CollectionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return SaveToFile(filepath.Join(dir, MetadataFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadMeta reads metadata.json from dir.
func LoadMeta(dir string) (*CollectionMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile)) //nolint:gosec // G304
	if err != nil {
		return nil, err
	}

	var meta CollectionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if meta.Dimension <= 0 {
		return nil, fmt.Errorf("metadata: invalid dimension %d", meta.Dimension)
	}
	if meta.Type != TypeReadOnly && meta.Type != TypeDynamic {
		return nil, fmt.Errorf("metadata: unknown collection type %q", meta.Type)
	}

	return &meta, nil
}
