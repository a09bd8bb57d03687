package vektor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
	"github.com/vektordb/vektor/wal"
)

var (
	// ErrNotFound is returned when a vector or collection does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a collection whose name
	// is taken.
	ErrAlreadyExists = errors.New("collection already exists")

	// ErrDuplicateID is returned when inserting a vector ID that is
	// already present.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrReadOnlyCollection is returned for any mutation of a
	// workspace-sourced collection.
	ErrReadOnlyCollection = errors.New("collection is read-only")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned for operations on a closed store or
	// collection.
	ErrClosed = errors.New("closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// PersistenceError indicates a WAL or checkpoint I/O failure. The mutation
// that triggered it has been rolled back from memory, so caller retries are
// safe.
type PersistenceError struct {
	Op    string
	cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.cause)
}

func (e *PersistenceError) Unwrap() error { return e.cause }

// RecoveryError indicates a corrupted checkpoint or WAL discovered at
// startup. The affected collection is marked unavailable instead of serving
// partial data.
type RecoveryError struct {
	Collection string
	cause      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery of collection %q failed: %v", e.Collection, e.cause)
}

func (e *RecoveryError) Unwrap() error { return e.cause }

// QuantizationQualityError indicates a quantization method failed the
// quality gate. The collection is unchanged: quantization stays disabled
// and the report names the thresholds that failed.
type QuantizationQualityError struct {
	Report *quantization.Report
}

func (e *QuantizationQualityError) Error() string {
	return fmt.Sprintf("quantization rejected by quality gate: %s",
		strings.Join(e.Report.Failures, "; "))
}

// translateError normalizes subsystem errors into the stable error surface
// at the collection boundary. Callers never see hnsw, quantization or wal
// error types directly.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var nnf *hnsw.ErrNodeNotFound
	if errors.As(err, &nnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var hdm *hnsw.ErrDimensionMismatch
	if errors.As(err, &hdm) {
		return &ErrDimensionMismatch{Expected: hdm.Expected, Actual: hdm.Actual, cause: err}
	}
	var qdm *quantization.ErrDimensionMismatch
	if errors.As(err, &qdm) {
		return &ErrDimensionMismatch{Expected: qdm.Expected, Actual: qdm.Actual, cause: err}
	}

	var rejected *quantization.ErrQualityRejected
	if errors.As(err, &rejected) {
		return &QuantizationQualityError{Report: rejected.Report}
	}

	var corrupted *wal.ErrCorrupted
	if errors.As(err, &corrupted) {
		return &PersistenceError{Op: "wal replay", cause: err}
	}

	var checksum *persistence.ChecksumMismatchError
	if errors.As(err, &checksum) {
		return &PersistenceError{Op: "load", cause: err}
	}

	return err
}
