package vektor

import (
	"context"
	"fmt"
	"time"

	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
)

// EnableQuantization trains the configured quantizer on the collection's own
// vectors, runs the quality gate against an exact-search baseline and, if
// accepted, compresses every stored vector in place. The float32 data is
// dropped; searches decode codes transparently from then on.
//
// A rejected method returns a QuantizationQualityError together with the
// measured report and leaves the collection unchanged.
func (c *Collection) EnableQuantization(ctx context.Context, cfg quantization.Config) (*quantization.Report, error) {
	report, err := c.quantizeInPlace(cfg)
	if err != nil {
		c.logger.ErrorContext(ctx, "quantization not enabled", "method", cfg.Method, "error", err)
		return report, err
	}

	c.logger.InfoContext(ctx, "quantization enabled",
		"method", cfg.Method,
		"recall_at_10", report.Recall10,
		"memory_savings", report.MemorySavings,
	)

	// Publish the quantization config in the metadata before the vectors
	// are rewritten. A crash between the two leaves raw vectors under a
	// quantized config, which recovery degrades to an unquantized but
	// intact collection; the reverse order would leave codes on disk that
	// nothing can decode.
	c.mu.RLock()
	meta := c.buildMeta(c.checkpointSeq)
	c.mu.RUnlock()
	if err := persistence.SaveMeta(c.dir, meta); err != nil {
		return report, &PersistenceError{Op: "quantization metadata", cause: err}
	}

	// Checkpoint immediately: WAL entries written so far carry raw
	// vectors, and the trained quantizer state only exists in memory
	// until vectors.bin is rewritten.
	if err := c.Checkpoint(ctx); err != nil {
		return report, err
	}

	return report, nil
}

func (c *Collection) quantizeInPlace(cfg quantization.Config) (*quantization.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return nil, err
	}
	if cfg.Method == quantization.MethodNone {
		return nil, fmt.Errorf("quantization method must not be %q", quantization.MethodNone)
	}
	if c.quantizer != nil {
		return nil, fmt.Errorf("collection %q is already quantized", c.name)
	}

	live := make([][]float32, 0, len(c.ids))
	for i, id := range c.external {
		if id == "" {
			continue
		}
		live = append(live, c.raw[i])
	}

	q, err := quantization.New(c.cfg.Dimension, cfg)
	if err != nil {
		return nil, translateError(err)
	}
	if err := q.Train(live); err != nil {
		return nil, translateError(err)
	}

	report, err := quantization.Evaluate(live, c.cfg.Metric, q, func(o *quantization.EvalOptions) {
		o.Seed = cfg.Seed
	})
	if err != nil {
		return nil, translateError(err)
	}
	if !report.Accepted {
		return report, &QuantizationQualityError{Report: report}
	}

	// Encode every stored vector, tombstoned slots included: the graph
	// still traverses them until the next rebuild.
	codes := make([][]byte, len(c.raw))
	for i, v := range c.raw {
		if v == nil {
			continue
		}
		code, err := q.Encode(v)
		if err != nil {
			return report, translateError(err)
		}
		codes[i] = code
	}

	c.codes = codes
	for i := range c.raw {
		c.raw[i] = nil
	}
	c.quantizer = q
	c.cfg.Quantization = &cfg
	c.state = StateQuantized
	c.updatedAt = time.Now()

	if cfg.Method == quantization.MethodBinary {
		c.enableHammingSearch()
	}

	return report, nil
}
