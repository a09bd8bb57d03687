package hnsw

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
)

// writeBitmap frames a roaring bitmap with a length prefix so the reader can
// slice it out without trusting the bitmap's own framing.
func writeBitmap(w io.Writer, b *roaring.Bitmap) error {
	data, err := b.ToBytes()
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err = w.Write(data)

	return err
}

func readBitmap(r io.Reader) (*roaring.Bitmap, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	b := roaring.New()
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	return b, nil
}

// Compile time checks to ensure Index satisfies the io interfaces.
var (
	_ io.WriterTo   = (*Index)(nil)
	_ io.ReaderFrom = (*Index)(nil)
)

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// WriteTo serializes the graph structure. Vectors are not included; they
// live with the provider's storage. Runtime options (distance function,
// seed) are not serialized either, the loader supplies them.
func (h *Index) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}

	for _, v := range []uint32{uint32(h.dimension), uint32(h.mmax), uint32(h.maxLevel), h.ep, uint32(h.live), uint32(len(h.nodes))} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, err
		}
	}

	for _, n := range h.nodes {
		if n == nil {
			if err := binary.Write(cw, binary.LittleEndian, uint8(0)); err != nil {
				return cw.n, err
			}
			continue
		}

		if err := binary.Write(cw, binary.LittleEndian, uint8(1)); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint16(n.layer)); err != nil {
			return cw.n, err
		}

		for level := 0; level <= n.layer; level++ {
			conns := n.connections[level]
			if err := binary.Write(cw, binary.LittleEndian, uint32(len(conns))); err != nil {
				return cw.n, err
			}
			if err := binary.Write(cw, binary.LittleEndian, conns); err != nil {
				return cw.n, err
			}
		}
	}

	if err := writeBitmap(cw, h.tombstones); err != nil {
		return cw.n, err
	}
	if err := writeBitmap(cw, h.dirty); err != nil {
		return cw.n, err
	}

	if err := binary.Write(cw, binary.LittleEndian, uint32(len(h.free))); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, h.free); err != nil {
		return cw.n, err
	}

	return cw.n, nil
}

// ReadFrom restores the graph structure into an index created with New. The
// serialized dimension must match the index dimension.
func (h *Index) ReadFrom(r io.Reader) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cr := &countingReader{r: r}

	var dimension, mmax, maxLevel, ep, live, slots uint32
	for _, v := range []*uint32{&dimension, &mmax, &maxLevel, &ep, &live, &slots} {
		if err := binary.Read(cr, binary.LittleEndian, v); err != nil {
			return cr.n, err
		}
	}

	if int(dimension) != h.dimension {
		return cr.n, &ErrDimensionMismatch{Expected: h.dimension, Actual: int(dimension)}
	}
	if int(mmax) != h.mmax {
		return cr.n, fmt.Errorf("hnsw: serialized M %d does not match configured M %d", mmax, h.mmax)
	}

	nodes := make([]*node, slots)
	for id := uint32(0); id < slots; id++ {
		var present uint8
		if err := binary.Read(cr, binary.LittleEndian, &present); err != nil {
			return cr.n, err
		}
		if present == 0 {
			continue
		}

		var layer uint16
		if err := binary.Read(cr, binary.LittleEndian, &layer); err != nil {
			return cr.n, err
		}

		n := &node{
			id:          id,
			layer:       int(layer),
			connections: make([][]uint32, int(layer)+1),
		}

		for level := 0; level <= n.layer; level++ {
			var count uint32
			if err := binary.Read(cr, binary.LittleEndian, &count); err != nil {
				return cr.n, err
			}

			conns := make([]uint32, count)
			if err := binary.Read(cr, binary.LittleEndian, conns); err != nil {
				return cr.n, err
			}
			n.connections[level] = conns
		}

		nodes[id] = n
	}

	tombstones, err := readBitmap(cr)
	if err != nil {
		return cr.n, err
	}
	dirty, err := readBitmap(cr)
	if err != nil {
		return cr.n, err
	}

	var freeCount uint32
	if err := binary.Read(cr, binary.LittleEndian, &freeCount); err != nil {
		return cr.n, err
	}

	free := make([]uint32, freeCount)
	if err := binary.Read(cr, binary.LittleEndian, free); err != nil {
		return cr.n, err
	}

	h.nodes = nodes
	h.maxLevel = int(maxLevel)
	h.ep = ep
	h.live = int(live)
	h.tombstones = tombstones
	h.dirty = dirty
	h.free = free

	return cr.n, nil
}
