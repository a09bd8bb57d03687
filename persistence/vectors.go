package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

var vectorsMagic = [4]byte{'V', 'K', 'V', '0'}

// VectorData is the content of vectors.bin: the slot table of a collection
// at checkpoint time, indexed by internal ID. A slot with an empty external
// ID is a hole (freed and not yet reused).
//
// Either Raw or Codes is populated per slot, never both: Raw carries the
// float32 vectors of an unquantized collection, Codes the quantized codes
// plus the trained quantizer state needed to decode them.
type VectorData struct {
	Dimension      int
	Quantized      bool
	QuantizerState []byte
	IDs            []string
	Raw            [][]float32
	Codes          [][]byte
	Payloads       [][]byte
}

// SaveVectors writes vectors.bin into dir. The payload is lz4-compressed;
// embedding data compresses modestly but the ID and payload tables well.
func SaveVectors(dir string, data *VectorData) error {
	payload, err := encodeVectorData(data)
	if err != nil {
		return err
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("failed to compress vectors: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress vectors: %w", err)
	}

	return SaveToFile(filepath.Join(dir, VectorsFile), func(w io.Writer) error {
		return writeFramed(w, vectorsMagic, compressed.Bytes())
	})
}

// LoadVectors reads and verifies vectors.bin from dir.
func LoadVectors(dir string) (*VectorData, error) {
	compressed, err := readFramed(filepath.Join(dir, VectorsFile), vectorsMagic)
	if err != nil {
		return nil, err
	}

	zr := lz4.NewReader(bytes.NewReader(compressed))
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress vectors: %w", err)
	}

	return decodeVectorData(payload)
}

// Layout: [dimension:u32][quantized:u8][stateLen:u32][state][slots:u32] then
// per slot [idLen:u16][id][vecLen:u32][vector bytes][payloadLen:u32][payload].
// For raw slots the vector bytes are float32 little-endian; for quantized
// slots they are the code bytes.
func encodeVectorData(data *VectorData) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint32(data.Dimension)); err != nil {
		return nil, err
	}
	buf.WriteByte(boolByte(data.Quantized))

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(data.QuantizerState))); err != nil {
		return nil, err
	}
	buf.Write(data.QuantizerState)

	slots := len(data.IDs)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(slots)); err != nil {
		return nil, err
	}

	for i := 0; i < slots; i++ {
		id := data.IDs[i]
		if len(id) > math.MaxUint16 {
			return nil, fmt.Errorf("vector ID exceeds %d bytes", math.MaxUint16)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(id))); err != nil {
			return nil, err
		}
		buf.WriteString(id)

		var vec []byte
		if data.Quantized {
			if i < len(data.Codes) {
				vec = data.Codes[i]
			}
		} else if i < len(data.Raw) && data.Raw[i] != nil {
			vec = make([]byte, len(data.Raw[i])*4)
			for d, v := range data.Raw[i] {
				binary.LittleEndian.PutUint32(vec[d*4:], math.Float32bits(v))
			}
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(vec))); err != nil {
			return nil, err
		}
		buf.Write(vec)

		var payload []byte
		if i < len(data.Payloads) {
			payload = data.Payloads[i]
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(payload))); err != nil {
			return nil, err
		}
		buf.Write(payload)
	}

	return buf.Bytes(), nil
}

func decodeVectorData(payload []byte) (*VectorData, error) {
	r := bytes.NewReader(payload)

	var dimension uint32
	if err := binary.Read(r, binary.LittleEndian, &dimension); err != nil {
		return nil, err
	}

	quantized, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var stateLen uint32
	if err := binary.Read(r, binary.LittleEndian, &stateLen); err != nil {
		return nil, err
	}
	state := make([]byte, stateLen)
	if _, err := io.ReadFull(r, state); err != nil {
		return nil, err
	}
	if stateLen == 0 {
		state = nil
	}

	var slots uint32
	if err := binary.Read(r, binary.LittleEndian, &slots); err != nil {
		return nil, err
	}

	data := &VectorData{
		Dimension:      int(dimension),
		Quantized:      quantized == 1,
		QuantizerState: state,
		IDs:            make([]string, slots),
		Payloads:       make([][]byte, slots),
	}
	if data.Quantized {
		data.Codes = make([][]byte, slots)
	} else {
		data.Raw = make([][]float32, slots)
	}

	for i := uint32(0); i < slots; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, err
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, err
		}
		data.IDs[i] = string(id)

		var vecLen uint32
		if err := binary.Read(r, binary.LittleEndian, &vecLen); err != nil {
			return nil, err
		}
		vec := make([]byte, vecLen)
		if _, err := io.ReadFull(r, vec); err != nil {
			return nil, err
		}
		if vecLen > 0 {
			if data.Quantized {
				data.Codes[i] = vec
			} else {
				if vecLen%4 != 0 {
					return nil, fmt.Errorf("vectors.bin: slot %d has truncated vector", i)
				}
				raw := make([]float32, vecLen/4)
				for d := range raw {
					raw[d] = math.Float32frombits(binary.LittleEndian.Uint32(vec[d*4:]))
				}
				data.Raw[i] = raw
			}
		}

		var payloadLen uint32
		if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			return nil, err
		}
		if payloadLen > 0 {
			data.Payloads[i] = make([]byte, payloadLen)
			if _, err := io.ReadFull(r, data.Payloads[i]); err != nil {
				return nil, err
			}
		}
	}

	return data, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
