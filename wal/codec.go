package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// Frame format: [BodyLen:4][CRC32:4][Body]
// Body format:  [Type:1][SeqNum:8][Timestamp:8][IDLen:2][ID][VectorLen:4][Vector:N*4][PayloadLen:4][Payload]
//
// The CRC covers the body only. A frame whose length prefix, checksum or
// body cannot be read in full is a torn tail.

const (
	frameHeaderLen = 8
	maxBodyLen     = 1 << 30
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func encodeEntry(entry *Entry) ([]byte, error) {
	if len(entry.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("wal: ID exceeds %d bytes", math.MaxUint16)
	}

	bodyLen := 1 + 8 + 8 + 2 + len(entry.ID) + 4 + len(entry.Vector)*4 + 4 + len(entry.Payload)
	buf := make([]byte, frameHeaderLen+bodyLen)

	body := buf[frameHeaderLen:]
	body[0] = byte(entry.Type)
	binary.LittleEndian.PutUint64(body[1:], entry.SeqNum)
	binary.LittleEndian.PutUint64(body[9:], uint64(entry.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint16(body[17:], uint16(len(entry.ID)))

	off := 19
	off += copy(body[off:], entry.ID)

	binary.LittleEndian.PutUint32(body[off:], uint32(len(entry.Vector)))
	off += 4
	for _, v := range entry.Vector {
		binary.LittleEndian.PutUint32(body[off:], math.Float32bits(v))
		off += 4
	}

	binary.LittleEndian.PutUint32(body[off:], uint32(len(entry.Payload)))
	off += 4
	copy(body[off:], entry.Payload)

	binary.LittleEndian.PutUint32(buf[0:], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(body, crcTable))

	return buf, nil
}

// errTornEntry marks an incomplete or checksum-failing frame. Replay treats
// it as the end of the log; open-time repair truncates it away.
var errTornEntry = fmt.Errorf("wal: torn entry")

// decodeEntry reads one frame. It returns io.EOF at a clean end of log and
// errTornEntry for a partial or corrupted frame.
func decodeEntry(r io.Reader, entry *Entry) error {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errTornEntry
	}

	bodyLen := binary.LittleEndian.Uint32(header[0:])
	if bodyLen < 19 || bodyLen > maxBodyLen {
		return errTornEntry
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return errTornEntry
	}

	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(header[4:]) {
		return errTornEntry
	}

	return decodeBody(body, entry)
}

func decodeBody(body []byte, entry *Entry) error {
	entry.Type = OperationType(body[0])
	entry.SeqNum = binary.LittleEndian.Uint64(body[1:])
	entry.Timestamp = timeFromNanos(int64(binary.LittleEndian.Uint64(body[9:])))

	idLen := int(binary.LittleEndian.Uint16(body[17:]))
	off := 19
	if off+idLen+4 > len(body) {
		return errTornEntry
	}
	entry.ID = string(body[off : off+idLen])
	off += idLen

	vectorLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+vectorLen*4+4 > len(body) {
		return errTornEntry
	}

	entry.Vector = nil
	if vectorLen > 0 {
		entry.Vector = make([]float32, vectorLen)
		for i := range entry.Vector {
			entry.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			off += 4
		}
	}

	payloadLen := int(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	if off+payloadLen > len(body) {
		return errTornEntry
	}

	entry.Payload = nil
	if payloadLen > 0 {
		entry.Payload = append([]byte(nil), body[off:off+payloadLen]...)
	}

	return nil
}
