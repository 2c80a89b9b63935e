package xrdproto

import (
	"encoding/binary"
	"fmt"
)

// Chunk describes one element of a vector-read request or response
// (spec.md §3 "Chunk"): an offset/length pair bound to caller memory.
type Chunk struct {
	Offset uint64
	Length uint32
	Buffer []byte
}

// ReadVRecordSize is the 16-byte header preceding each chunk's payload, both
// in a readv request and in its response: fhandle[4] | rlen[4] | offset[8].
const ReadVRecordSize = 16

// ReadVRecord is one decoded chunk header from a readv request or response.
type ReadVRecord struct {
	FileHandle [4]byte
	DataLen    uint32
	Offset     uint64
}

// UnmarshalReadVRecord parses one 16-byte chunk header from buf.
func UnmarshalReadVRecord(buf []byte) (*ReadVRecord, error) {
	if len(buf) < ReadVRecordSize {
		return nil, fmt.Errorf("xrdproto: readv record needs %d bytes, got %d", ReadVRecordSize, len(buf))
	}
	rec := &ReadVRecord{
		DataLen: binary.BigEndian.Uint32(buf[4:8]),
		Offset:  binary.BigEndian.Uint64(buf[8:16]),
	}
	copy(rec.FileHandle[:], buf[0:4])
	return rec, nil
}

// DecodeReadV walks a readv response body, matching each server chunk
// against the corresponding requested Chunk in order (spec.md §4.8 "readv",
// the "ReadV matching" invariant in §8). Returns InvalidResponse semantics via
// the returned error on any mismatch, extra chunk, or buffer overflow.
func DecodeReadV(body []byte, requested []Chunk) error {
	off := 0
	for i, want := range requested {
		if off+ReadVRecordSize > len(body) {
			return fmt.Errorf("xrdproto: readv response ended after %d of %d chunks", i, len(requested))
		}
		rec, err := UnmarshalReadVRecord(body[off : off+ReadVRecordSize])
		if err != nil {
			return err
		}
		off += ReadVRecordSize

		if rec.Offset != want.Offset || rec.DataLen != want.Length {
			return fmt.Errorf("xrdproto: readv chunk %d mismatch: got offset=%d len=%d, want offset=%d len=%d",
				i, rec.Offset, rec.DataLen, want.Offset, want.Length)
		}
		if off+int(rec.DataLen) > len(body) {
			return fmt.Errorf("xrdproto: readv chunk %d truncated body", i)
		}
		data := body[off : off+int(rec.DataLen)]
		off += int(rec.DataLen)

		if want.Buffer == nil {
			continue // caller supplied no buffer for this chunk: discard.
		}
		if len(data) > len(want.Buffer) {
			return fmt.Errorf("xrdproto: readv chunk %d overflows caller buffer (%d > %d)", i, len(data), len(want.Buffer))
		}
		copy(want.Buffer, data)
	}

	if off != len(body) {
		return fmt.Errorf("xrdproto: readv response carries %d extra trailing bytes", len(body)-off)
	}
	return nil
}

// EncodeReadVRequest renders the requested Chunk list into the body of a
// readv request: one {fhandle[4] | rlen[4] | offset[8]} record per chunk.
func EncodeReadVRequest(fhandle [4]byte, chunks []Chunk) []byte {
	body := make([]byte, 16*len(chunks))
	for i, c := range chunks {
		rec := body[i*16 : i*16+16]
		copy(rec[0:4], fhandle[:])
		binary.BigEndian.PutUint32(rec[4:8], c.Length)
		binary.BigEndian.PutUint64(rec[8:16], c.Offset)
	}
	return body
}
