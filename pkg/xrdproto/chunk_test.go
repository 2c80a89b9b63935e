package xrdproto

import (
	"bytes"
	"testing"
)

func buildReadVResponse(t *testing.T, records []ReadVRecord, payloads [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i, rec := range records {
		var hdr [ReadVRecordSize]byte
		copy(hdr[0:4], rec.FileHandle[:])
		putU32(hdr[4:8], rec.DataLen)
		putU64(hdr[8:16], rec.Offset)
		buf.Write(hdr[:])
		buf.Write(payloads[i])
	}
	return buf.Bytes()
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func TestDecodeReadVMatches(t *testing.T) {
	requested := []Chunk{
		{Offset: 0, Length: 3, Buffer: make([]byte, 3)},
		{Offset: 100, Length: 5, Buffer: make([]byte, 5)},
	}
	body := buildReadVResponse(t, []ReadVRecord{
		{DataLen: 3, Offset: 0},
		{DataLen: 5, Offset: 100},
	}, [][]byte{[]byte("abc"), []byte("defgh")})

	if err := DecodeReadV(body, requested); err != nil {
		t.Fatalf("DecodeReadV: %v", err)
	}
	if string(requested[0].Buffer) != "abc" {
		t.Errorf("chunk 0 = %q, want abc", requested[0].Buffer)
	}
	if string(requested[1].Buffer) != "defgh" {
		t.Errorf("chunk 1 = %q, want defgh", requested[1].Buffer)
	}
}

func TestDecodeReadVOffsetMismatchFails(t *testing.T) {
	requested := []Chunk{{Offset: 0, Length: 3, Buffer: make([]byte, 3)}}
	body := buildReadVResponse(t, []ReadVRecord{{DataLen: 3, Offset: 99}}, [][]byte{[]byte("abc")})
	if err := DecodeReadV(body, requested); err == nil {
		t.Fatal("expected a mismatch error")
	}
}

func TestDecodeReadVExtraChunkFails(t *testing.T) {
	requested := []Chunk{{Offset: 0, Length: 3, Buffer: make([]byte, 3)}}
	body := buildReadVResponse(t, []ReadVRecord{
		{DataLen: 3, Offset: 0},
		{DataLen: 1, Offset: 50},
	}, [][]byte{[]byte("abc"), []byte("z")})
	if err := DecodeReadV(body, requested); err == nil {
		t.Fatal("expected an error for extra trailing chunk")
	}
}

func TestDecodeReadVOverflowFails(t *testing.T) {
	requested := []Chunk{{Offset: 0, Length: 3, Buffer: make([]byte, 2)}}
	body := buildReadVResponse(t, []ReadVRecord{{DataLen: 3, Offset: 0}}, [][]byte{[]byte("abc")})
	if err := DecodeReadV(body, requested); err == nil {
		t.Fatal("expected a buffer-overflow error")
	}
}

func TestDecodeReadVScenarioSix(t *testing.T) {
	const nchunks = 40
	const chunkLen = 1 << 20 // 1 MiB
	requested := make([]Chunk, nchunks)
	records := make([]ReadVRecord, nchunks)
	payloads := make([][]byte, nchunks)
	for i := 0; i < nchunks; i++ {
		off := uint64(i+1) * 10 * (1 << 20)
		requested[i] = Chunk{Offset: off, Length: chunkLen, Buffer: make([]byte, chunkLen)}
		records[i] = ReadVRecord{DataLen: chunkLen, Offset: off}
		payloads[i] = bytes.Repeat([]byte{byte(i)}, chunkLen)
	}
	body := buildReadVResponse(t, records, payloads)

	if err := DecodeReadV(body, requested); err != nil {
		t.Fatalf("DecodeReadV: %v", err)
	}
	var total int
	for _, c := range requested {
		total += len(c.Buffer)
	}
	if total != nchunks*chunkLen {
		t.Errorf("total decoded = %d, want %d", total, nchunks*chunkLen)
	}
}
