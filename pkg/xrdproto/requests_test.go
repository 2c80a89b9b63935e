package xrdproto

import (
	"encoding/binary"
	"testing"
)

func TestBuildOpenRequest(t *testing.T) {
	msg := BuildOpenRequest("/foo/bar", OpenRead, OpenFlagRetStat|OpenFlagMakePath)
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.RequestID != ReqOpen {
		t.Errorf("request id = %v, want open", hdr.RequestID)
	}
	mode := binary.BigEndian.Uint16(hdr.Body[0:2])
	if OpenMode(mode) != OpenRead {
		t.Errorf("mode = %d, want OpenRead", mode)
	}
	flags := OpenFlags(binary.BigEndian.Uint32(hdr.Body[2:6]))
	if flags&OpenFlagRetStat == 0 || flags&OpenFlagMakePath == 0 {
		t.Errorf("flags = %x, missing expected bits", flags)
	}
	path := msg.Bytes()[RequestHeaderSize:]
	if string(path) != "/foo/bar" {
		t.Errorf("path = %q, want /foo/bar", path)
	}
}

func TestBuildReadRequest(t *testing.T) {
	fh := [4]byte{1, 2, 3, 4}
	msg := BuildReadRequest(fh, 1024, 4096)
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if string(hdr.Body[0:4]) != string(fh[:]) {
		t.Errorf("fhandle mismatch")
	}
	if off := binary.BigEndian.Uint64(hdr.Body[4:12]); off != 1024 {
		t.Errorf("offset = %d, want 1024", off)
	}
	if l := binary.BigEndian.Uint32(hdr.Body[12:16]); l != 4096 {
		t.Errorf("length = %d, want 4096", l)
	}
}

func TestBuildReadVRequestRoundTrips(t *testing.T) {
	fh := [4]byte{9, 9, 9, 9}
	chunks := []Chunk{{Offset: 0, Length: 10}, {Offset: 100, Length: 20}}
	msg := BuildReadVRequest(fh, chunks)
	payload := msg.Bytes()[RequestHeaderSize:]
	if len(payload) != 32 {
		t.Fatalf("payload len = %d, want 32", len(payload))
	}
	rec0, err := UnmarshalReadVRecord(payload[0:16])
	if err != nil {
		t.Fatal(err)
	}
	if rec0.FileHandle != fh || rec0.Offset != 0 || rec0.DataLen != 10 {
		t.Errorf("rec0 = %+v", rec0)
	}
}

func TestBuildMvRequestJoinsPaths(t *testing.T) {
	msg := BuildMvRequest("/a", "/b")
	payload := msg.Bytes()[RequestHeaderSize:]
	if string(payload) != "/a /b" {
		t.Errorf("payload = %q, want %q", payload, "/a /b")
	}
}

func TestBuildLocateRequestEncodesOptions(t *testing.T) {
	msg := BuildLocateRequest("/x", LocateOptions{Refresh: true, Deep: true})
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Body[0]&0x03 != 0x03 {
		t.Errorf("options byte = %x, want refresh+deep bits set", hdr.Body[0])
	}
}

func TestClearLocateRefreshBit(t *testing.T) {
	msg := BuildLocateRequest("/x", LocateOptions{Refresh: true})
	ClearLocateRefreshBit(msg)
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Body[0]&0x01 != 0 {
		t.Errorf("refresh bit still set after clear: %x", hdr.Body[0])
	}
}

func TestClearOpenRefreshFlag(t *testing.T) {
	msg := BuildOpenRequest("/x", OpenUpdate, OpenFlagRefresh|OpenFlagRetStat)
	ClearOpenRefreshFlag(msg)
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	flags := OpenFlags(binary.BigEndian.Uint32(hdr.Body[2:6]))
	if flags&OpenFlagRefresh != 0 {
		t.Errorf("refresh flag still set: %x", flags)
	}
	if flags&OpenFlagRetStat == 0 {
		t.Errorf("unrelated flag cleared: %x", flags)
	}
}

func TestBuildDirListAndStatOptions(t *testing.T) {
	msg := BuildDirListRequest("/dir", DirListOptions{WithStat: true})
	hdr, err := UnmarshalRequestHeader(msg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Body[0] != 1 {
		t.Errorf("withstat option not encoded")
	}

	statMsg := BuildStatVFSRequest("/")
	statHdr, err := UnmarshalRequestHeader(statMsg.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if statHdr.Body[0] != 1 {
		t.Errorf("vfs option not encoded")
	}
}
