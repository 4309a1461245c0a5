package decoder

import (
	"testing"

	"icapd/internal/common"
	"icapd/internal/header"
)

func TestParseIcapRequestLine(t *testing.T) {
	consumed, method, uri, version, err := ParseIcapRequestLine([]byte("REQMOD icap://example.com/avscan ICAP/1.0\r\n"))
	if err != nil {
		t.Fatalf("ParseIcapRequestLine: %v", err)
	}
	if consumed == 0 {
		t.Fatal("consumed = 0, want full line")
	}
	if method != common.ReqMod {
		t.Errorf("method = %v, want REQMOD", method)
	}
	if string(uri) != "icap://example.com/avscan" {
		t.Errorf("uri = %q", uri)
	}
	if version != common.ICAP10 {
		t.Errorf("version = %v, want ICAP/1.0", version)
	}
}

func TestParseIcapRequestLineIncomplete(t *testing.T) {
	consumed, _, _, _, err := ParseIcapRequestLine([]byte("REQMOD icap://example.com/avscan ICAP/1.0"))
	if err != nil {
		t.Fatalf("unexpected error on incomplete line: %v", err)
	}
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0 for a line missing its CRLF", consumed)
	}
}

func TestParseIcapRequestLineBadMethod(t *testing.T) {
	_, _, _, _, err := ParseIcapRequestLine([]byte("BOGUS icap://x/ ICAP/1.0\r\n"))
	derr, ok := err.(*Error)
	if !ok || derr.Kind != BadMethod {
		t.Errorf("err = %v, want BadMethod", err)
	}
}

func TestParseHeaders(t *testing.T) {
	var list header.IndexList
	buf := []byte("Host: icap.example.com\r\nAllow: 204\r\n\r\nleftover")
	consumed, done, err := ParseHeaders(buf, &list)
	if err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	if !done {
		t.Fatal("done = false, want true")
	}
	if consumed != len(buf)-len("leftover") {
		t.Errorf("consumed = %d, want %d", consumed, len(buf)-len("leftover"))
	}
	if n := len(list.Items); n != 2 {
		t.Errorf("parsed %d headers, want 2", n)
	}
}

func TestParseHeadersTooMany(t *testing.T) {
	var list header.IndexList
	var buf []byte
	for i := 0; i < MaxHeaders+1; i++ {
		buf = append(buf, []byte("X-Test: 1\r\n")...)
	}
	buf = append(buf, []byte("\r\n")...)
	_, _, err := ParseHeaders(buf, &list)
	derr, ok := err.(*Error)
	if !ok || derr.Kind != BadFormat {
		t.Errorf("err = %v, want BadFormat for too many headers", err)
	}
}

func TestDecodeAllow204(t *testing.T) {
	var list header.IndexList
	buf := []byte("Allow: 204, 206\r\n")
	if _, _, err := ParseHeaders(append(buf, "\r\n"...), &list); err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	if !DecodeAllow204(append(buf, "\r\n"...), &list) {
		t.Error("DecodeAllow204 = false, want true")
	}
}

func TestDecodeAllow206(t *testing.T) {
	var list header.IndexList
	buf := []byte("Allow: 204, 206\r\n")
	if _, _, err := ParseHeaders(append(buf, "\r\n"...), &list); err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	if !DecodeAllow206(append(buf, "\r\n"...), &list) {
		t.Error("DecodeAllow206 = false, want true")
	}
}

func TestDecodeAllow206Absent(t *testing.T) {
	var list header.IndexList
	buf := []byte("Allow: 204\r\n")
	if _, _, err := ParseHeaders(append(buf, "\r\n"...), &list); err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	if DecodeAllow206(append(buf, "\r\n"...), &list) {
		t.Error("DecodeAllow206 = true, want false")
	}
}

func TestDecodePreviewZero(t *testing.T) {
	var list header.IndexList
	buf := []byte("Preview: 0\r\n\r\n")
	if _, _, err := ParseHeaders(buf, &list); err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	size, found, err := DecodePreview(buf, &list)
	if err != nil {
		t.Fatalf("DecodePreview: %v", err)
	}
	if !found || size != 0 {
		t.Errorf("DecodePreview = %d, %v, want 0, true", size, found)
	}
}

func TestDecodePreviewNonZeroRejected(t *testing.T) {
	var list header.IndexList
	buf := []byte("Preview: 128\r\n\r\n")
	if _, _, err := ParseHeaders(buf, &list); err != nil {
		t.Fatalf("ParseHeaders: %v", err)
	}
	_, found, err := DecodePreview(buf, &list)
	if !found {
		t.Error("found = false, want true")
	}
	derr, ok := err.(*Error)
	if !ok || derr.Kind != NoPreview0 {
		t.Errorf("err = %v, want NoPreview0", err)
	}
}

func TestDecodeIcapRequestFull(t *testing.T) {
	var req common.IcapRequest
	buf := []byte("REQMOD icap://example.com/avscan ICAP/1.0\r\nHost: example.com\r\nAllow: 204\r\nEncapsulated: req-hdr=0, null-body=0\r\n\r\n")
	done, err := DecodeIcapRequest(buf, &req)
	if err != nil {
		t.Fatalf("DecodeIcapRequest: %v", err)
	}
	if !done {
		t.Fatal("done = false, want true")
	}
	if req.Method != common.ReqMod {
		t.Errorf("Method = %v, want REQMOD", req.Method)
	}
	if req.ParsedLen != len(buf) {
		t.Errorf("ParsedLen = %d, want %d", req.ParsedLen, len(buf))
	}
}

func TestDecodeIcapRequestIncomplete(t *testing.T) {
	var req common.IcapRequest
	buf := []byte("REQMOD icap://example.com/avscan ICAP/1.0\r\nHost: example.com\r\n")
	done, err := DecodeIcapRequest(buf, &req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Error("done = true for headers missing their terminator")
	}
}
