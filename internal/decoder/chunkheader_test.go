package decoder

import "testing"

func feedAll(t *testing.T, d *ChunkHeaderDecoder, input string) *ChunkHeader {
	t.Helper()
	buf := []byte(input)
	consumed, hdr, err := d.Feed(buf)
	if err != nil {
		t.Fatalf("Feed(%q): %v", input, err)
	}
	if hdr == nil {
		t.Fatalf("Feed(%q) did not complete, consumed %d", input, consumed)
	}
	if consumed != len(buf) {
		t.Errorf("Feed(%q) consumed %d, want %d", input, consumed, len(buf))
	}
	return hdr
}

func TestChunkHeaderDecoderSimpleSize(t *testing.T) {
	var d ChunkHeaderDecoder
	hdr := feedAll(t, &d, "1a\r\n")
	if hdr.Size != 0x1a {
		t.Errorf("Size = %d, want %d", hdr.Size, 0x1a)
	}
	if hdr.IEOF {
		t.Error("IEOF = true, want false")
	}
}

func TestChunkHeaderDecoderIEOFExtension(t *testing.T) {
	var d ChunkHeaderDecoder
	hdr := feedAll(t, &d, "0; ieof\r\n")
	if !hdr.IEOF {
		t.Error("IEOF = false, want true")
	}
}

func TestChunkHeaderDecoderIEOFWithValue(t *testing.T) {
	var d ChunkHeaderDecoder
	hdr := feedAll(t, &d, "0;ieof=1\r\n")
	if !hdr.IEOF {
		t.Error("IEOF = false, want true")
	}
}

func TestChunkHeaderDecoderIgnoresOtherExtensions(t *testing.T) {
	var d ChunkHeaderDecoder
	hdr := feedAll(t, &d, `a;foo="bar;baz"; ieof`+"\r\n")
	if hdr.Size != 0xa {
		t.Errorf("Size = %d, want %d", hdr.Size, 0xa)
	}
	if !hdr.IEOF {
		t.Error("IEOF = false, want true")
	}
}

// Leading, trailing, and embedded whitespace around the size and around
// extensions is skippable per RFC 2616's chunk-extension grammar; the
// cases below mirror the reference decoder's own test table.
func TestChunkHeaderDecoderWhitespaceTolerance(t *testing.T) {
	tests := []struct {
		input string
		size  int
		ieof  bool
	}{
		{"0\r\n", 0, false},
		{" ab\r\n", 0xab, false},
		{"  ab\r\n", 0xab, false},
		{"ab \r\n", 0xab, false},
		{"ab  \r\n", 0xab, false},
		{"  ab  \r\n", 0xab, false},
		{"0; ieof\r\n", 0, true},
		{"5; koko=popo; ieof; zozo\r\n", 5, true},
		{"5; koko = popo; zozo\r\n", 5, false},
		{"0; key=val; key; ieof\r\n", 0, true},
		{"5; key ; key = val\r\n", 5, false},
		{"5; key ; ieof ; key = val \r\n", 5, true},
	}
	for _, tt := range tests {
		var d ChunkHeaderDecoder
		hdr := feedAll(t, &d, tt.input)
		if hdr.Size != tt.size || hdr.IEOF != tt.ieof {
			t.Errorf("Feed(%q) = {Size:%#x IEOF:%v}, want {Size:%#x IEOF:%v}",
				tt.input, hdr.Size, hdr.IEOF, tt.size, tt.ieof)
		}
	}
}

func TestChunkHeaderDecoderWhitespaceOnlyIsIncomplete(t *testing.T) {
	for _, input := range []string{"0", " 0", " 0 ", "  0  "} {
		var d ChunkHeaderDecoder
		_, hdr, err := d.Feed([]byte(input))
		if err != nil {
			t.Fatalf("Feed(%q): %v", input, err)
		}
		if hdr != nil {
			t.Errorf("Feed(%q) completed without a CRLF", input)
		}
	}
}

func TestChunkHeaderDecoderPartialFeed(t *testing.T) {
	var d ChunkHeaderDecoder
	whole := []byte("2a; ieof\r\n")
	var hdr *ChunkHeader
	pos := 0
	for pos < len(whole) {
		end := pos + 1
		consumed, h, err := d.Feed(whole[pos:end])
		if err != nil {
			t.Fatalf("Feed at byte %d: %v", pos, err)
		}
		pos += consumed
		if h != nil {
			hdr = h
		}
	}
	if hdr == nil {
		t.Fatal("never completed across partial feeds")
	}
	if hdr.Size != 0x2a || !hdr.IEOF {
		t.Errorf("hdr = %+v", hdr)
	}
}

func TestChunkHeaderDecoderBadLeadByte(t *testing.T) {
	var d ChunkHeaderDecoder
	_, hdr, err := d.Feed([]byte("zz\r\n"))
	if err == nil || hdr != nil {
		t.Fatalf("Feed(bad) = %v, %v; want error", hdr, err)
	}
}

func TestChunkHeaderDecoderOversizedHexRun(t *testing.T) {
	var d ChunkHeaderDecoder
	_, _, err := d.Feed([]byte("11111111111111111\r\n"))
	if err == nil {
		t.Fatal("expected error for an oversized hex digit run")
	}
	derr, ok := err.(*Error)
	if !ok || derr.Kind != BadChunkSize {
		t.Errorf("err = %v, want BadChunkSize", err)
	}
}

func TestChunkHeaderDecoderResetReusable(t *testing.T) {
	var d ChunkHeaderDecoder
	feedAll(t, &d, "5\r\n")
	d.Reset()
	hdr := feedAll(t, &d, "a\r\n")
	if hdr.Size != 0xa {
		t.Errorf("Size after reset = %d, want %d", hdr.Size, 0xa)
	}
}
