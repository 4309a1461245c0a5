package decoder

import "testing"

func TestEEListParseAppendReqmod(t *testing.T) {
	var l EEList
	if err := l.ParseAppend([]byte("req-hdr=0, req-body=215")); err != nil {
		t.Fatalf("ParseAppend: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("got %d entities, want 2", l.Len())
	}
	if e := l.At(0); e.Kind != ReqHdr || e.Offset != 0 {
		t.Errorf("entity 0 = %+v", e)
	}
	if e := l.At(1); e.Kind != ReqBody || e.Offset != 215 {
		t.Errorf("entity 1 = %+v", e)
	}
}

func TestEEListParseAppendRespmod(t *testing.T) {
	var l EEList
	if err := l.ParseAppend([]byte("req-hdr=0, res-hdr=137, res-body=296")); err != nil {
		t.Fatalf("ParseAppend: %v", err)
	}
	if l.Len() != 3 {
		t.Fatalf("got %d entities, want 3", l.Len())
	}
	off, ok := l.BodyOffset()
	if !ok || off != 296 {
		t.Errorf("BodyOffset() = %d, %v; want 296, true", off, ok)
	}
}

func TestEEListParseAppendNullBody(t *testing.T) {
	var l EEList
	if err := l.ParseAppend([]byte("null-body=0")); err != nil {
		t.Fatalf("ParseAppend: %v", err)
	}
	if e, _ := l.Last(); !e.IsNullBody() {
		t.Errorf("last entity = %+v, want null-body", e)
	}
}

func TestEEListBodyOffsetEmpty(t *testing.T) {
	var l EEList
	off, ok := l.BodyOffset()
	if ok {
		t.Fatalf("BodyOffset() on empty list reported ok=true")
	}
	if off != int(^uint(0)>>1) && off <= 0 {
		// math.MaxInt on 64-bit platforms; just assert it's a large sentinel.
		t.Errorf("BodyOffset() offset = %d, want a large sentinel", off)
	}
}

func TestEEListParseAppendErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad name", "bogus=0"},
		{"missing equals", "req-hdr 0"},
		{"missing offset", "req-hdr="},
		{"non increasing offsets", "req-hdr=10, req-body=0"},
		{"missing delimiter", "req-hdr=0 req-body=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l EEList
			if err := l.ParseAppend([]byte(tt.input)); err == nil {
				t.Errorf("ParseAppend(%q) succeeded, want error", tt.input)
			}
		})
	}
}

func TestEntityIsBodyIsHdr(t *testing.T) {
	if !(Entity{Kind: ReqHdr}).IsHdr() {
		t.Error("req-hdr should be IsHdr")
	}
	if (Entity{Kind: ReqHdr}).IsBody() {
		t.Error("req-hdr should not be IsBody")
	}
	if !(Entity{Kind: ResBody}).IsBody() {
		t.Error("res-body should be IsBody")
	}
	if !(Entity{Kind: NullBody}).IsNullBody() {
		t.Error("null-body should be IsNullBody")
	}
}
