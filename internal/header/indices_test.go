package header

import (
	"testing"

	"github.com/valyala/bytebufferpool"
)

func TestIndexListEncodeRoundTrip(t *testing.T) {
	src := bytebufferpool.Get()
	defer bytebufferpool.Put(src)
	src.WriteString("Host: example.com\r\nContent-Type: text/plain\r\n")

	var list IndexList
	list.Items = []Indices{
		{Name: Span{0, 4}, Value: Span{6, 17}},
		{Name: Span{19, 31}, Value: Span{33, 43}},
	}

	dst := bytebufferpool.Get()
	defer bytebufferpool.Put(dst)
	list.Encode(src, dst)

	want := "Host: example.com\r\nContent-Type: text/plain\r\n"
	if got := dst.String(); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestIndexListShift(t *testing.T) {
	var list IndexList
	list.Items = []Indices{
		{Name: Span{0, 4}, Value: Span{6, 10}},
		{Name: Span{12, 16}, Value: Span{18, 22}},
	}
	list.Shift(100)

	want := []Indices{
		{Name: Span{100, 104}, Value: Span{106, 110}},
		{Name: Span{112, 116}, Value: Span{118, 122}},
	}
	for i, got := range list.Items {
		if got != want[i] {
			t.Errorf("Items[%d] = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestIndexListClear(t *testing.T) {
	var list IndexList
	list.Items = []Indices{{Name: Span{0, 1}, Value: Span{2, 3}}}
	list.BasePtr = 42
	list.Clear()
	if len(list.Items) != 0 {
		t.Errorf("Items not cleared: %v", list.Items)
	}
	if list.BasePtr != 0 {
		t.Errorf("BasePtr not cleared: %d", list.BasePtr)
	}
}

func TestBasePointerStableAcrossSubslices(t *testing.T) {
	buf := []byte("0123456789")
	full := BasePointer(buf)
	sub := BasePointer(buf[3:])
	if full == sub {
		t.Error("BasePointer of buf and buf[3:] should differ")
	}
	if BasePointer(buf[:0]) != 0 {
		t.Error("BasePointer of an empty slice should be 0")
	}
}

func TestNewIterator(t *testing.T) {
	src := bytebufferpool.Get()
	defer bytebufferpool.Put(src)
	src.WriteString("Allow: 204\r\n")

	var list IndexList
	list.Items = []Indices{{Name: Span{0, 5}, Value: Span{7, 10}}}

	it := NewIterator(src.B, &list)
	h, ok := it.Next()
	if !ok {
		t.Fatal("Next() = false, want true")
	}
	if !h.NameIs("Allow") {
		t.Errorf("Name = %q, want Allow", h.Name)
	}
	if string(h.Value) != "204" {
		t.Errorf("Value = %q, want 204", h.Value)
	}
	if _, ok := it.Next(); ok {
		t.Error("second Next() should be exhausted")
	}
}
