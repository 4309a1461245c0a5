// Package header implements byte-indexed, zero-copy header storage: a
// header's name and value are kept as (start, end) spans into a shared
// buffer rather than copied out, together with a snapshot of that
// buffer's backing-array address so a caller can detect whether the
// buffer has since been reallocated (and the spans have gone stale).
package header

import (
	"unsafe"

	"github.com/valyala/bytebufferpool"
)

// Span is a half-open byte range [Start, End) into an owning buffer.
type Span struct {
	Start, End int
}

// Indices is one header's name and value spans.
type Indices struct {
	Name  Span
	Value Span
}

// IndexList is an ordered collection of header Indices, all relative to
// the buffer whose backing-array address was BasePtr at parse time.
type IndexList struct {
	Items   []Indices
	BasePtr uintptr
}

// Clear empties the list and resets BasePtr, keeping the backing array's
// capacity for reuse on the next message.
func (l *IndexList) Clear() {
	l.Items = l.Items[:0]
	l.BasePtr = 0
}

// Shift adds delta to every span in the list. It is used when a header
// block was decoded against a sub-slice of a larger buffer (an
// encapsulated HTTP section starting partway through the connection's
// read buffer): the decoder records spans relative to that sub-slice,
// and the caller shifts them by the sub-slice's start offset so they
// become valid indices into the full buffer.
func (l *IndexList) Shift(delta int) {
	for i := range l.Items {
		l.Items[i].Name.Start += delta
		l.Items[i].Name.End += delta
		l.Items[i].Value.Start += delta
		l.Items[i].Value.End += delta
	}
}

// Encode writes "<name>: <value>\r\n" for every entry, reading spans out
// of src and appending the wire bytes to dst.
func (l *IndexList) Encode(src, dst *bytebufferpool.ByteBuffer) {
	for _, it := range l.Items {
		dst.Write(src.B[it.Name.Start:it.Name.End])
		dst.WriteString(": ")
		dst.Write(src.B[it.Value.Start:it.Value.End])
		dst.WriteString("\r\n")
	}
}

// BasePointer returns the uintptr identity of buf's backing array, or 0
// for an empty/nil slice. Comparing two BasePointer results is the only
// reliable way to detect that a bytebufferpool.ByteBuffer has regrown its
// backing array between two parse passes; no third-party library exposes
// buffer identity, so this is the one spot in the module reaching into
// the standard library's unsafe package.
func BasePointer(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
