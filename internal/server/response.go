package server

import (
	"bytes"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"icapd/internal/decoder"
	"icapd/internal/header"
)

type bytesBuffer = bytes.Buffer

func itoa(n int) string { return strconv.Itoa(n) }

func writeChunk(buf *bytebufferpool.ByteBuffer, data []byte) {
	buf.WriteString(strconv.FormatInt(int64(len(data)), 16))
	buf.WriteString("\r\n")
	buf.Write(data)
	buf.WriteString("\r\n")
}

func writeLastChunk(buf *bytebufferpool.ByteBuffer) {
	buf.WriteString("0\r\n\r\n")
}

// encapsulatedPlan is the re-serialized encapsulated section for one
// outgoing response: the entity kinds present, in order, and the bytes
// of each (headers already re-encoded from the request buffer, body
// taken from ctx.Body verbatim).
type encapsulatedPlan struct {
	kinds    []decoder.EntityKind
	sections [][]byte
}

// lastHeaderEntity returns the index within ctx.Entities of the last
// header-kind entity (req-hdr or res-hdr), which is where AppendHeaders'
// extra lines belong: RESPMOD's res-hdr when present, otherwise REQMOD's
// req-hdr.
func lastHeaderEntityIndex(entities *decoder.EEList) int {
	last := -1
	for i := 0; i < entities.Len(); i++ {
		if entities.At(i).IsHdr() {
			last = i
		}
	}
	return last
}

func (c *Connection) buildPlan(extra [][2]string) *encapsulatedPlan {
	ctx := c.ctx
	plan := &encapsulatedPlan{}
	lastHdr := lastHeaderEntityIndex(&ctx.Entities)

	n := ctx.Entities.Len()
	for i := 0; i < n; i++ {
		e := ctx.Entities.At(i)
		switch e.Kind {
		case decoder.ReqHdr:
			var head bytesBuffer
			head.WriteString(string(ctx.HTTPReq.Method))
			head.WriteByte(' ')
			head.Write(ctx.HTTPReq.URI)
			head.WriteByte(' ')
			head.WriteString(ctx.HTTPReq.Version.String())
			head.WriteString("\r\n")
			encodeHeadersInto(&head, ctx.RBuf, &ctx.HTTPReq.Headers)
			if i == lastHdr {
				for _, kv := range extra {
					head.WriteString(kv[0] + ": " + kv[1] + "\r\n")
				}
			}
			head.WriteString("\r\n")
			plan.kinds = append(plan.kinds, decoder.ReqHdr)
			plan.sections = append(plan.sections, head.Bytes())

		case decoder.ResHdr:
			var head bytesBuffer
			head.WriteString(ctx.HTTPRes.Version.String())
			head.WriteByte(' ')
			head.WriteString(itoa(ctx.HTTPRes.StatusCode))
			head.WriteByte(' ')
			head.Write(ctx.HTTPRes.ReasonPhrase)
			head.WriteString("\r\n")
			encodeHeadersInto(&head, ctx.RBuf, &ctx.HTTPRes.Headers)
			if i == lastHdr {
				for _, kv := range extra {
					head.WriteString(kv[0] + ": " + kv[1] + "\r\n")
				}
			}
			head.WriteString("\r\n")
			plan.kinds = append(plan.kinds, decoder.ResHdr)
			plan.sections = append(plan.sections, head.Bytes())

		case decoder.ReqBody, decoder.ResBody:
			if ctx.Body.Len() == 0 {
				plan.kinds = append(plan.kinds, decoder.NullBody)
				plan.sections = append(plan.sections, nil)
			} else {
				var body bytesBuffer
				writeChunkBuf(&body, ctx.Body.B)
				writeLastChunkBuf(&body)
				plan.kinds = append(plan.kinds, e.Kind)
				plan.sections = append(plan.sections, body.Bytes())
			}

		case decoder.NullBody:
			plan.kinds = append(plan.kinds, decoder.NullBody)
			plan.sections = append(plan.sections, nil)
		}
	}

	// A REQMOD message that carries no res-hdr/res-body, and whose only
	// body-bearing entity was ReqBody, needs an explicit extra-headers
	// append when AppendHeaders is used on a request with no body at
	// all: the ICAP grammar still requires a final entity.
	if len(plan.kinds) == 0 {
		plan.kinds = append(plan.kinds, decoder.NullBody)
		plan.sections = append(plan.sections, nil)
	}
	return plan
}

// buildAppendHeadersPlan synthesizes the encapsulated message an
// AppendHeaders decision sends back: exactly one header entity (the
// request's res-hdr if present, else its req-hdr) with extra appended,
// and one body entity whose bytes are either empty (null-body) or the
// single use-original-body terminator line. It reports whether the
// declared body was null, which decides the 200-vs-206 status line.
func (c *Connection) buildAppendHeadersPlan(extra [][2]string) (plan *encapsulatedPlan, nullBody bool) {
	ctx := c.ctx
	plan = &encapsulatedPlan{}

	hdrIdx := lastHeaderEntityIndex(&ctx.Entities)
	hdrEntity := ctx.Entities.At(hdrIdx)

	var head bytesBuffer
	switch hdrEntity.Kind {
	case decoder.ReqHdr:
		head.WriteString(string(ctx.HTTPReq.Method))
		head.WriteByte(' ')
		head.Write(ctx.HTTPReq.URI)
		head.WriteByte(' ')
		head.WriteString(ctx.HTTPReq.Version.String())
		head.WriteString("\r\n")
		encodeHeadersInto(&head, ctx.RBuf, &ctx.HTTPReq.Headers)
	case decoder.ResHdr:
		head.WriteString(ctx.HTTPRes.Version.String())
		head.WriteByte(' ')
		head.WriteString(itoa(ctx.HTTPRes.StatusCode))
		head.WriteByte(' ')
		head.Write(ctx.HTTPRes.ReasonPhrase)
		head.WriteString("\r\n")
		encodeHeadersInto(&head, ctx.RBuf, &ctx.HTTPRes.Headers)
	}
	for _, kv := range extra {
		head.WriteString(kv[0] + ": " + kv[1] + "\r\n")
	}
	head.WriteString("\r\n")

	plan.kinds = append(plan.kinds, hdrEntity.Kind)
	plan.sections = append(plan.sections, head.Bytes())

	last, _ := ctx.Entities.Last()
	if last.IsNullBody() {
		plan.kinds = append(plan.kinds, decoder.NullBody)
		plan.sections = append(plan.sections, nil)
		nullBody = true
	} else {
		var body bytesBuffer
		body.WriteString("0; use-original-body=0\r\n\r\n")
		plan.kinds = append(plan.kinds, last.Kind)
		plan.sections = append(plan.sections, body.Bytes())
	}
	return plan, nullBody
}

func encodeHeadersInto(dst *bytesBuffer, src *bytebufferpool.ByteBuffer, list *header.IndexList) {
	it := header.NewIterator(src.B, list)
	for {
		h, ok := it.Next()
		if !ok {
			return
		}
		dst.Write(h.Name)
		dst.WriteString(": ")
		dst.Write(h.Value)
		dst.WriteString("\r\n")
	}
}

func writeChunkBuf(dst *bytesBuffer, data []byte) {
	dst.WriteString(strconv.FormatInt(int64(len(data)), 16))
	dst.WriteString("\r\n")
	dst.Write(data)
	dst.WriteString("\r\n")
}

func writeLastChunkBuf(dst *bytesBuffer) {
	dst.WriteString("0\r\n\r\n")
}

func (plan *encapsulatedPlan) encapsulatedHeaderValue() string {
	var b bytesBuffer
	offset := 0
	for i, kind := range plan.kinds {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(entityName(kind))
		b.WriteByte('=')
		b.WriteString(itoa(offset))
		offset += len(plan.sections[i])
	}
	return b.String()
}

func entityName(kind decoder.EntityKind) string {
	switch kind {
	case decoder.ReqHdr:
		return "req-hdr"
	case decoder.ReqBody:
		return "req-body"
	case decoder.ResHdr:
		return "res-hdr"
	case decoder.ResBody:
		return "res-body"
	case decoder.NullBody:
		return "null-body"
	default:
		return "opt-body"
	}
}

func (plan *encapsulatedPlan) writeBody(dst *bytebufferpool.ByteBuffer) {
	for _, sec := range plan.sections {
		dst.Write(sec)
	}
}
