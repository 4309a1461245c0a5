package server

import (
	"github.com/valyala/bytebufferpool"

	"icapd/internal/common"
	"icapd/internal/decoder"
	"icapd/internal/header"
)

// ReqCtx holds every buffer and parsed value needed to process one ICAP
// request, kept alive across the whole connection and reset between
// requests so the connection's steady-state throughput does nothing but
// reuse already-grown buffers.
type ReqCtx struct {
	// RBuf accumulates raw bytes read off the socket for the current
	// request: ICAP request line, ICAP headers, encapsulated HTTP
	// sections and chunked body, in wire order.
	RBuf *bytebufferpool.ByteBuffer

	// HTTPBuf accumulates the outgoing ICAP response.
	HTTPBuf *bytebufferpool.ByteBuffer

	IcapReq common.IcapRequest
	HTTPReq common.HttpRequest
	HTTPRes common.HttpResponse

	Entities EEListAlias

	ChunkDec decoder.ChunkHeaderDecoder
	Body     *bytebufferpool.ByteBuffer

	Allow204     bool
	Allow206     bool
	PreviewFound bool
	PreviewSize  int
}

// EEListAlias exists so reqctx.go doesn't need to import decoder just
// to name its own field type in documentation; it is the exact type
// decoder.EEList.
type EEListAlias = decoder.EEList

// NewReqCtx returns a ReqCtx with freshly leased pooled buffers.
func NewReqCtx() *ReqCtx {
	return &ReqCtx{
		RBuf:    bytebufferpool.Get(),
		HTTPBuf: bytebufferpool.Get(),
		Body:    bytebufferpool.Get(),
	}
}

// Release returns ctx's pooled buffers, after which ctx must not be used.
func (ctx *ReqCtx) Release() {
	bytebufferpool.Put(ctx.RBuf)
	bytebufferpool.Put(ctx.HTTPBuf)
	bytebufferpool.Put(ctx.Body)
}

// Clear resets ctx for the next request on the same connection. Any
// bytes left over in RBuf past the previous request's parsed length are
// preserved (pipelined data already read ahead of the next request
// line), everything else is zeroed.
func (ctx *ReqCtx) Clear(leftover []byte) {
	ctx.RBuf.Reset()
	if len(leftover) > 0 {
		ctx.RBuf.Write(leftover)
	}

	ctx.HTTPBuf.Reset()
	ctx.Body.Reset()

	ctx.IcapReq.Clear()
	ctx.HTTPReq.Clear()
	ctx.HTTPRes.Clear()
	ctx.Entities.Clear()
	ctx.ChunkDec.Reset()

	ctx.Allow204 = false
	ctx.Allow206 = false
	ctx.PreviewFound = false
	ctx.PreviewSize = 0
}

// EncapsulatedHeaderValue returns the raw bytes of the ICAP request's
// Encapsulated header value, or nil if it is absent.
func (ctx *ReqCtx) EncapsulatedHeaderValue() []byte {
	it := header.NewIterator(ctx.RBuf.B, &ctx.IcapReq.Headers)
	for {
		h, ok := it.Next()
		if !ok {
			return nil
		}
		if h.NameIs("Encapsulated") {
			return h.Value
		}
	}
}

// ParseEntities parses the ICAP request's Encapsulated header into
// ctx.Entities, relative to the start of the encapsulated section
// (immediately after the ICAP headers' terminating blank line). OPTIONS
// requests may omit the header entirely, leaving ctx.Entities empty;
// every other method requires it.
func (ctx *ReqCtx) ParseEntities() error {
	val := ctx.EncapsulatedHeaderValue()
	ctx.Entities.Clear()
	if val == nil {
		if ctx.IcapReq.Method == common.Options {
			return nil
		}
		return decoder.New(decoder.NoEncapsulatedHdr, "")
	}
	return ctx.Entities.ParseAppend(val)
}

// CheckSanity validates that ctx.Entities (already populated by
// ParseEntities) matches one of the Encapsulated shapes this server
// accepts for the request's method, and that a declared non-null body
// carries the Allow: 206 and Preview: 0 this server requires of it.
func (ctx *ReqCtx) CheckSanity() error {
	n := ctx.Entities.Len()
	switch ctx.IcapReq.Method {
	case common.Options:
		if n == 0 {
			return nil
		}
		if n == 1 && ctx.Entities.At(0).IsNullBody() {
			return nil
		}
		return decoder.New(decoder.BadEncapsulatedHdr, "bad OPTIONS encapsulated shape")

	case common.ReqMod:
		if n == 2 && ctx.Entities.At(0).Kind == decoder.ReqHdr && ctx.Entities.At(1).IsBody() {
			return ctx.checkBodyPreconditions(ctx.Entities.At(1))
		}
		return decoder.New(decoder.BadEncapsulatedHdr, "bad REQMOD encapsulated shape")

	case common.RespMod:
		if n == 2 && ctx.Entities.At(0).Kind == decoder.ResHdr && ctx.Entities.At(1).IsBody() {
			return ctx.checkBodyPreconditions(ctx.Entities.At(1))
		}
		if n == 3 && ctx.Entities.At(0).Kind == decoder.ReqHdr &&
			ctx.Entities.At(1).Kind == decoder.ResHdr && ctx.Entities.At(2).IsBody() {
			return ctx.checkBodyPreconditions(ctx.Entities.At(2))
		}
		return decoder.New(decoder.BadEncapsulatedHdr, "bad RESPMOD encapsulated shape")

	default:
		return nil
	}
}

// checkBodyPreconditions enforces that a declared non-null body is
// accompanied by Allow: 206 and Preview: 0, the only preview value this
// server supports; a null-body entity carries no body and needs neither.
func (ctx *ReqCtx) checkBodyPreconditions(body decoder.Entity) error {
	if body.IsNullBody() {
		return nil
	}
	if !ctx.Allow206 {
		return decoder.New(decoder.NoAllow206, "")
	}
	if !ctx.PreviewFound || ctx.PreviewSize != 0 {
		return decoder.New(decoder.NoPreview0, "")
	}
	return nil
}

// EncapsulatedStart is the absolute offset into RBuf.B where the
// encapsulated section begins.
func (ctx *ReqCtx) EncapsulatedStart() int {
	return ctx.IcapReq.ParsedLen
}
