package server

import (
	"bytes"
	"io"
	"log"
	"net"

	"icapd/internal/common"
	"icapd/internal/decoder"
	"icapd/internal/service"
)

// readChunk is the size of each raw socket read. It does not bound
// message size; it only bounds how much copying happens per Read
// syscall before the bytes are appended to the request's buffer.
const readChunk = 8192

// Connection runs the request/response loop for one accepted socket. Its
// methods are not safe for concurrent use: each Connection is driven by
// exactly one goroutine for its whole lifetime.
type Connection struct {
	id      common.ID
	conn    net.Conn
	svc     service.Service
	debug   bool
	ctx     *ReqCtx
	scratch []byte
}

// NewConnection wraps an accepted socket, ready to Serve it against svc.
func NewConnection(id common.ID, conn net.Conn, svc service.Service, debug bool) *Connection {
	return &Connection{
		id:      id,
		conn:    conn,
		svc:     svc,
		debug:   debug,
		ctx:     NewReqCtx(),
		scratch: make([]byte, readChunk),
	}
}

// Serve processes requests on the connection until the peer closes it or
// a fatal transport error occurs. It always closes the underlying socket
// and releases the connection's buffers before returning.
func (c *Connection) Serve() {
	defer c.conn.Close()
	defer c.ctx.Release()

	for {
		if err := c.processOne(); err != nil {
			if err != io.EOF {
				c.logf("closing connection: %v", err)
			}
			return
		}
	}
}

func (c *Connection) logf(format string, args ...any) {
	if c.debug {
		log.Printf("[conn %s] "+format, append([]any{c.id}, args...)...)
	}
}

// fill reads off the socket until at least n bytes are buffered,
// growing ctx.RBuf as needed.
func (c *Connection) fill(n int) error {
	for len(c.ctx.RBuf.B) < n {
		m, err := c.conn.Read(c.scratch)
		if m > 0 {
			c.ctx.RBuf.Write(c.scratch[:m])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recvLine grows ctx.RBuf until parse returns done==true (a complete
// line/section was found) or an error.
func (c *Connection) recvUntil(parse func(buf []byte) (done bool, err error)) error {
	for {
		done, err := parse(c.ctx.RBuf.B)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		m, err := c.conn.Read(c.scratch)
		if m > 0 {
			c.ctx.RBuf.Write(c.scratch[:m])
		}
		if err != nil {
			if err == io.EOF && len(c.ctx.RBuf.B) == 0 {
				return io.EOF
			}
			return err
		}
	}
}

// processOne handles exactly one ICAP request/response cycle.
func (c *Connection) processOne() error {
	ctx := c.ctx
	ctx.Clear(nil)

	if err := c.recvUntil(func(buf []byte) (bool, error) {
		return decoder.DecodeIcapRequest(buf, &ctx.IcapReq)
	}); err != nil {
		return err
	}

	ctx.Allow204 = decoder.DecodeAllow204(ctx.RBuf.B, &ctx.IcapReq.Headers)
	ctx.Allow206 = decoder.DecodeAllow206(ctx.RBuf.B, &ctx.IcapReq.Headers)
	if size, found, err := decoder.DecodePreview(ctx.RBuf.B, &ctx.IcapReq.Headers); err != nil {
		return c.sendError(err)
	} else {
		ctx.PreviewFound, ctx.PreviewSize = found, size
	}

	if err := ctx.ParseEntities(); err != nil {
		return c.sendError(err)
	}
	if err := ctx.CheckSanity(); err != nil {
		return c.sendError(err)
	}

	switch ctx.IcapReq.Method {
	case common.Options:
		return c.processOptions()
	case common.ReqMod:
		return c.processReqmod()
	case common.RespMod:
		return c.processRespmod()
	default:
		return c.sendError(decoder.New(decoder.BadMethod, ""))
	}
}

func (c *Connection) processOptions() error {
	ctx := c.ctx
	extra := c.svc.HandleOptions()

	ctx.HTTPBuf.Reset()
	buf := ctx.HTTPBuf
	buf.WriteString("ICAP/1.0 200 OK\r\n")
	buf.WriteString("Methods: REQMOD, RESPMOD\r\n")
	buf.WriteString("Service: " + c.svc.Name() + "\r\n")
	buf.WriteString("ISTag: \"" + c.svc.ISTag() + "\"\r\n")
	buf.WriteString("Encapsulated: null-body=0\r\n")
	buf.WriteString("Allow: 204\r\n")
	buf.WriteString("Preview: 0\r\n")
	for _, kv := range extra {
		buf.WriteString(kv[0] + ": " + kv[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	_, err := c.conn.Write(buf.B)
	return err
}

// sectionBounds locates, within ctx.Entities, the absolute [start,end)
// byte range of the requested entity kind, reading ahead as needed so
// the full range is buffered. ok is false if the entity isn't present.
func (c *Connection) sectionBounds(kind decoder.EntityKind) (start, end int, ok bool) {
	ctx := c.ctx
	base := ctx.EncapsulatedStart()
	n := ctx.Entities.Len()
	for i := 0; i < n; i++ {
		e := ctx.Entities.At(i)
		if e.Kind != kind {
			continue
		}
		start = base + e.Offset
		if i+1 < n {
			end = base + ctx.Entities.At(i + 1).Offset
		} else {
			end = -1 // extends to end of body, determined by chunk framing
		}
		return start, end, true
	}
	return 0, 0, false
}

func (c *Connection) parseHeaderSection(kind decoder.EntityKind) error {
	ctx := c.ctx
	start, _, ok := c.sectionBounds(kind)
	if !ok {
		return nil
	}
	switch kind {
	case decoder.ReqHdr:
		err := c.recvUntil(func(buf []byte) (bool, error) {
			if len(buf) < start {
				return false, nil
			}
			return decoder.DecodeHttpRequest(buf[start:], &ctx.HTTPReq)
		})
		if err == nil {
			ctx.HTTPReq.Headers.Shift(start)
		}
		return err
	case decoder.ResHdr:
		err := c.recvUntil(func(buf []byte) (bool, error) {
			if len(buf) < start {
				return false, nil
			}
			return decoder.DecodeHttpResponse(buf[start:], &ctx.HTTPRes)
		})
		if err == nil {
			ctx.HTTPRes.Headers.Shift(start)
		}
		return err
	}
	return nil
}

// recvBody reads the preview-zero terminator for the body section
// starting at the entity's offset. This server advertises Preview: 0 and
// never asks for more, so a client with a non-null body ever sends
// exactly one chunk header (declaring size 0) followed by an empty
// trailer; it never sends real chunk data. A non-zero declared size is a
// protocol violation, not a larger body to read, and is rejected. A
// null-body or absent entity leaves ctx.Body empty and reads nothing.
func (c *Connection) recvBody(kind decoder.EntityKind) error {
	ctx := c.ctx
	if kind == decoder.NullBody {
		return nil
	}
	start, _, ok := c.sectionBounds(kind)
	if !ok {
		return nil
	}

	if err := c.fill(start); err != nil {
		return err
	}
	pos := start
	ctx.ChunkDec.Reset()

	var hdr *decoder.ChunkHeader
	if err := c.recvUntil(func(buf []byte) (bool, error) {
		if len(buf) <= pos {
			return false, nil
		}
		consumed, h, err := ctx.ChunkDec.Feed(buf[pos:])
		if err != nil {
			return false, err
		}
		if h == nil {
			return false, nil
		}
		pos += consumed
		hdr = h
		return true, nil
	}); err != nil {
		return err
	}

	if hdr.Size != 0 {
		return decoder.New(decoder.BadChunkHeader, "non-zero preview chunk")
	}

	// trailer section: zero or more headers then a blank line.
	return c.recvUntil(func(buf []byte) (bool, error) {
		if len(buf) <= pos {
			return false, nil
		}
		end := bytes.Index(buf[pos:], []byte("\r\n\r\n"))
		if end < 0 {
			if len(buf[pos:]) >= 2 && buf[pos] == '\r' && buf[pos+1] == '\n' {
				pos += 2
				return true, nil
			}
			return false, nil
		}
		pos = pos + end + 4
		return true, nil
	})
}

func (c *Connection) processReqmod() error {
	ctx := c.ctx
	if err := c.parseHeaderSection(decoder.ReqHdr); err != nil {
		return c.sendError(err)
	}
	if err := c.recvBody(decoder.ReqBody); err != nil {
		return c.sendError(err)
	}

	result, err := c.svc.HandleReqmod(&ctx.HTTPReq, ctx.Body.B, ctx.RBuf.B)
	if err != nil {
		return c.sendServiceError(err)
	}
	return c.respond(result)
}

func (c *Connection) processRespmod() error {
	ctx := c.ctx
	if err := c.parseHeaderSection(decoder.ReqHdr); err != nil {
		return c.sendError(err)
	}
	if err := c.parseHeaderSection(decoder.ResHdr); err != nil {
		return c.sendError(err)
	}
	if err := c.recvBody(decoder.ResBody); err != nil {
		return c.sendError(err)
	}

	result, err := c.svc.HandleRespmod(&ctx.HTTPReq, &ctx.HTTPRes, ctx.Body.B, ctx.RBuf.B)
	if err != nil {
		return c.sendServiceError(err)
	}
	return c.respond(result)
}

func (c *Connection) respond(result service.Result) error {
	switch result.Decision {
	case service.NoAdaptationNeeded:
		if c.ctx.Allow204 {
			return c.send204()
		}
		return c.sendUnmodified()
	case service.AppendHeaders:
		return c.sendAppendHeaders(result.ExtraHeaders)
	case service.CustomResponse:
		return c.sendCustomResponse(result.Custom)
	default:
		return c.sendUnmodified()
	}
}

func (c *Connection) send204() error {
	buf := c.ctx.HTTPBuf
	buf.Reset()
	buf.WriteString("ICAP/1.0 204 No Content\r\n")
	buf.WriteString("ISTag: \"" + c.svc.ISTag() + "\"\r\n")
	buf.WriteString("\r\n")
	_, err := c.conn.Write(buf.B)
	return err
}

// sendUnmodified echoes the encapsulated message back unchanged, for
// clients that didn't send Allow: 204.
func (c *Connection) sendUnmodified() error {
	return c.sendPlan(nil)
}

// sendAppendHeaders synthesizes the single header entity the request
// carried (res-hdr for RESPMOD, req-hdr for REQMOD) plus the staged
// extra header lines, and replies 206 Partial Content with a
// use-original-body terminator if the request declared a non-null body,
// or 200 OK with null-body otherwise; this server never holds a real
// body to re-serialize, since Preview: 0 means none is ever read.
func (c *Connection) sendAppendHeaders(extra [][2]string) error {
	ctx := c.ctx
	plan, nullBody := c.buildAppendHeadersPlan(extra)

	buf := ctx.HTTPBuf
	buf.Reset()
	if nullBody {
		buf.WriteString("ICAP/1.0 200 OK\r\n")
	} else {
		buf.WriteString("ICAP/1.0 206 Partial Content\r\n")
	}
	buf.WriteString("ISTag: \"" + c.svc.ISTag() + "\"\r\n")
	buf.WriteString("Encapsulated: " + plan.encapsulatedHeaderValue() + "\r\n")
	buf.WriteString("\r\n")
	plan.writeBody(buf)
	_, err := c.conn.Write(buf.B)
	return err
}

// sendPlan re-serializes the request's encapsulated section (optionally
// appending extra header lines to its last header block) and writes it
// back as a 200 OK response.
func (c *Connection) sendPlan(extra [][2]string) error {
	ctx := c.ctx
	plan := c.buildPlan(extra)

	buf := ctx.HTTPBuf
	buf.Reset()
	buf.WriteString("ICAP/1.0 200 OK\r\n")
	buf.WriteString("ISTag: \"" + c.svc.ISTag() + "\"\r\n")
	buf.WriteString("Encapsulated: " + plan.encapsulatedHeaderValue() + "\r\n")
	buf.WriteString("\r\n")
	plan.writeBody(buf)
	_, err := c.conn.Write(buf.B)
	return err
}

func (c *Connection) sendCustomResponse(resp *service.CustomResponse) error {
	buf := c.ctx.HTTPBuf
	buf.Reset()
	if resp == nil {
		resp = &service.CustomResponse{StatusCode: 200, Reason: "OK"}
	}

	var httpHead bytesBuffer
	httpHead.WriteString("HTTP/1.1 ")
	httpHead.WriteString(itoa(resp.StatusCode))
	httpHead.WriteByte(' ')
	httpHead.WriteString(resp.Reason)
	httpHead.WriteString("\r\n")
	for _, kv := range resp.Headers {
		httpHead.WriteString(kv[0] + ": " + kv[1] + "\r\n")
	}
	httpHead.WriteString("\r\n")

	resHdrLen := httpHead.Len()

	buf.WriteString("ICAP/1.0 200 OK\r\n")
	buf.WriteString("ISTag: \"" + c.svc.ISTag() + "\"\r\n")
	if len(resp.Body) == 0 {
		buf.WriteString("Encapsulated: res-hdr=0, null-body=" + itoa(resHdrLen) + "\r\n\r\n")
		buf.Write(httpHead.Bytes())
	} else {
		buf.WriteString("Encapsulated: res-hdr=0, res-body=" + itoa(resHdrLen) + "\r\n\r\n")
		buf.Write(httpHead.Bytes())
		writeChunk(buf, resp.Body)
		writeLastChunk(buf)
	}
	_, err := c.conn.Write(buf.B)
	return err
}

func (c *Connection) sendError(err error) error {
	c.logf("decode error: %v", err)
	buf := c.ctx.HTTPBuf
	buf.Reset()
	buf.WriteString("ICAP/1.0 400 Bad Request\r\n")
	buf.WriteString("Encapsulated: null-body=0\r\n")
	buf.WriteString("\r\n")
	c.conn.Write(buf.B)
	return err
}

func (c *Connection) sendServiceError(err error) error {
	reason := err.Error()
	c.logf("service error: %v", err)
	buf := c.ctx.HTTPBuf
	buf.Reset()
	buf.WriteString("ICAP/1.0 500 Internal Server Error\r\n")
	buf.WriteString("Encapsulated: null-body=0\r\n")
	if _, ok := err.(*service.Error); ok {
		buf.WriteString("X-Adaptation-Error: " + reason + "\r\n")
	}
	buf.WriteString("\r\n")
	_, werr := c.conn.Write(buf.B)
	if werr != nil {
		return werr
	}
	return nil
}
