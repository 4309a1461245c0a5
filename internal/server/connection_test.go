package server

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"icapd/internal/common"
	"icapd/internal/service"
)

// serveOne wires a net.Pipe between a fake client and a Connection
// running svc, writes request into the pipe, and returns everything the
// server wrote back before the pipe closes or readTimeout elapses.
func serveOne(t *testing.T, svc service.Service, request string) string {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	conn := NewConnection(common.ID(1), serverConn, svc, false)
	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	go func() {
		io.WriteString(clientConn, request)
	}()

	clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := clientConn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	clientConn.Close()
	<-done
	return out.String()
}

func TestConnectionOptions(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", [][2]string{{"Transfer-Preview", "*"}}, nil, nil)
	req := "OPTIONS icap://example.com/echo ICAP/1.0\r\nHost: example.com\r\n\r\n"
	resp := serveOne(t, svc, req)

	if !strings.HasPrefix(resp, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("response = %q, want 200 OK", resp)
	}
	if !strings.Contains(resp, "ISTag: \"Echo-1.0\"") {
		t.Errorf("response missing ISTag: %q", resp)
	}
	if !strings.Contains(resp, "Transfer-Preview: *\r\n") {
		t.Errorf("response missing service-supplied option: %q", resp)
	}
	if !strings.Contains(resp, "Allow: 204\r\n") {
		t.Errorf("response missing Allow: 204: %q", resp)
	}
}

func TestConnectionReqmodNoAdaptation204(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)

	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"

	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 204\r\n" +
		"Encapsulated: req-hdr=0, null-body=" + itoa(len(reqHdr)) + "\r\n"

	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 204 No Content\r\n") {
		t.Fatalf("response = %q, want 204 No Content", resp)
	}
}

// The adaptation decision is independent of whatever body bytes the
// client declared: a service may answer with CustomResponse without
// ever inspecting ctx.Body, since this server's Preview: 0 contract
// means no real body content is ever buffered for it to look at.
func TestConnectionReqmodCustomResponse(t *testing.T) {
	reqmod := func(req *common.HttpRequest, body []byte, buf []byte) (service.Result, error) {
		return service.Result{
			Decision: service.CustomResponse,
			Custom: &service.CustomResponse{
				StatusCode: 200,
				Reason:     "OK",
				Headers:    [][2]string{{"Content-Type", "application/json"}},
				Body:       []byte(`{"tokenized":true}`),
			},
		}, nil
	}
	svc := service.NewFunc("tok", "Tok-1.0", nil, reqmod, nil)

	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 206\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(reqHdr)) + "\r\n"

	// A non-null body is only ever announced, never actually sent: the
	// client's obligation is exactly one zero-length preview chunk.
	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + "0\r\n\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("response = %q, want 200 OK", resp)
	}
	if !strings.Contains(resp, `{"tokenized":true}`) {
		t.Errorf("response missing custom body: %q", resp)
	}
}

func TestConnectionRespmodCustomResponse(t *testing.T) {
	respmod := func(req *common.HttpRequest, res *common.HttpResponse, body []byte, buf []byte) (service.Result, error) {
		return service.Result{
			Decision: service.CustomResponse,
			Custom: &service.CustomResponse{
				StatusCode: res.StatusCode,
				Reason:     string(res.ReasonPhrase),
				Headers:    [][2]string{{"Content-Type", "application/json"}},
				Body:       []byte(`{"card_number":"4111111111111111"}`),
			},
		}, nil
	}
	svc := service.NewFunc("tok", "Tok-1.0", nil, nil, respmod)

	reqHdr := "GET /account HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	resHdr := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n"

	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 206\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, res-hdr=" + itoa(len(reqHdr)) + ", res-body=" + itoa(len(reqHdr)+len(resHdr)) + "\r\n"

	req := "RESPMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + resHdr + "0\r\n\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 200 OK\r\n") {
		t.Fatalf("response = %q, want 200 OK", resp)
	}
	if !strings.Contains(resp, `{"card_number":"4111111111111111"}`) {
		t.Errorf("response missing detokenized body: %q", resp)
	}
}

// TestConnectionReqmodAppendHeadersPreview exercises the 206/use-original-body
// convention: a non-null declared body gets its extra headers appended and
// the body section replaced by the single use-original-body terminator.
func TestConnectionReqmodAppendHeadersPreview(t *testing.T) {
	reqmod := func(req *common.HttpRequest, body []byte, buf []byte) (service.Result, error) {
		return service.Result{
			Decision:     service.AppendHeaders,
			ExtraHeaders: [][2]string{{"X-Tag", "A"}},
		}, nil
	}
	svc := service.NewFunc("tag", "Tag-1.0", nil, reqmod, nil)

	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 206\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(reqHdr)) + "\r\n"

	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + "0\r\n\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 206 Partial Content\r\n") {
		t.Fatalf("response = %q, want 206 Partial Content", resp)
	}
	if !strings.Contains(resp, "X-Tag: A\r\n") {
		t.Errorf("response missing appended header: %q", resp)
	}
	if !strings.Contains(resp, "0; use-original-body=0\r\n\r\n") {
		t.Errorf("response missing use-original-body terminator: %q", resp)
	}
}

// TestConnectionMissingAllow206Rejected exercises the §4.5 sanity check:
// a non-null body declared without Allow: 206 is a protocol violation,
// not something the connection can silently accept.
func TestConnectionMissingAllow206Rejected(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)
	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	icapHeaders := "Host: icap.example.com\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(reqHdr)) + "\r\n"
	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + "0\r\n\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 400 Bad Request\r\n") {
		t.Fatalf("response = %q, want 400 Bad Request", resp)
	}
}

// TestConnectionWrongShapeForMethodRejected exercises the §4.5 shape
// check: a RESPMOD request using the REQMOD-only req-hdr/req-body shape
// must be rejected rather than silently processed with a zero-valued
// HttpResponse.
func TestConnectionWrongShapeForMethodRejected(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)
	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 206\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(reqHdr)) + "\r\n"
	req := "RESPMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + "0\r\n\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 400 Bad Request\r\n") {
		t.Fatalf("response = %q, want 400 Bad Request", resp)
	}
}

func TestConnectionBadEncapsulatedHeader(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)
	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\nHost: icap.example.com\r\n\r\n"
	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 400 Bad Request\r\n") {
		t.Fatalf("response = %q, want 400 Bad Request", resp)
	}
}

func TestConnectionNonZeroPreviewRejected(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)
	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\nHost: icap.example.com\r\nPreview: 10\r\nEncapsulated: null-body=0\r\n\r\n"
	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 400 Bad Request\r\n") {
		t.Fatalf("response = %q, want 400 Bad Request", resp)
	}
}

// TestConnectionNonZeroPreviewChunkRejected exercises the distinction
// between a non-zero Preview header (rejected above, before any body is
// read) and a non-zero chunk size in the preview-zero terminator itself:
// a client that declares Preview: 0 but then sends real chunk data is
// violating the wire contract just as much, and must get 400 too.
func TestConnectionNonZeroPreviewChunkRejected(t *testing.T) {
	svc := service.NewFunc("echo", "Echo-1.0", nil, nil, nil)
	reqHdr := "POST /submit HTTP/1.1\r\nHost: origin.example.com\r\n\r\n"
	icapHeaders := "Host: icap.example.com\r\n" +
		"Allow: 206\r\n" +
		"Preview: 0\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(reqHdr)) + "\r\n"
	req := "REQMOD icap://icap.example.com/tag ICAP/1.0\r\n" + icapHeaders + "\r\n" + reqHdr + "5\r\nhello\r\n"

	resp := serveOne(t, svc, req)
	if !strings.HasPrefix(resp, "ICAP/1.0 400 Bad Request\r\n") {
		t.Fatalf("response = %q, want 400 Bad Request", resp)
	}
}
