package decoder

import (
	"bytes"
	"strconv"

	"icapd/internal/common"
	"icapd/internal/header"
)

// MaxHeaders bounds how many headers a single message may carry. A
// message that exceeds it is rejected as malformed rather than let an
// unbounded header block grow the connection's buffer without limit.
const MaxHeaders = 128

func findCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func splitSP(line []byte) [][]byte {
	var parts [][]byte
	start := -1
	for i, b := range line {
		if b == ' ' {
			if start >= 0 {
				parts = append(parts, line[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		parts = append(parts, line[start:])
	}
	return parts
}

// ParseIcapRequestLine parses "<method> SP <uri> SP ICAP/<version> CRLF"
// from the start of buf. consumed is 0 and err is nil when the line is
// not yet fully buffered.
func ParseIcapRequestLine(buf []byte) (consumed int, method common.Method, uri []byte, version common.Version, err error) {
	end := findCRLF(buf)
	if end < 0 {
		return 0, 0, nil, 0, nil
	}
	line := buf[:end]
	parts := splitSP(line)
	if len(parts) != 3 {
		return 0, 0, nil, 0, newErr(BadFormat, "malformed icap request line")
	}
	m, merr := common.ParseMethod(string(parts[0]))
	if merr != nil {
		return 0, 0, nil, 0, newErr(BadMethod, string(parts[0]))
	}
	v, verr := common.ParseVersion(string(parts[2]))
	if verr != nil {
		return 0, 0, nil, 0, newErr(BadVersion, string(parts[2]))
	}
	if len(parts[1]) == 0 {
		return 0, 0, nil, 0, newErr(BadURI, "empty uri")
	}
	return end + 2, m, parts[1], v, nil
}

// ParseHttpRequestLine parses "<method> SP <uri> SP HTTP/<version> CRLF".
func ParseHttpRequestLine(buf []byte) (consumed int, method []byte, uri []byte, version common.HTTPVersion, err error) {
	end := findCRLF(buf)
	if end < 0 {
		return 0, nil, nil, 0, nil
	}
	line := buf[:end]
	parts := splitSP(line)
	if len(parts) != 3 {
		return 0, nil, nil, 0, newErr(FailedToParseHTTPReq, "malformed http request line")
	}
	v, verr := common.ParseHTTPVersion(string(parts[2]))
	if verr != nil {
		return 0, nil, nil, 0, newErr(FailedToParseHTTPReq, "bad http version")
	}
	return end + 2, parts[0], parts[1], v, nil
}

// ParseHttpStatusLine parses "HTTP/<version> SP <status> SP <reason> CRLF".
func ParseHttpStatusLine(buf []byte) (consumed int, version common.HTTPVersion, status int, reason []byte, err error) {
	end := findCRLF(buf)
	if end < 0 {
		return 0, 0, 0, nil, nil
	}
	line := buf[:end]
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return 0, 0, 0, nil, newErr(FailedToParseHTTPRes, "malformed http status line")
	}
	v, verr := common.ParseHTTPVersion(string(parts[0]))
	if verr != nil {
		return 0, 0, 0, nil, newErr(FailedToParseHTTPRes, "bad http version")
	}
	code, cerr := strconv.Atoi(string(parts[1]))
	if cerr != nil {
		return 0, 0, 0, nil, newErr(FailedToParseHTTPRes, "bad status code")
	}
	return end + 2, v, code, parts[2], nil
}

// ParseHeaders parses zero or more "name: value" lines followed by a
// blank CRLF terminator, appending the name/value spans of each header
// (relative to buf) to list. done is false when the blank-line
// terminator has not yet been seen in buf.
func ParseHeaders(buf []byte, list *header.IndexList) (consumed int, done bool, err error) {
	i := 0
	for {
		if i+1 < len(buf) && buf[i] == '\r' && buf[i+1] == '\n' {
			return i + 2, true, nil
		}
		end := findCRLF(buf[i:])
		if end < 0 {
			return 0, false, nil
		}
		line := buf[i : i+end]
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return 0, false, newErr(BadFormat, "header missing colon")
		}
		nameStart, nameEnd := i, i+colon
		valStart := i + colon + 1
		for valStart < i+end && (buf[valStart] == ' ' || buf[valStart] == '\t') {
			valStart++
		}
		valEnd := i + end
		for valEnd > valStart && (buf[valEnd-1] == ' ' || buf[valEnd-1] == '\t') {
			valEnd--
		}
		if len(list.Items) >= MaxHeaders {
			return 0, false, newErr(BadFormat, "too many headers")
		}
		list.Items = append(list.Items, header.Indices{
			Name:  header.Span{Start: nameStart, End: nameEnd},
			Value: header.Span{Start: valStart, End: valEnd},
		})
		i += end + 2
	}
}

// DecodeAllow204 reports whether headers contains an "Allow" header
// listing 204 among its comma-separated tokens.
func DecodeAllow204(buf []byte, list *header.IndexList) bool {
	it := header.NewIterator(buf, list)
	for {
		h, ok := it.Next()
		if !ok {
			return false
		}
		if !h.NameIs("Allow") {
			continue
		}
		for _, tok := range bytes.Split(h.Value, []byte(",")) {
			if string(bytes.TrimSpace(tok)) == "204" {
				return true
			}
		}
	}
}

// DecodeAllow206 reports whether headers contains an "Allow" header
// listing 206 among its comma-separated tokens.
func DecodeAllow206(buf []byte, list *header.IndexList) bool {
	it := header.NewIterator(buf, list)
	for {
		h, ok := it.Next()
		if !ok {
			return false
		}
		if !h.NameIs("Allow") {
			continue
		}
		for _, tok := range bytes.Split(h.Value, []byte(",")) {
			if string(bytes.TrimSpace(tok)) == "206" {
				return true
			}
		}
	}
}

// DecodePreview returns the declared Preview size and true if a
// "Preview" header is present. Only Preview: 0 is supported; any other
// value is reported as an error, matching this server's refusal to
// buffer a partial preview body.
func DecodePreview(buf []byte, list *header.IndexList) (size int, found bool, err error) {
	it := header.NewIterator(buf, list)
	for {
		h, ok := it.Next()
		if !ok {
			return 0, false, nil
		}
		if !h.NameIs("Preview") {
			continue
		}
		n, perr := strconv.Atoi(string(bytes.TrimSpace(h.Value)))
		if perr != nil {
			return 0, true, newErr(FailedToParsePreview, string(h.Value))
		}
		if n != 0 {
			return n, true, newErr(NoPreview0, strconv.Itoa(n))
		}
		return 0, true, nil
	}
}

// DecodeIcapRequest parses an ICAP request line and headers into req.
func DecodeIcapRequest(buf []byte, req *common.IcapRequest) (done bool, err error) {
	lineLen, method, uri, version, lerr := ParseIcapRequestLine(buf)
	if lerr != nil {
		return false, lerr
	}
	if lineLen == 0 {
		return false, nil
	}
	hdrLen, hdone, herr := ParseHeaders(buf[lineLen:], &req.Headers)
	if herr != nil {
		return false, herr
	}
	if !hdone {
		return false, nil
	}
	req.Method = method
	req.URI = uri
	req.Version = version
	req.Headers.BasePtr = header.BasePointer(buf)
	req.ParsedLen = lineLen + hdrLen
	return true, nil
}

// DecodeHttpRequest parses an encapsulated HTTP request line and headers
// into req.
func DecodeHttpRequest(buf []byte, req *common.HttpRequest) (done bool, err error) {
	lineLen, method, uri, version, lerr := ParseHttpRequestLine(buf)
	if lerr != nil {
		return false, lerr
	}
	if lineLen == 0 {
		return false, nil
	}
	hdrLen, hdone, herr := ParseHeaders(buf[lineLen:], &req.Headers)
	if herr != nil {
		return false, herr
	}
	if !hdone {
		return false, nil
	}
	req.Method = method
	req.URI = uri
	req.Version = version
	req.Headers.BasePtr = header.BasePointer(buf)
	req.ParsedLen = lineLen + hdrLen
	return true, nil
}

// DecodeHttpResponse parses an encapsulated HTTP status line and headers
// into res.
func DecodeHttpResponse(buf []byte, res *common.HttpResponse) (done bool, err error) {
	lineLen, version, status, reason, lerr := ParseHttpStatusLine(buf)
	if lerr != nil {
		return false, lerr
	}
	if lineLen == 0 {
		return false, nil
	}
	hdrLen, hdone, herr := ParseHeaders(buf[lineLen:], &res.Headers)
	if herr != nil {
		return false, herr
	}
	if !hdone {
		return false, nil
	}
	res.Version = version
	res.StatusCode = status
	res.ReasonPhrase = reason
	res.Headers.BasePtr = header.BasePointer(buf)
	res.ParsedLen = lineLen + hdrLen
	return true, nil
}
