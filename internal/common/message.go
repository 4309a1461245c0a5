package common

import "icapd/internal/header"

// IcapRequest is the decoded ICAP request line plus headers of one ICAP
// message. URI and Service are spans into the connection's read buffer,
// valid only until the buffer is reset for the next message.
type IcapRequest struct {
	Method    Method
	URI       []byte
	Version   Version
	Headers   header.IndexList
	ParsedLen int
}

// Clear resets r to its zero value, keeping Headers' backing array.
func (r *IcapRequest) Clear() {
	r.Method = 0
	r.URI = nil
	r.Version = 0
	r.Headers.Clear()
	r.ParsedLen = 0
}

// HttpRequest is the decoded request line plus headers of an
// encapsulated HTTP request (req-hdr).
type HttpRequest struct {
	Method    []byte
	URI       []byte
	Version   HTTPVersion
	Headers   header.IndexList
	ParsedLen int
}

// Clear resets r to its zero value, keeping Headers' backing array.
func (r *HttpRequest) Clear() {
	r.Method = nil
	r.URI = nil
	r.Version = 0
	r.Headers.Clear()
	r.ParsedLen = 0
}

// HttpResponse is the decoded status line plus headers of an
// encapsulated HTTP response (res-hdr).
type HttpResponse struct {
	Version      HTTPVersion
	StatusCode   int
	ReasonPhrase []byte
	Headers      header.IndexList
	ParsedLen    int
}

// Clear resets r to its zero value, keeping Headers' backing array.
func (r *HttpResponse) Clear() {
	r.Version = 0
	r.StatusCode = 0
	r.ReasonPhrase = nil
	r.Headers.Clear()
	r.ParsedLen = 0
}
