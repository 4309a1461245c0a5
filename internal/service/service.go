// Package service defines the adaptation contract a caller implements to
// plug application logic into the ICAP pipeline: given a decoded
// encapsulated HTTP message, decide whether and how to modify it.
package service

import "icapd/internal/common"

// Decision is what a Service asks the connection to do with one ICAP
// request after inspecting it.
type Decision int

const (
	// NoAdaptationNeeded tells the connection to return "204 No Content"
	// when the client allowed it, or an unmodified echo otherwise.
	NoAdaptationNeeded Decision = iota
	// AppendHeaders tells the connection to return the encapsulated
	// message unchanged except for the extra headers attached to the
	// Decision.
	AppendHeaders
	// CustomResponse tells the connection to return the exact
	// status/headers/body the Service supplies, bypassing the original
	// message entirely.
	CustomResponse
)

// Result is what HandleReqmod/HandleRespmod returns: a Decision plus the
// payload relevant to it (AppendHeaders' extra header lines, or
// CustomResponse's full response).
type Result struct {
	Decision Decision

	// ExtraHeaders holds "Name: Value" lines to append, used only when
	// Decision is AppendHeaders.
	ExtraHeaders [][2]string

	// Custom holds the replacement response, used only when Decision is
	// CustomResponse.
	Custom *CustomResponse
}

// CustomResponse is a fully formed HTTP response a Service substitutes
// for the original encapsulated message.
type CustomResponse struct {
	StatusCode int
	Reason     string
	Headers    [][2]string
	Body       []byte
}

// Error is returned by a Service method to abort the request with a
// specific ICAP error code rather than a Decision.
type Error struct {
	Code   ErrorCode
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Service is implemented by the caller's adaptation logic. A Service
// must be safe for concurrent use: the acceptor invokes its methods from
// every connection's goroutine.
type Service interface {
	// Name identifies the service in OPTIONS responses.
	Name() string

	// ISTag returns the current ICAP service tag. It may change over the
	// service's lifetime (e.g. when reloading a blocklist), in which
	// case the connection reports the new value on every response.
	ISTag() string

	// HandleOptions returns the extra header lines (beyond the ones the
	// connection always sends) an OPTIONS response should carry, such as
	// "Transfer-Preview" or "Transfer-Ignore".
	HandleOptions() [][2]string

	// HandleReqmod is invoked once per REQMOD request with the decoded
	// encapsulated HTTP request and (if present) its body. buf is the
	// connection's read buffer that req's header spans are relative to,
	// for a Service that needs to inspect headers beyond the ones it was
	// handed directly.
	HandleReqmod(req *common.HttpRequest, body []byte, buf []byte) (Result, error)

	// HandleRespmod is invoked once per RESPMOD request with the decoded
	// encapsulated HTTP request/response pair, the response body, and
	// the connection's read buffer (see HandleReqmod).
	HandleRespmod(req *common.HttpRequest, res *common.HttpResponse, body []byte, buf []byte) (Result, error)
}
