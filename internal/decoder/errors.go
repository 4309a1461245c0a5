package decoder

import "fmt"

// ErrorKind enumerates the ways a decode operation can fail. It mirrors
// the taxonomy in the system's error-handling design: every decoder
// failure is one of a small, closed set of reasons, never a bare string.
type ErrorKind int

const (
	BadFormat ErrorKind = iota
	BadMethod
	BadURI
	BadVersion
	BadEncapsulatedHdr
	NoEncapsulatedHdr
	FailedToReparseIcapReq
	FailedToParseHTTPReq
	FailedToParseHTTPRes
	FailedToParsePreview
	NoAllow206
	NoPreview0
	BadChunkHeader
	BadChunkSize
)

var kindNames = [...]string{
	"bad format",
	"bad method",
	"bad uri",
	"bad version",
	"bad encapsulated header",
	"'Encapsulated' header not found",
	"failed to re-parse icap request",
	"failed to parse http request",
	"failed to parse http response",
	"failed to parse 'Preview' header",
	"206 response not allowed",
	"no 'Preview: 0' found",
	"bad chunk header",
	"failed to parse chunk size",
}

func (k ErrorKind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "unknown decoder error"
	}
	return kindNames[k]
}

// Error is the concrete error type every decoding function in this
// package returns. Reason carries extra context (e.g. which token failed
// to parse); it is empty for kinds that are self-explanatory.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// newErr builds an *Error, the only constructor used across this package
// so every call site stays a one-liner.
func newErr(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// New builds an *Error for callers outside this package, such as
// internal/server reporting a missing Encapsulated header.
func New(kind ErrorKind, reason string) *Error {
	return newErr(kind, reason)
}
