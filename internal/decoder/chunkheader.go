package decoder

// chunkState names one state of the chunk-header line grammar:
//
//	chunk-header = 1*HEXDIG *( ";" chunk-ext ) CRLF
//	chunk-ext    = token [ "=" ( token / quoted-string ) ]
//
// The only extension this decoder gives meaning to is "ieof", which ICAP
// uses on the last chunk of a message whose length was not known in
// advance (see RFC 3507 §4.4.1); any other extension name or value is
// accepted and ignored. The open question of which of the five points in
// the grammar "ieof" is allowed to appear at is resolved permissively:
// it is recognized as soon as an extension token completes, whether or
// not it carries a value and regardless of how many extensions preceded
// it.
//
// Space or tab is skippable leading whitespace in every "Waiting*"
// state: before the size, before an extension name, around the "="
// that separates an extension name from its value, and after the size
// or a value token before the ";" or CRLF that ends it.
type chunkState int

const (
	stWaitingSize chunkState = iota
	stSize
	stWaitingExtStart
	stWaitingDelimiter
	stWaitingExtName
	stExtName
	stWaitingExtDelimiter
	stWaitingExtValue
	stExtValueToken
	stExtValueQuotedString
)

// ChunkHeader is the decoded first line of one HTTP chunk: its declared
// size and whether an "ieof" extension was present.
type ChunkHeader struct {
	Size int
	IEOF bool
}

// ChunkHeaderDecoder incrementally parses one chunk-header line, byte by
// byte, across any number of partial reads. Feed is called with newly
// available bytes each time more data arrives on the connection; it
// returns the number of bytes consumed from buf and, once the header's
// terminating CRLF is seen, a non-nil *ChunkHeader. A nil header with a
// nil error means the line is not yet complete: the caller must supply
// more bytes and call Feed again (the decoder remembers its state).
type ChunkHeaderDecoder struct {
	state   chunkState
	size    int
	sizeLen int
	extName []byte
	ieof    bool
}

// Reset returns the decoder to its initial state, ready to parse a new
// chunk-header line.
func (d *ChunkHeaderDecoder) Reset() {
	d.state = stWaitingSize
	d.size = 0
	d.sizeLen = 0
	d.extName = d.extName[:0]
	d.ieof = false
}

func hexVal(b byte) (int, bool) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), true
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10, true
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10, true
	default:
		return 0, false
	}
}

func isTokenByte(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', ';', '=', '"':
		return false
	default:
		return b > 0x1f && b != 0x7f
	}
}

// Feed consumes as much of buf as the grammar allows and reports how
// many bytes it used.
func (d *ChunkHeaderDecoder) Feed(buf []byte) (consumed int, hdr *ChunkHeader, err error) {
	i := 0
	for i < len(buf) {
		b := buf[i]
		switch d.state {

		case stWaitingSize:
			if isSpaceOrTab(b) {
				i++
				continue
			}
			v, ok := hexVal(b)
			if !ok {
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}
			d.size = v
			d.sizeLen = 1
			d.state = stSize
			i++

		case stSize:
			if v, ok := hexVal(b); ok {
				d.size = d.size*16 + v
				d.sizeLen++
				if d.sizeLen > 16 {
					return i, nil, newErr(BadChunkSize, "failed to parse chunk size")
				}
				i++
				continue
			}
			switch {
			case isSpaceOrTab(b):
				d.state = stWaitingExtStart
				i++
			case b == ';':
				d.state = stWaitingExtName
				i++
			case b == '\r':
				d.state = stWaitingDelimiter
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		// stWaitingExtStart is reached after whitespace has followed the
		// size with no extension yet open: only another ";" or the
		// terminating CRLF is legal from here, no "=".
		case stWaitingExtStart:
			switch {
			case isSpaceOrTab(b):
				i++
			case b == ';':
				d.state = stWaitingExtName
				i++
			case b == '\r':
				d.state = stWaitingDelimiter
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		case stWaitingDelimiter:
			if b != '\n' {
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}
			i++
			return i, &ChunkHeader{Size: d.size, IEOF: d.ieof}, nil

		case stWaitingExtName:
			if isSpaceOrTab(b) {
				i++
				continue
			}
			if !isTokenByte(b) {
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}
			d.extName = append(d.extName[:0], b)
			d.state = stExtName
			i++

		case stExtName:
			switch {
			case isTokenByte(b):
				d.extName = append(d.extName, b)
				i++
			case isSpaceOrTab(b):
				d.checkIEOF()
				d.state = stWaitingExtDelimiter
				i++
			case b == '=':
				d.checkIEOF()
				d.state = stWaitingExtValue
				i++
			case b == ';':
				d.checkIEOF()
				d.state = stWaitingExtName
				i++
			case b == '\r':
				d.checkIEOF()
				d.state = stWaitingDelimiter
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		// stWaitingExtDelimiter is reached after whitespace has followed
		// an extension name with no "=" yet seen: unlike
		// stWaitingExtStart, "=" is still legal here (it belongs to the
		// name that just ended, e.g. "key = val").
		case stWaitingExtDelimiter:
			switch {
			case isSpaceOrTab(b):
				i++
			case b == ';':
				d.state = stWaitingExtName
				i++
			case b == '=':
				d.state = stWaitingExtValue
				i++
			case b == '\r':
				d.state = stWaitingDelimiter
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		case stWaitingExtValue:
			switch {
			case isSpaceOrTab(b):
				i++
			case b == '"':
				d.state = stExtValueQuotedString
				i++
			case isTokenByte(b):
				d.state = stExtValueToken
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		case stExtValueToken:
			switch {
			case isTokenByte(b):
				i++
			case isSpaceOrTab(b):
				d.state = stWaitingExtStart
				i++
			case b == ';':
				d.state = stWaitingExtName
				i++
			case b == '\r':
				d.state = stWaitingDelimiter
				i++
			default:
				return i, nil, newErr(BadChunkHeader, "bad chunk header")
			}

		case stExtValueQuotedString:
			switch b {
			case '"':
				d.state = stWaitingExtStart
				i++
			case '\\':
				i++
				if i >= len(buf) {
					return i, nil, nil
				}
				i++
			default:
				i++
			}

		default:
			return i, nil, newErr(BadChunkHeader, "bad chunk header")
		}
	}
	return i, nil, nil
}

// checkIEOF marks the chunk as the final one if the extension name just
// completed is "ieof".
func (d *ChunkHeaderDecoder) checkIEOF() {
	if string(d.extName) == "ieof" {
		d.ieof = true
	}
}
