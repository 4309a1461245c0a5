package decoder

import (
	"math"
	"strconv"
)

// EntityKind names one of the six recognized Encapsulated entities.
type EntityKind int

const (
	ReqHdr EntityKind = iota
	ReqBody
	ResHdr
	ResBody
	NullBody
	OptBody
)

// Entity is one "<name>=<offset>" pair out of an Encapsulated header.
type Entity struct {
	Kind   EntityKind
	Offset int
}

// IsBody reports whether the entity denotes a body section.
func (e Entity) IsBody() bool {
	switch e.Kind {
	case ReqBody, ResBody, NullBody, OptBody:
		return true
	default:
		return false
	}
}

// IsHdr reports whether the entity denotes a header section.
func (e Entity) IsHdr() bool {
	return e.Kind == ReqHdr || e.Kind == ResHdr
}

// IsNullBody reports whether the entity is null-body.
func (e Entity) IsNullBody() bool { return e.Kind == NullBody }

// EEList is the ordered, parsed Encapsulated entity list.
type EEList struct {
	items []Entity
}

// Clear empties the list, keeping the backing array for reuse.
func (l *EEList) Clear() { l.items = l.items[:0] }

// Len returns the number of entities.
func (l *EEList) Len() int { return len(l.items) }

// IsEmpty reports whether the list has no entities.
func (l *EEList) IsEmpty() bool { return len(l.items) == 0 }

// At returns the entity at index i.
func (l *EEList) At(i int) Entity { return l.items[i] }

// Last returns the last entity and true, or a zero Entity and false if
// the list is empty.
func (l *EEList) Last() (Entity, bool) {
	if len(l.items) == 0 {
		return Entity{}, false
	}
	return l.items[len(l.items)-1], true
}

// BodyOffset returns the offset of the list's last entity, which the
// grammar guarantees is always a body kind once ParseAppend has
// succeeded. It returns (math.MaxInt, false) for an empty list, matching
// the "no body entity" convention documented in the module's open
// questions: missing body ⇒ MaxInt offset and zero missing-bytes.
func (l *EEList) BodyOffset() (int, bool) {
	last, ok := l.Last()
	if !ok {
		return math.MaxInt, false
	}
	return last.Offset, true
}

func isNameByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || b == '-'
}

func isOffsetByte(b byte) bool {
	return b >= '0' && b <= '9'
}

func isSpaceOrTab(b byte) bool {
	return b == ' ' || b == '\t'
}

func skipWhitespace(buf []byte, i *int) {
	for *i < len(buf) && isSpaceOrTab(buf[*i]) {
		*i++
	}
}

func skipChar(buf []byte, i *int, c byte) {
	if *i < len(buf) && buf[*i] == c {
		*i++
	}
}

func skipWhile(buf []byte, i *int, pred func(byte) bool) {
	for *i < len(buf) && pred(buf[*i]) {
		*i++
	}
}

func entityKindFromName(name []byte) (EntityKind, bool) {
	switch string(name) {
	case "req-hdr":
		return ReqHdr, true
	case "req-body":
		return ReqBody, true
	case "res-hdr":
		return ResHdr, true
	case "res-body":
		return ResBody, true
	case "null-body":
		return NullBody, true
	case "opt-body":
		return OptBody, true
	default:
		return 0, false
	}
}

// parseEntity parses one "[,] name [ws] = [ws] offset" unit starting at
// buf[0], returning the number of bytes consumed. delimiter indicates
// whether a leading comma is required (every unit but the first).
func parseEntity(buf []byte, delimiter bool) (int, *Entity, error) {
	i := 0

	skipWhitespace(buf, &i)
	if i == len(buf) {
		return i, nil, nil
	}

	if delimiter {
		start := i
		skipChar(buf, &i, ',')
		if i == start {
			return 0, nil, newErr(BadEncapsulatedHdr, "no delimiter")
		}
	}

	skipWhitespace(buf, &i)

	nameStart := i
	skipWhile(buf, &i, isNameByte)
	if i == nameStart {
		return 0, nil, newErr(BadEncapsulatedHdr, "empty name")
	}
	name := buf[nameStart:i]

	skipWhitespace(buf, &i)

	eqStart := i
	skipChar(buf, &i, '=')
	if i == eqStart {
		return 0, nil, newErr(BadEncapsulatedHdr, "no equals")
	}

	skipWhitespace(buf, &i)

	offStart := i
	skipWhile(buf, &i, isOffsetByte)
	if i == offStart {
		return 0, nil, newErr(BadEncapsulatedHdr, "no offset")
	}
	offsetBytes := buf[offStart:i]

	kind, ok := entityKindFromName(name)
	if !ok {
		return 0, nil, newErr(BadEncapsulatedHdr, "bad name")
	}

	off, err := strconv.Atoi(string(offsetBytes))
	if err != nil {
		return 0, nil, newErr(BadEncapsulatedHdr, "bad offset")
	}

	return i, &Entity{Kind: kind, Offset: off}, nil
}

// ParseAppend parses the value bytes of an Encapsulated header and
// appends the resulting entities to l. On success l is non-empty, its
// last entity is a body kind, and offsets are non-decreasing; on
// failure l is left untouched by the caller's contract (callers clear
// before calling, as server.ReqCtx does).
func (l *EEList) ParseAppend(buf []byte) error {
	i := 0
	delimiter := false
	for i < len(buf) {
		consumed, entity, err := parseEntity(buf[i:], delimiter)
		if err != nil {
			return err
		}
		if entity != nil {
			l.items = append(l.items, *entity)
		}
		i += consumed
		delimiter = true
	}

	if len(l.items) == 0 {
		return newErr(BadEncapsulatedHdr, "no entities")
	}

	for i := 0; i < len(l.items)-1; i++ {
		if l.items[i+1].Offset < l.items[i].Offset {
			return newErr(BadEncapsulatedHdr, "non increasing offset sequence")
		}
	}

	return nil
}
