package common

import (
	"fmt"
	"sync/atomic"
)

// ID identifies a connection for the lifetime of the process.
type ID uint64

func (id ID) String() string { return fmt.Sprintf("0x%X", uint64(id)) }

// IDGenerator mints monotonically increasing connection ids.
//
// Safe for concurrent use: Next is a single atomic fetch-and-add.
type IDGenerator struct {
	counter uint64
}

// NewIDGenerator returns a generator whose first Next() call yields seed.
func NewIDGenerator(seed uint64) *IDGenerator {
	return &IDGenerator{counter: seed - 1}
}

// Next returns the next id in sequence.
func (g *IDGenerator) Next() ID {
	return ID(atomic.AddUint64(&g.counter, 1))
}
