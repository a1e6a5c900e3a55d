package model

import "fmt"

// Epoch packs an epoch number, the block's index within the epoch and the
// epoch length into a single uint64: length (16 bits) | index (16 bits) |
// number (32 bits).
type Epoch uint64

func NewEpoch(number uint64, index, length uint16) Epoch {
	return Epoch(uint64(length)<<48 | uint64(index)<<32 | (number & 0xffffffff))
}

func (e Epoch) Number() uint64 {
	return uint64(e) & 0xffffffff
}

func (e Epoch) Index() uint16 {
	return uint16(uint64(e) >> 32)
}

func (e Epoch) Length() uint16 {
	return uint16(uint64(e) >> 48)
}

// IsLast reports whether the block is the final block of its epoch.
func (e Epoch) IsLast() bool {
	return e.Length() > 0 && e.Index() == e.Length()-1
}

// Next returns the epoch value of the block following this one, keeping the
// same length unless the epoch boundary is crossed.
func (e Epoch) Next(nextLength uint16) Epoch {
	if e.IsLast() {
		return NewEpoch(e.Number()+1, 0, nextLength)
	}

	return NewEpoch(e.Number(), e.Index()+1, e.Length())
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch %d (%d/%d)", e.Number(), e.Index(), e.Length())
}
