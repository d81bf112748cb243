// Package emu provides the register state and the guarded memory writes of
// one emulated CPU driven by a JIT engine.
package emu

import (
	"encoding/binary"

	"github.com/sarchlab/jitcore/arch"
)

// State is the flat register file of one CPU. Every field described by the
// layout lives at its fixed offset, little-endian, so compiled code can
// address it directly.
type State struct {
	layout *arch.Layout
	buf    []byte
}

// NewState allocates a zero-filled state buffer for the layout.
func NewState(layout *arch.Layout) *State {
	return &State{
		layout: layout,
		buf:    make([]byte, layout.Size()),
	}
}

// Layout returns the layout describing the buffer.
func (s *State) Layout() *arch.Layout {
	return s.layout
}

// Bytes returns the underlying buffer. Writes through it are visible to
// every accessor.
func (s *State) Bytes() []byte {
	return s.buf
}

// Reset zero-fills the buffer in place.
func (s *State) Reset() {
	clear(s.buf)
}

// Load reads the field described by d, zero-extended to 64 bits.
func (s *State) Load(d arch.Descriptor) uint64 {
	b := s.buf[d.Offset:]
	switch d.Width {
	case arch.Width8:
		return uint64(b[0])
	case arch.Width16:
		return uint64(binary.LittleEndian.Uint16(b))
	case arch.Width32:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// Store writes v truncated to the width of the field described by d.
func (s *State) Store(d arch.Descriptor, v uint64) {
	b := s.buf[d.Offset:]
	switch d.Width {
	case arch.Width8:
		b[0] = uint8(v)
	case arch.Width16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case arch.Width32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}
