// Package arch describes the register file layouts of the architectures
// hosted by the JIT core.
//
// A layout is data: an ordered list of register descriptors, each giving a
// name, a bit width and a byte offset into the flat CPU state buffer.
// Register access elsewhere in the module is generic over this table.
package arch

import (
	"fmt"
	"math"
	"sort"
)

// Width is the width of a register field in bits.
type Width uint8

// Supported register widths.
const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// Valid reports whether w is one of the supported widths.
func (w Width) Valid() bool {
	switch w {
	case Width8, Width16, Width32, Width64:
		return true
	}
	return false
}

// Bytes returns the number of bytes a field of this width occupies.
func (w Width) Bytes() uint32 {
	return uint32(w) / 8
}

// Mask returns the value mask for this width.
func (w Width) Mask() uint64 {
	if w >= Width64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// Descriptor describes one field of the CPU state buffer.
type Descriptor struct {
	Name   string `json:"name"`
	Width  Width  `json:"width"`
	Offset uint32 `json:"offset"`
}

// End returns the offset one past the last byte of the field.
func (d Descriptor) End() uint64 {
	return uint64(d.Offset) + uint64(d.Width.Bytes())
}

func (d Descriptor) overlaps(o Descriptor) bool {
	return uint64(d.Offset) < o.End() && uint64(o.Offset) < d.End()
}

// Layout is the register file layout of one architecture.
//
// Besides the named registers, a layout holds two scalar fields that are
// not reachable by name: the pending-exception bitmask and the
// special-purpose-register access bitmask.
type Layout struct {
	name           string
	regs           []Descriptor
	index          map[string]int
	exceptionFlags Descriptor
	sprAccess      Descriptor
	size           uint32
}

// NewLayout validates the given descriptors and builds a Layout.
// Register names must be unique, widths valid, and no two fields
// (registers or scalar fields) may overlap.
func NewLayout(
	name string,
	regs []Descriptor,
	exceptionFlags, sprAccess Descriptor,
) (*Layout, error) {
	l := &Layout{
		name:           name,
		regs:           make([]Descriptor, len(regs)),
		index:          make(map[string]int, len(regs)),
		exceptionFlags: exceptionFlags,
		sprAccess:      sprAccess,
	}
	copy(l.regs, regs)

	for i, d := range l.regs {
		if d.Name == "" {
			return nil, fmt.Errorf("layout %s: register %d has no name", name, i)
		}
		if _, dup := l.index[d.Name]; dup {
			return nil, fmt.Errorf("layout %s: duplicate register %q", name, d.Name)
		}
		l.index[d.Name] = i
	}

	all := make([]Descriptor, 0, len(l.regs)+2)
	all = append(all, l.regs...)
	all = append(all, exceptionFlags, sprAccess)

	for _, d := range all {
		if !d.Width.Valid() {
			return nil, fmt.Errorf("layout %s: field %q has invalid width %d",
				name, d.Name, d.Width)
		}
		end := d.End()
		if end > maxLayoutSize {
			return nil, fmt.Errorf("layout %s: field %q ends at 0x%x, past the largest state buffer",
				name, d.Name, end)
		}
		if uint32(end) > l.size {
			l.size = uint32(end)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Offset < all[j].Offset })
	for i := 1; i < len(all); i++ {
		if all[i-1].overlaps(all[i]) {
			return nil, fmt.Errorf("layout %s: fields %q and %q overlap",
				name, all[i-1].Name, all[i].Name)
		}
	}

	l.size = alignUp(l.size, 8)

	return l, nil
}

// Name returns the architecture name of the layout.
func (l *Layout) Name() string {
	return l.name
}

// Len returns the number of named registers.
func (l *Layout) Len() int {
	return len(l.regs)
}

// At returns the i-th register descriptor in table order.
func (l *Layout) At(i int) Descriptor {
	return l.regs[i]
}

// Lookup finds a register by name.
func (l *Layout) Lookup(name string) (Descriptor, bool) {
	i, ok := l.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return l.regs[i], true
}

// Descriptors returns a copy of the register descriptors in table order.
func (l *Layout) Descriptors() []Descriptor {
	out := make([]Descriptor, len(l.regs))
	copy(out, l.regs)
	return out
}

// Names returns the register names in table order.
func (l *Layout) Names() []string {
	out := make([]string, len(l.regs))
	for i, d := range l.regs {
		out[i] = d.Name
	}
	return out
}

// ExceptionFlags returns the descriptor of the pending-exception bitmask.
func (l *Layout) ExceptionFlags() Descriptor {
	return l.exceptionFlags
}

// SPRAccess returns the descriptor of the special-purpose-register access
// bitmask.
func (l *Layout) SPRAccess() Descriptor {
	return l.sprAccess
}

// Size returns the size in bytes of a state buffer holding every field.
func (l *Layout) Size() uint32 {
	return l.size
}

// Offsets returns the name to offset mapping of every named register.
// Code generators use it to emit direct loads and stores into the state
// buffer.
func (l *Layout) Offsets() map[string]uint32 {
	out := make(map[string]uint32, len(l.regs))
	for _, d := range l.regs {
		out[d.Name] = d.Offset
	}
	return out
}

// maxLayoutSize bounds the end of every field so that Size, rounded up to
// 8 bytes, still fits in a uint32.
const maxLayoutSize = math.MaxUint32 &^ 7

// RegSpec names a register and its width, leaving the offset to Pack.
type RegSpec struct {
	Name  string `json:"name"`
	Width Width  `json:"width"`
}

// Names of the scalar fields appended by Pack.
const (
	ExceptionFlagsField = "exception_flags"
	SPRAccessField      = "spr_access"
)

// Pack lays the registers out in order, each aligned to its own size the
// way a C compiler lays out a struct, then appends the 32-bit exception
// and SPR access fields.
func Pack(name string, specs []RegSpec) (*Layout, error) {
	regs := make([]Descriptor, 0, len(specs))
	var offset uint32

	for _, s := range specs {
		if !s.Width.Valid() {
			return nil, fmt.Errorf("layout %s: register %q has invalid width %d",
				name, s.Name, s.Width)
		}
		offset = alignUp(offset, s.Width.Bytes())
		regs = append(regs, Descriptor{Name: s.Name, Width: s.Width, Offset: offset})
		offset += s.Width.Bytes()
	}

	offset = alignUp(offset, Width32.Bytes())
	exc := Descriptor{Name: ExceptionFlagsField, Width: Width32, Offset: offset}
	spr := Descriptor{Name: SPRAccessField, Width: Width32, Offset: offset + Width32.Bytes()}

	return NewLayout(name, regs, exc, spr)
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
