// Package emu provides the register state and the guarded memory writes of
// one emulated CPU driven by a JIT engine.
package emu

import (
	"fmt"
	"io"
	"strings"

	"github.com/sarchlab/jitcore/arch"
)

// RegFile gives name-indexed access to the registers held in a State.
// It is the accessor used outside compiled code: by the dispatch loop,
// debuggers and snapshot tooling.
type RegFile struct {
	state  *State
	layout *arch.Layout
}

// NewRegFile creates a RegFile over the given state.
func NewRegFile(state *State) *RegFile {
	return &RegFile{
		state:  state,
		layout: state.Layout(),
	}
}

// Layout returns the register layout.
func (r *RegFile) Layout() *arch.Layout {
	return r.layout
}

func (r *RegFile) lookup(name string) (arch.Descriptor, error) {
	d, ok := r.layout.Lookup(name)
	if !ok {
		return d, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
	}
	return d, nil
}

// ReadReg reads a register, zero-extended to 64 bits.
func (r *RegFile) ReadReg(name string) (uint64, error) {
	d, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return r.state.Load(d), nil
}

// WriteReg writes a register. The value is truncated to the register
// width; no other range check is done.
func (r *RegFile) WriteReg(name string, value uint64) error {
	d, err := r.lookup(name)
	if err != nil {
		return err
	}
	r.state.Store(d, value)
	return nil
}

// ReadAll returns every register in table order.
func (r *RegFile) ReadAll() Snapshot {
	snap := make(Snapshot, r.layout.Len())
	for i := range snap {
		d := r.layout.At(i)
		snap[i] = RegValue{Name: d.Name, Value: r.state.Load(d)}
	}
	return snap
}

// WriteAll writes the given registers and leaves the others untouched.
// Every name is checked before anything is written, so an unknown name
// fails the whole call with no register modified.
func (r *RegFile) WriteAll(values map[string]uint64) error {
	for name := range values {
		if _, err := r.lookup(name); err != nil {
			return err
		}
	}

	for name, v := range values {
		d, _ := r.layout.Lookup(name)
		r.state.Store(d, v)
	}
	return nil
}

// Reset zeroes every register and scalar field.
func (r *RegFile) Reset() {
	r.state.Reset()
}

// ExceptionFlags returns the pending-exception bitmask.
func (r *RegFile) ExceptionFlags() uint64 {
	return r.state.Load(r.layout.ExceptionFlags())
}

// SetExceptionFlags replaces the pending-exception bitmask.
func (r *RegFile) SetExceptionFlags(flags uint64) {
	r.state.Store(r.layout.ExceptionFlags(), flags)
}

// SPRAccess returns the bitmask of special-purpose registers touched since
// it was last cleared. Only instruction semantics modify it.
func (r *RegFile) SPRAccess() uint64 {
	return r.state.Load(r.layout.SPRAccess())
}

// Dump writes the registers four per line.
func (r *RegFile) Dump(w io.Writer) error {
	var sb strings.Builder

	n := r.layout.Len()
	for i := 0; i < n; i++ {
		d := r.layout.At(i)
		digits := int(d.Width.Bytes()) * 2
		if digits < 8 {
			digits = 8
		}

		sep := byte(' ')
		if (i+1)%4 == 0 || i == n-1 {
			sep = '\n'
		}
		fmt.Fprintf(&sb, "%6s %.*X%c", d.Name, digits, r.state.Load(d), sep)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
