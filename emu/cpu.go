package emu

import (
	"fmt"

	"github.com/sarchlab/jitcore/arch"
	"github.com/sarchlab/jitcore/vm"
)

// CPU is one emulated CPU: its register state, the register accessors and
// the guarded memory writer. A CPU is driven by a single goroutine.
type CPU struct {
	state       *State
	regFile     *RegFile
	memory      Memory
	invalidator CodeInvalidator
	writer      *MemWriter
}

// CPUOption is a functional option for configuring the CPU.
type CPUOption func(*CPU)

// WithMemory sets the guest address space. Without it the CPU gets an
// empty little-endian vm.Manager.
func WithMemory(memory Memory) CPUOption {
	return func(c *CPU) {
		c.memory = memory
	}
}

// WithInvalidator attaches the JIT engine notified of code modifications.
func WithInvalidator(invalidator CodeInvalidator) CPUOption {
	return func(c *CPU) {
		c.invalidator = invalidator
	}
}

// NewCPU creates a CPU with zeroed registers for the given layout.
func NewCPU(layout *arch.Layout, opts ...CPUOption) *CPU {
	state := NewState(layout)

	c := &CPU{
		state:   state,
		regFile: NewRegFile(state),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.memory == nil {
		c.memory = vm.NewManager()
	}
	c.writer = NewMemWriter(c.memory, c.invalidator)

	return c
}

// State returns the CPU's register state buffer.
func (c *CPU) State() *State {
	return c.state
}

// RegFile returns the CPU's register accessors.
func (c *CPU) RegFile() *RegFile {
	return c.regFile
}

// Memory returns the CPU's guest address space.
func (c *CPU) Memory() Memory {
	return c.memory
}

// MemWriter returns the guarded memory writer.
func (c *CPU) MemWriter() *MemWriter {
	return c.writer
}

// ReadMemory returns n bytes of guest memory starting at addr.
func (c *CPU) ReadMemory(addr uint64, n int) ([]byte, error) {
	data, err := c.memory.Read(addr, n)
	if err != nil {
		return nil, fmt.Errorf("%w: read of %d bytes at 0x%x: %w",
			ErrMemoryFault, n, addr, err)
	}
	return data, nil
}

// Reset zeroes the register state. Guest memory is left alone.
func (c *CPU) Reset() {
	c.regFile.Reset()
}
