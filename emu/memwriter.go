package emu

import (
	"fmt"

	"github.com/sarchlab/jitcore/vm"
)

// Memory is the guest address space as seen by the memory writer.
type Memory interface {
	Write8(addr uint64, v uint8) error
	Write16(addr uint64, v uint16) error
	Write32(addr uint64, v uint32) error
	Write64(addr uint64, v uint64) error
	Write(addr uint64, data []byte) error
	Read(addr uint64, n int) ([]byte, error)

	// ExceptionFlags returns the memory manager's pending-exception
	// bitmask. The manager raises vm.ExceptCodeAutomod on stores into
	// memory backing compiled code.
	ExceptionFlags() uint64
}

// CodeInvalidator is the JIT engine entry point told about stores that
// may have modified compiled code. sizeInBits is the width of the store
// in bits. The engine decides which compiled blocks overlap and drops
// them before returning.
type CodeInvalidator interface {
	OnPossibleCodeModification(addr, sizeInBits uint64) error
}

// MemWriter performs the stores of emulated code. Every store is issued to
// the memory manager, then the self-modifying-code bit is checked, and if
// it is set the JIT engine is notified before the store returns.
type MemWriter struct {
	memory      Memory
	invalidator CodeInvalidator
}

// NewMemWriter creates a MemWriter. A nil invalidator is allowed when no
// JIT engine is attached. A store that raises the code-modification bit
// then fails with ErrInvalidationFailed and the bit stays set.
func NewMemWriter(memory Memory, invalidator CodeInvalidator) *MemWriter {
	return &MemWriter{
		memory:      memory,
		invalidator: invalidator,
	}
}

// Write8 stores a byte: mem[addr] = v
func (w *MemWriter) Write8(addr uint64, v uint8) error {
	if err := w.memory.Write8(addr, v); err != nil {
		return memoryFault(addr, 8, err)
	}
	if w.memory.ExceptionFlags()&vm.ExceptCodeAutomod == 0 {
		return nil
	}
	return w.notify(addr, 8)
}

// Write16 stores a halfword: mem[addr] = v
func (w *MemWriter) Write16(addr uint64, v uint16) error {
	if err := w.memory.Write16(addr, v); err != nil {
		return memoryFault(addr, 16, err)
	}
	if w.memory.ExceptionFlags()&vm.ExceptCodeAutomod == 0 {
		return nil
	}
	return w.notify(addr, 16)
}

// Write32 stores a word: mem[addr] = v
func (w *MemWriter) Write32(addr uint64, v uint32) error {
	if err := w.memory.Write32(addr, v); err != nil {
		return memoryFault(addr, 32, err)
	}
	if w.memory.ExceptionFlags()&vm.ExceptCodeAutomod == 0 {
		return nil
	}
	return w.notify(addr, 32)
}

// Write64 stores a doubleword: mem[addr] = v
func (w *MemWriter) Write64(addr uint64, v uint64) error {
	if err := w.memory.Write64(addr, v); err != nil {
		return memoryFault(addr, 64, err)
	}
	if w.memory.ExceptionFlags()&vm.ExceptCodeAutomod == 0 {
		return nil
	}
	return w.notify(addr, 64)
}

// WriteBytes stores a byte sequence given as []byte or string. Any other
// type fails with ErrInvalidArgument before memory is touched. The
// notification size is len(data)*8 bits.
func (w *MemWriter) WriteBytes(addr uint64, data interface{}) error {
	var buf []byte
	switch d := data.(type) {
	case []byte:
		buf = d
	case string:
		buf = []byte(d)
	default:
		return fmt.Errorf("%w: bulk write needs a byte sequence, got %T",
			ErrInvalidArgument, data)
	}

	size := uint64(len(buf)) * 8
	if err := w.memory.Write(addr, buf); err != nil {
		return memoryFault(addr, size, err)
	}
	if w.memory.ExceptionFlags()&vm.ExceptCodeAutomod == 0 {
		return nil
	}
	return w.notify(addr, size)
}

func (w *MemWriter) notify(addr, sizeInBits uint64) error {
	if w.invalidator == nil {
		return fmt.Errorf("%w: store of %d bits at 0x%x: no code invalidator attached",
			ErrInvalidationFailed, sizeInBits, addr)
	}
	if err := w.invalidator.OnPossibleCodeModification(addr, sizeInBits); err != nil {
		return fmt.Errorf("%w: store of %d bits at 0x%x: %w",
			ErrInvalidationFailed, sizeInBits, addr, err)
	}
	return nil
}

func memoryFault(addr, sizeInBits uint64, err error) error {
	return fmt.Errorf("%w: store of %d bits at 0x%x: %w",
		ErrMemoryFault, sizeInBits, addr, err)
}
