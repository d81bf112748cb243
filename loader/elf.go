// Package loader loads guest ELF images into the guest address space.
package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/sarchlab/jitcore/emu"
	"github.com/sarchlab/jitcore/vm"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Prot converts the flags to a page protection.
func (f SegmentFlags) Prot() vm.Prot {
	var p vm.Prot
	if f&SegmentFlagRead != 0 {
		p |= vm.ProtRead
	}
	if f&SegmentFlagWrite != 0 {
		p |= vm.ProtWrite
	}
	if f&SegmentFlagExecute != 0 {
		p |= vm.ProtExec
	}
	return p
}

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program represents a loaded ELF image.
type Program struct {
	// Arch is the name of the built-in architecture the image targets.
	Arch string
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
}

// machines maps supported ELF machines to architecture names and the
// ELF class each one uses.
var machines = map[elf.Machine]struct {
	arch  string
	class elf.Class
}{
	elf.EM_PPC:     {arch: "ppc32", class: elf.ELFCLASS32},
	elf.EM_AARCH64: {arch: "aarch64", class: elf.ELFCLASS64},
}

// Load parses an ELF image for one of the supported architectures.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	m, ok := machines[f.Machine]
	if !ok {
		return nil, fmt.Errorf("unsupported ELF machine type %v", f.Machine)
	}
	if f.Class != m.class {
		return nil, fmt.Errorf("%s ELF file has class %v, expected %v",
			m.arch, f.Class, m.class)
	}

	prog := &Program{
		Arch:       m.arch,
		EntryPoint: f.Entry,
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})
	}

	return prog, nil
}

// MapInto maps every segment into memory and stores its contents through
// the guarded writer, so stores over already-compiled code are reported.
// Segments are mapped writable while loading and get their own
// protection afterwards. A page shared by several segments gets the union
// of their protections.
func (p *Program) MapInto(memory *vm.Manager, writer *emu.MemWriter) error {
	pageSize := memory.PageSize()
	prots := make(map[uint64]vm.Prot)

	for _, seg := range p.Segments {
		if seg.MemSize == 0 {
			continue
		}

		if err := mapFresh(memory, seg.VirtAddr, seg.MemSize); err != nil {
			return fmt.Errorf("failed to map segment at 0x%x: %w", seg.VirtAddr, err)
		}
		if err := memory.Protect(seg.VirtAddr, seg.MemSize, vm.ProtRead|vm.ProtWrite); err != nil {
			return err
		}

		if err := writer.WriteBytes(seg.VirtAddr, seg.Data); err != nil {
			return fmt.Errorf("failed to load segment at 0x%x: %w", seg.VirtAddr, err)
		}

		end := seg.VirtAddr + seg.MemSize
		for pa := seg.VirtAddr &^ (pageSize - 1); pa < end; pa += pageSize {
			prot := prots[pa] | seg.Flags.Prot()
			prots[pa] = prot
			if err := memory.Protect(pa, pageSize, prot); err != nil {
				return err
			}
		}
	}

	return nil
}

// mapFresh maps the pages of [addr, addr+size) that are not mapped yet.
func mapFresh(memory *vm.Manager, addr, size uint64) error {
	pageSize := memory.PageSize()
	first := addr &^ (pageSize - 1)

	for pa := first; pa < addr+size; pa += pageSize {
		if memory.IsMapped(pa) {
			continue
		}
		if err := memory.Map(pa, pageSize, vm.ProtRead|vm.ProtWrite); err != nil {
			return err
		}
	}
	return nil
}
