package vm

import (
	"github.com/retroenv/retrogolib/set"
)

// Range is a span of guest memory.
type Range struct {
	Addr uint64
	Size uint64
}

// End returns the address one past the last byte of the range.
func (r Range) End() uint64 {
	return r.Addr + r.Size
}

// Overlaps reports whether the range shares a byte with [addr, addr+size).
func (r Range) Overlaps(addr, size uint64) bool {
	if r.Size == 0 || size == 0 {
		return false
	}
	return addr < r.End() && r.Addr < addr+size
}

// AddCodeRange records that [addr, addr+size) backs compiled code. Stores
// into it raise ExceptCodeAutomod until the range is removed.
func (m *Manager) AddCodeRange(addr, size uint64) {
	if size == 0 {
		return
	}
	m.codeRanges = append(m.codeRanges, Range{Addr: addr, Size: size})
	m.markCodePages(addr, size)
}

// RemoveCodeRange forgets a range previously passed to AddCodeRange.
func (m *Manager) RemoveCodeRange(addr, size uint64) {
	kept := m.codeRanges[:0]
	for _, r := range m.codeRanges {
		if r.Addr == addr && r.Size == size {
			continue
		}
		kept = append(kept, r)
	}
	m.codeRanges = kept

	m.codePages = set.New[uint64]()
	for _, r := range m.codeRanges {
		m.markCodePages(r.Addr, r.Size)
	}
}

// ResetCodeRanges forgets every code range.
func (m *Manager) ResetCodeRanges() {
	m.codeRanges = nil
	m.codePages = set.New[uint64]()
}

// CodeRanges returns a copy of the recorded code ranges.
func (m *Manager) CodeRanges() []Range {
	out := make([]Range, len(m.codeRanges))
	copy(out, m.codeRanges)
	return out
}

func (m *Manager) markCodePages(addr, size uint64) {
	for pn := m.pageNum(addr); pn <= m.pageNum(addr+size-1); pn++ {
		m.codePages.Add(pn)
	}
}

// checkCodeWrite raises ExceptCodeAutomod if [addr, addr+size) touches a
// code range. The page set filters out the common case before the ranges
// are scanned.
func (m *Manager) checkCodeWrite(addr, size uint64) {
	if len(m.codeRanges) == 0 {
		return
	}

	hit := false
	for pn := m.pageNum(addr); pn <= m.pageNum(addr+size-1); pn++ {
		if m.codePages.Contains(pn) {
			hit = true
			break
		}
	}
	if !hit {
		return
	}

	for _, r := range m.codeRanges {
		if r.Overlaps(addr, size) {
			m.exceptionFlags |= ExceptCodeAutomod
			return
		}
	}
}
