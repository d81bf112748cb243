// Package vm provides the guest address space used by the JIT core: a
// sparse paged memory with page protections, the set of address ranges
// backing compiled code, and the pending-exception bitmask that signals
// stores into those ranges.
package vm

import (
	"encoding/binary"
	"slices"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/log"
	"github.com/retroenv/retrogolib/set"
)

// Prot is a page protection bitmask.
type Prot uint8

// Page protections.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtAll       = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	s := []byte("---")
	if p&ProtRead != 0 {
		s[0] = 'r'
	}
	if p&ProtWrite != 0 {
		s[1] = 'w'
	}
	if p&ProtExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 0x1000

// Errors reported by the manager.
var (
	ErrUnmapped      = errors.New("address not mapped")
	ErrProtection    = errors.New("access violates page protection")
	ErrAlreadyMapped = errors.New("address already mapped")
	ErrBadRange      = errors.New("invalid address range")
)

type page struct {
	data []byte
	prot Prot
}

// Region is a run of contiguous pages with the same protection.
type Region struct {
	Addr uint64
	Size uint64
	Prot Prot
}

// Manager owns one guest address space. It is not safe for concurrent use.
type Manager struct {
	pageSize  uint64
	byteOrder binary.ByteOrder
	pages     map[uint64]*page
	logger    *log.Logger

	exceptionFlags uint64

	codeRanges []Range
	codePages  set.Set[uint64]
}

// Option configures a Manager.
type Option func(*Manager)

// WithPageSize sets the page size. It must be a power of two.
func WithPageSize(size uint64) Option {
	return func(m *Manager) {
		m.pageSize = size
	}
}

// WithByteOrder sets the byte order of multi-byte accesses.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(m *Manager) {
		m.byteOrder = order
	}
}

// WithLogger sets the logger used for mapping events.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an empty address space.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pageSize:  DefaultPageSize,
		byteOrder: binary.LittleEndian,
		pages:     make(map[uint64]*page),
		codePages: set.New[uint64](),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.pageSize == 0 || m.pageSize&(m.pageSize-1) != 0 {
		panic("vm: page size must be a power of two")
	}

	return m
}

// PageSize returns the page size.
func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// ByteOrder returns the byte order of multi-byte accesses.
func (m *Manager) ByteOrder() binary.ByteOrder {
	return m.byteOrder
}

func (m *Manager) pageNum(addr uint64) uint64 {
	return addr / m.pageSize
}

// pageSpan returns the first and last page numbers covering
// [addr, addr+size).
func (m *Manager) pageSpan(addr, size uint64) (uint64, uint64, error) {
	if size == 0 || addr+size-1 < addr {
		return 0, 0, errors.Wrapf(ErrBadRange, "0x%x+0x%x", addr, size)
	}
	return m.pageNum(addr), m.pageNum(addr + size - 1), nil
}

// Map maps the pages covering [addr, addr+size) with the given protection.
// New pages are zero filled. Mapping over an existing page fails and maps
// nothing.
func (m *Manager) Map(addr, size uint64, prot Prot) error {
	first, last, err := m.pageSpan(addr, size)
	if err != nil {
		return err
	}

	for pn := first; pn <= last; pn++ {
		if _, ok := m.pages[pn]; ok {
			return errors.Wrapf(ErrAlreadyMapped, "page 0x%x", pn*m.pageSize)
		}
	}

	for pn := first; pn <= last; pn++ {
		m.pages[pn] = &page{data: make([]byte, m.pageSize), prot: prot}
	}

	if m.logger != nil {
		m.logger.Debug("Mapped memory",
			log.Hex("address", first*m.pageSize),
			log.Hex("size", (last-first+1)*m.pageSize),
			log.String("prot", prot.String()))
	}

	return nil
}

// Unmap removes the pages covering [addr, addr+size). Pages that are not
// mapped are ignored.
func (m *Manager) Unmap(addr, size uint64) error {
	first, last, err := m.pageSpan(addr, size)
	if err != nil {
		return err
	}

	for pn := first; pn <= last; pn++ {
		delete(m.pages, pn)
	}

	if m.logger != nil {
		m.logger.Debug("Unmapped memory",
			log.Hex("address", first*m.pageSize),
			log.Hex("size", (last-first+1)*m.pageSize))
	}

	return nil
}

// Protect changes the protection of the pages covering [addr, addr+size).
// Every page must be mapped.
func (m *Manager) Protect(addr, size uint64, prot Prot) error {
	first, last, err := m.pageSpan(addr, size)
	if err != nil {
		return err
	}

	for pn := first; pn <= last; pn++ {
		if _, ok := m.pages[pn]; !ok {
			return errors.Wrapf(ErrUnmapped, "protect at 0x%x", pn*m.pageSize)
		}
	}
	for pn := first; pn <= last; pn++ {
		m.pages[pn].prot = prot
	}

	return nil
}

// IsMapped reports whether addr lies in a mapped page.
func (m *Manager) IsMapped(addr uint64) bool {
	_, ok := m.pages[m.pageNum(addr)]
	return ok
}

// Regions returns the mapped regions in address order, merging adjacent
// pages with equal protection.
func (m *Manager) Regions() []Region {
	nums := make([]uint64, 0, len(m.pages))
	for pn := range m.pages {
		nums = append(nums, pn)
	}
	slices.Sort(nums)

	var regions []Region
	for _, pn := range nums {
		p := m.pages[pn]
		addr := pn * m.pageSize
		if n := len(regions); n > 0 {
			last := &regions[n-1]
			if last.Addr+last.Size == addr && last.Prot == p.prot {
				last.Size += m.pageSize
				continue
			}
		}
		regions = append(regions, Region{Addr: addr, Size: m.pageSize, Prot: p.prot})
	}
	return regions
}

// checkAccess verifies that every page covering [addr, addr+size) is
// mapped with the required protection.
func (m *Manager) checkAccess(addr, size uint64, need Prot) error {
	first, last, err := m.pageSpan(addr, size)
	if err != nil {
		return err
	}

	for pn := first; pn <= last; pn++ {
		p, ok := m.pages[pn]
		if !ok {
			return errors.Wrapf(ErrUnmapped, "access of %d bytes at 0x%x", size, addr)
		}
		if p.prot&need != need {
			return errors.Wrapf(ErrProtection,
				"access of %d bytes at 0x%x needs %s, page is %s",
				size, addr, need, p.prot)
		}
	}
	return nil
}

// Read returns a copy of n bytes starting at addr. Reads only require the
// pages to be mapped.
func (m *Manager) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if err := m.checkAccess(addr, uint64(n), ProtNone); err != nil {
		return nil, err
	}
	m.copyOut(out, addr)
	return out, nil
}

func (m *Manager) copyOut(dst []byte, addr uint64) {
	for len(dst) > 0 {
		p := m.pages[m.pageNum(addr)]
		off := addr % m.pageSize
		n := copy(dst, p.data[off:])
		dst = dst[n:]
		addr += uint64(n)
	}
}

func (m *Manager) copyIn(addr uint64, src []byte) {
	for len(src) > 0 {
		p := m.pages[m.pageNum(addr)]
		off := addr % m.pageSize
		n := copy(p.data[off:], src)
		src = src[n:]
		addr += uint64(n)
	}
}

// Write stores data at addr. The whole range must be mapped writable,
// otherwise nothing is stored. A write that overlaps a code range raises
// ExceptCodeAutomod.
func (m *Manager) Write(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := m.checkAccess(addr, uint64(len(data)), ProtWrite); err != nil {
		return err
	}
	m.copyIn(addr, data)
	m.checkCodeWrite(addr, uint64(len(data)))
	return nil
}

// Write8 stores one byte.
func (m *Manager) Write8(addr uint64, v uint8) error {
	buf := [1]byte{v}
	return m.Write(addr, buf[:])
}

// Write16 stores a 16-bit value in the manager's byte order.
func (m *Manager) Write16(addr uint64, v uint16) error {
	var buf [2]byte
	m.byteOrder.PutUint16(buf[:], v)
	return m.Write(addr, buf[:])
}

// Write32 stores a 32-bit value in the manager's byte order.
func (m *Manager) Write32(addr uint64, v uint32) error {
	var buf [4]byte
	m.byteOrder.PutUint32(buf[:], v)
	return m.Write(addr, buf[:])
}

// Write64 stores a 64-bit value in the manager's byte order.
func (m *Manager) Write64(addr uint64, v uint64) error {
	var buf [8]byte
	m.byteOrder.PutUint64(buf[:], v)
	return m.Write(addr, buf[:])
}

// Read8 loads one byte.
func (m *Manager) Read8(addr uint64) (uint8, error) {
	var buf [1]byte
	if err := m.readInto(buf[:], addr); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Read16 loads a 16-bit value in the manager's byte order.
func (m *Manager) Read16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := m.readInto(buf[:], addr); err != nil {
		return 0, err
	}
	return m.byteOrder.Uint16(buf[:]), nil
}

// Read32 loads a 32-bit value in the manager's byte order.
func (m *Manager) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.readInto(buf[:], addr); err != nil {
		return 0, err
	}
	return m.byteOrder.Uint32(buf[:]), nil
}

// Read64 loads a 64-bit value in the manager's byte order.
func (m *Manager) Read64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := m.readInto(buf[:], addr); err != nil {
		return 0, err
	}
	return m.byteOrder.Uint64(buf[:]), nil
}

func (m *Manager) readInto(dst []byte, addr uint64) error {
	if err := m.checkAccess(addr, uint64(len(dst)), ProtNone); err != nil {
		return err
	}
	m.copyOut(dst, addr)
	return nil
}
