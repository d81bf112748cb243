// Package jit tracks the compiled blocks of the JIT engine and drops them
// when the guest code they were translated from is modified.
package jit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/retroenv/retrogolib/log"
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/jitcore/vm"
)

// ErrClosed is returned by a CodeCache after Close.
var ErrClosed = errors.New("code cache closed")

// Config holds code cache configuration parameters.
type Config struct {
	// LineSize in bytes. Compiled blocks are indexed per line.
	LineSize int
	// Sets in the line directory.
	Sets int
	// Ways per set.
	Ways int
}

// DefaultConfig returns a 2048-line, 8-way directory of 64B lines.
func DefaultConfig() Config {
	return Config{
		LineSize: 64,
		Sets:     256,
		Ways:     8,
	}
}

// Validate checks that the configuration describes a usable directory.
func (c Config) Validate() error {
	if c.LineSize <= 0 || c.LineSize&(c.LineSize-1) != 0 {
		return fmt.Errorf("line size must be a power of two, got %d", c.LineSize)
	}
	if c.Sets <= 0 {
		return fmt.Errorf("sets must be > 0")
	}
	// A block spans at most Sets+1 lines, so it can land twice in one
	// set. With a single way it would evict its own first line.
	if c.Ways < 2 {
		return fmt.Errorf("ways must be >= 2, got %d", c.Ways)
	}
	return nil
}

// CodeRanges is the part of the memory manager that tracks which guest
// memory backs compiled code. *vm.Manager implements it.
type CodeRanges interface {
	AddCodeRange(addr, size uint64)
	RemoveCodeRange(addr, size uint64)
	ClearException(bits uint64)
}

// Block is a compiled block: the guest bytes it was translated from.
type Block struct {
	Start uint64
	Size  uint64
}

// End returns the address one past the last guest byte of the block.
func (b Block) End() uint64 {
	return b.Start + b.Size
}

func (b Block) overlaps(addr, size uint64) bool {
	return addr < b.End() && b.Start < addr+size
}

// Statistics holds code cache statistics.
type Statistics struct {
	Added         uint64
	Notifications uint64
	Invalidated   uint64
	Evicted       uint64
}

// CodeCache records compiled blocks and invalidates them on code
// modification notifications. The lines holding compiled code are kept
// in an Akita cache directory; when the directory has to evict a line,
// the blocks on it are dropped and will be translated again.
type CodeCache struct {
	config    Config
	directory *akitacache.DirectoryImpl

	// Block starts per directory entry, indexed by setID*ways + wayID.
	lineBlocks [][]uint64

	blocks map[uint64]Block
	memory CodeRanges
	logger *log.Logger
	stats  Statistics
	closed bool
}

// Option configures a CodeCache.
type Option func(*CodeCache)

// WithLogger sets the logger used for invalidation events.
func WithLogger(logger *log.Logger) Option {
	return func(c *CodeCache) {
		c.logger = logger
	}
}

// New creates a code cache that registers compiled ranges with memory.
func New(config Config, memory CodeRanges, opts ...Option) (*CodeCache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid code cache config: %w", err)
	}

	c := &CodeCache{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			config.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		lineBlocks: make([][]uint64, config.Sets*config.Ways),
		blocks:     make(map[uint64]Block),
		memory:     memory,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Config returns the cache configuration.
func (c *CodeCache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *CodeCache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *CodeCache) ResetStats() {
	c.stats = Statistics{}
}

func (c *CodeCache) lineAddr(addr uint64) uint64 {
	return addr &^ uint64(c.config.LineSize-1)
}

func (c *CodeCache) lineIndex(line *akitacache.Block) int {
	return line.SetID*c.config.Ways + line.WayID
}

// lookupLine returns the directory entry holding lineAddr, or nil.
func (c *CodeCache) lookupLine(lineAddr uint64) *akitacache.Block {
	line := c.directory.Lookup(0, lineAddr)
	if line == nil || !line.IsValid {
		return nil
	}
	return line
}

// AddBlock records a compiled block translated from [start, start+size).
// A block already recorded at start is replaced.
func (c *CodeCache) AddBlock(start, size uint64) error {
	if c.closed {
		return ErrClosed
	}
	if size == 0 {
		return fmt.Errorf("block at 0x%x has zero size", start)
	}
	maxSize := uint64(c.config.LineSize) * uint64(c.config.Sets)
	if size > maxSize {
		return fmt.Errorf("block at 0x%x is %d bytes, cache spans at most %d",
			start, size, maxSize)
	}

	if _, ok := c.blocks[start]; ok {
		c.dropBlock(start)
	}

	b := Block{Start: start, Size: size}
	c.blocks[start] = b
	c.memory.AddCodeRange(start, size)
	c.stats.Added++

	for la := c.lineAddr(start); la < b.End(); la += uint64(c.config.LineSize) {
		line := c.lookupLine(la)
		if line == nil {
			line = c.allocLine(la)
		}

		idx := c.lineIndex(line)
		c.lineBlocks[idx] = append(c.lineBlocks[idx], start)
		c.directory.Visit(line)
	}

	return nil
}

// allocLine claims a directory entry for lineAddr, dropping every block
// on the entry it replaces.
func (c *CodeCache) allocLine(lineAddr uint64) *akitacache.Block {
	victim := c.directory.FindVictim(lineAddr)

	if victim.IsValid {
		idx := c.lineIndex(victim)
		evicted := append([]uint64(nil), c.lineBlocks[idx]...)
		for _, start := range evicted {
			if _, ok := c.blocks[start]; ok {
				c.dropBlock(start)
				c.stats.Evicted++
			}
		}
	}

	victim.Tag = lineAddr
	victim.IsValid = true
	victim.IsDirty = false
	c.lineBlocks[c.lineIndex(victim)] = nil

	return victim
}

// dropBlock forgets a block: its lines, its map entry and its code range.
func (c *CodeCache) dropBlock(start uint64) {
	b := c.blocks[start]
	delete(c.blocks, start)
	c.memory.RemoveCodeRange(b.Start, b.Size)

	for la := c.lineAddr(b.Start); la < b.End(); la += uint64(c.config.LineSize) {
		line := c.lookupLine(la)
		if line == nil {
			continue
		}

		idx := c.lineIndex(line)
		kept := c.lineBlocks[idx][:0]
		for _, s := range c.lineBlocks[idx] {
			if s != start {
				kept = append(kept, s)
			}
		}
		c.lineBlocks[idx] = kept

		if len(kept) == 0 {
			line.IsValid = false
		}
	}
}

// overlapping returns the starts of the blocks sharing a byte with
// [addr, addr+size), in ascending order.
func (c *CodeCache) overlapping(addr, size uint64) []uint64 {
	seen := make(map[uint64]struct{})
	var starts []uint64

	end := addr + size
	if end < addr {
		end = ^uint64(0)
	}

	for la := c.lineAddr(addr); la < end; la += uint64(c.config.LineSize) {
		line := c.lookupLine(la)
		if line != nil {
			for _, s := range c.lineBlocks[c.lineIndex(line)] {
				if _, dup := seen[s]; dup {
					continue
				}
				if b, ok := c.blocks[s]; ok && b.overlaps(addr, end-addr) {
					seen[s] = struct{}{}
					starts = append(starts, s)
				}
			}
		}
		if la+uint64(c.config.LineSize) < la {
			break
		}
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// OnPossibleCodeModification drops every compiled block overlapping a
// store of sizeInBits bits at addr, then clears the memory manager's
// code-modification exception. It returns once the blocks are gone.
func (c *CodeCache) OnPossibleCodeModification(addr, sizeInBits uint64) error {
	if c.closed {
		return ErrClosed
	}

	size := (sizeInBits + 7) / 8
	if size == 0 {
		size = 1
	}

	c.stats.Notifications++

	starts := c.overlapping(addr, size)
	for _, s := range starts {
		c.dropBlock(s)
	}
	c.stats.Invalidated += uint64(len(starts))

	c.memory.ClearException(vm.ExceptCodeAutomod)

	if c.logger != nil {
		c.logger.Debug("Code modified",
			log.Hex("address", addr),
			log.Hex("size_bits", sizeInBits),
			log.Int("blocks_invalidated", len(starts)))
	}

	return nil
}

// Contains reports whether addr lies in a recorded block.
func (c *CodeCache) Contains(addr uint64) bool {
	return len(c.overlapping(addr, 1)) > 0
}

// Blocks returns the recorded blocks ordered by start address.
func (c *CodeCache) Blocks() []Block {
	out := make([]Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Reset drops every block.
func (c *CodeCache) Reset() {
	for start, b := range c.blocks {
		c.memory.RemoveCodeRange(b.Start, b.Size)
		delete(c.blocks, start)
	}
	for i := range c.lineBlocks {
		c.lineBlocks[i] = nil
	}
	c.directory.Reset()
}

// Close drops every block and refuses further use. Notifications after
// Close fail, so stores into stale code are reported to the caller.
func (c *CodeCache) Close() {
	c.Reset()
	c.closed = true
}
