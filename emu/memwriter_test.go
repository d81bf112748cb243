package emu_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jitcore/emu"
	"github.com/sarchlab/jitcore/vm"
)

// flatMemory is an allocation-free Memory over one slice starting at 0.
type flatMemory struct {
	data  []byte
	flags uint64
}

func (f *flatMemory) store(addr uint64, n int, v uint64) error {
	if addr+uint64(n) > uint64(len(f.data)) {
		return vm.ErrUnmapped
	}
	for i := 0; i < n; i++ {
		f.data[addr+uint64(i)] = byte(v >> (8 * i))
	}
	return nil
}

func (f *flatMemory) Write8(addr uint64, v uint8) error   { return f.store(addr, 1, uint64(v)) }
func (f *flatMemory) Write16(addr uint64, v uint16) error { return f.store(addr, 2, uint64(v)) }
func (f *flatMemory) Write32(addr uint64, v uint32) error { return f.store(addr, 4, uint64(v)) }
func (f *flatMemory) Write64(addr uint64, v uint64) error { return f.store(addr, 8, v) }
func (f *flatMemory) ExceptionFlags() uint64              { return f.flags }

func (f *flatMemory) Write(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(f.data)) {
		return vm.ErrUnmapped
	}
	copy(f.data[addr:], data)
	return nil
}

func (f *flatMemory) Read(addr uint64, n int) ([]byte, error) {
	return append([]byte(nil), f.data[addr:addr+uint64(n)]...), nil
}

var _ = Describe("MemWriter", func() {
	var (
		memory *vm.Manager
		inv    *recordingInvalidator
		w      *emu.MemWriter
	)

	BeforeEach(func() {
		memory = vm.NewManager()
		Expect(memory.Map(0x1000, 0x2000, vm.ProtAll)).To(Succeed())
		Expect(memory.Map(0x4000, 0x1000, vm.ProtRead)).To(Succeed())
		memory.AddCodeRange(0x1000, 0x40)

		inv = &recordingInvalidator{}
		w = emu.NewMemWriter(memory, inv)
	})

	It("should store and notify once when a halfword lands on compiled code", func() {
		Expect(w.Write16(0x1000, 0xABCD)).To(Succeed())

		data, err := memory.Read(0x1000, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{0xCD, 0xAB}))
		Expect(inv.calls).To(Equal([]invalidation{{addr: 0x1000, sizeInBits: 16}}))
	})

	DescribeTable("reports the store width in bits",
		func(write func() error, bits uint64) {
			Expect(write()).To(Succeed())
			Expect(inv.calls).To(Equal([]invalidation{{addr: 0x1008, sizeInBits: bits}}))
		},
		Entry("8-bit", func() error { return w.Write8(0x1008, 1) }, uint64(8)),
		Entry("16-bit", func() error { return w.Write16(0x1008, 1) }, uint64(16)),
		Entry("32-bit", func() error { return w.Write32(0x1008, 1) }, uint64(32)),
		Entry("64-bit", func() error { return w.Write64(0x1008, 1) }, uint64(64)),
		Entry("bulk", func() error { return w.WriteBytes(0x1008, []byte{1, 2, 3}) }, uint64(24)),
		Entry("bulk string", func() error { return w.WriteBytes(0x1008, "abcd") }, uint64(32)),
	)

	It("should not notify for stores outside compiled code", func() {
		Expect(w.Write64(0x2000, 0x1122334455667788)).To(Succeed())
		Expect(w.Write32(0x1040, 1)).To(Succeed())
		Expect(w.WriteBytes(0x1800, []byte("data"))).To(Succeed())

		Expect(inv.calls).To(BeEmpty())
		Expect(memory.Read64(0x2000)).To(Equal(uint64(0x1122334455667788)))
	})

	It("should notify for a store that straddles the start of compiled code", func() {
		Expect(memory.Map(0x0, 0x1000, vm.ProtAll)).To(Succeed())

		Expect(w.Write32(0xFFE, 0)).To(Succeed())
		Expect(inv.calls).To(Equal([]invalidation{{addr: 0xFFE, sizeInBits: 32}}))
	})

	It("should fail with a memory fault on unmapped addresses without notifying", func() {
		memory.SetExceptionFlags(vm.ExceptCodeAutomod)

		err := w.Write32(0x9000, 1)

		Expect(errors.Is(err, emu.ErrMemoryFault)).To(BeTrue())
		Expect(errors.Is(err, vm.ErrUnmapped)).To(BeTrue())
		Expect(inv.calls).To(BeEmpty())
	})

	It("should fail with a memory fault on read-only pages", func() {
		err := w.WriteBytes(0x4000, []byte{1})

		Expect(errors.Is(err, emu.ErrMemoryFault)).To(BeTrue())
		Expect(errors.Is(err, vm.ErrProtection)).To(BeTrue())
		Expect(memory.Read8(0x4000)).To(BeZero())
	})

	It("should reject a bulk write that is not a byte sequence before writing", func() {
		err := w.WriteBytes(0x1000, []int{1, 2})

		Expect(errors.Is(err, emu.ErrInvalidArgument)).To(BeTrue())
		Expect(memory.ExceptionFlags()).To(BeZero())
		Expect(inv.calls).To(BeEmpty())
	})

	It("should accept an empty bulk write", func() {
		Expect(w.WriteBytes(0x1000, []byte{})).To(Succeed())
		Expect(inv.calls).To(BeEmpty())
	})

	It("should propagate a failed notification", func() {
		inv.err = errors.New("engine gone")

		err := w.Write8(0x1000, 0x90)

		Expect(errors.Is(err, emu.ErrInvalidationFailed)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("engine gone"))
		Expect(memory.Read8(0x1000)).To(Equal(uint8(0x90)))
	})

	Describe("without an invalidator", func() {
		BeforeEach(func() {
			w = emu.NewMemWriter(memory, nil)
		})

		It("should store outside compiled code", func() {
			Expect(w.Write32(0x2000, 1)).To(Succeed())
			Expect(memory.ExceptionFlags()).To(BeZero())
		})

		It("should report a store into compiled code", func() {
			err := w.Write32(0x1000, 1)

			Expect(errors.Is(err, emu.ErrInvalidationFailed)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("no code invalidator"))
			Expect(memory.Read32(0x1000)).To(Equal(uint32(1)))
			Expect(memory.ExceptionFlags() & vm.ExceptCodeAutomod).NotTo(BeZero())
		})
	})

	It("should not allocate on the fast path", func() {
		mem := &flatMemory{data: make([]byte, 64)}
		fast := emu.NewMemWriter(mem, inv)

		allocs := testing.AllocsPerRun(100, func() {
			_ = fast.Write8(1, 1)
			_ = fast.Write16(2, 2)
			_ = fast.Write32(4, 3)
			_ = fast.Write64(8, 4)
		})

		Expect(allocs).To(BeZero())
		Expect(inv.calls).To(BeEmpty())
	})
})
