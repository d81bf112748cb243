package arch_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/jitcore/arch"
)

var _ = Describe("Layout", func() {
	exc := arch.Descriptor{Name: "exception_flags", Width: arch.Width32, Offset: 12}
	spr := arch.Descriptor{Name: "spr_access", Width: arch.Width32, Offset: 16}

	Describe("NewLayout", func() {
		It("should index registers by name in table order", func() {
			l, err := arch.NewLayout("toy", []arch.Descriptor{
				{Name: "r0", Width: arch.Width32, Offset: 0},
				{Name: "r1", Width: arch.Width32, Offset: 4},
				{Name: "flags", Width: arch.Width32, Offset: 8},
			}, exc, spr)

			Expect(err).NotTo(HaveOccurred())
			Expect(l.Len()).To(Equal(3))
			Expect(l.Names()).To(Equal([]string{"r0", "r1", "flags"}))
			Expect(l.Size()).To(Equal(uint32(24)))

			d, ok := l.Lookup("r1")
			Expect(ok).To(BeTrue())
			Expect(d.Offset).To(Equal(uint32(4)))

			_, ok = l.Lookup("r2")
			Expect(ok).To(BeFalse())
		})

		It("should reject duplicate names", func() {
			_, err := arch.NewLayout("toy", []arch.Descriptor{
				{Name: "r0", Width: arch.Width32, Offset: 0},
				{Name: "r0", Width: arch.Width32, Offset: 4},
			}, exc, spr)
			Expect(err).To(MatchError(ContainSubstring("duplicate")))
		})

		It("should reject overlapping fields", func() {
			_, err := arch.NewLayout("toy", []arch.Descriptor{
				{Name: "r0", Width: arch.Width64, Offset: 0},
				{Name: "r1", Width: arch.Width32, Offset: 4},
			}, exc, spr)
			Expect(err).To(MatchError(ContainSubstring("overlap")))
		})

		It("should reject registers overlapping the scalar fields", func() {
			_, err := arch.NewLayout("toy", []arch.Descriptor{
				{Name: "r0", Width: arch.Width32, Offset: 12},
			}, exc, spr)
			Expect(err).To(HaveOccurred())
		})

		It("should reject invalid widths", func() {
			_, err := arch.NewLayout("toy", []arch.Descriptor{
				{Name: "r0", Width: 12, Offset: 0},
			}, exc, spr)
			Expect(err).To(MatchError(ContainSubstring("invalid width")))
		})

		It("should reject a field running past the 32-bit offset space", func() {
			_, err := arch.NewLayout("wrap", []arch.Descriptor{
				{Name: "big", Width: arch.Width64, Offset: 0xFFFFFFFC},
			}, exc, spr)
			Expect(err).To(MatchError(ContainSubstring(`"big" ends at 0x100000004`)))
		})

		It("should not alias the caller's slice", func() {
			regs := []arch.Descriptor{{Name: "r0", Width: arch.Width8, Offset: 0}}
			l, err := arch.NewLayout("toy", regs, exc, spr)
			Expect(err).NotTo(HaveOccurred())

			regs[0].Name = "changed"
			Expect(l.At(0).Name).To(Equal("r0"))
		})
	})

	Describe("Pack", func() {
		It("should align each register to its own size", func() {
			l, err := arch.Pack("mixed", []arch.RegSpec{
				{Name: "a", Width: arch.Width8},
				{Name: "b", Width: arch.Width32},
				{Name: "c", Width: arch.Width16},
				{Name: "d", Width: arch.Width64},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(l.Offsets()).To(Equal(map[string]uint32{
				"a": 0, "b": 4, "c": 8, "d": 16,
			}))
			Expect(l.ExceptionFlags().Offset).To(Equal(uint32(24)))
			Expect(l.SPRAccess().Offset).To(Equal(uint32(28)))
			Expect(l.Size()).To(Equal(uint32(32)))
		})

		It("should reject an invalid width", func() {
			_, err := arch.Pack("bad", []arch.RegSpec{{Name: "a", Width: 7}})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Width", func() {
		It("should compute masks", func() {
			Expect(arch.Width8.Mask()).To(Equal(uint64(0xFF)))
			Expect(arch.Width16.Mask()).To(Equal(uint64(0xFFFF)))
			Expect(arch.Width32.Mask()).To(Equal(uint64(0xFFFFFFFF)))
			Expect(arch.Width64.Mask()).To(Equal(^uint64(0)))
		})
	})
})

var _ = Describe("Registry", func() {
	It("should list the built-in architectures", func() {
		Expect(arch.Names()).To(Equal([]string{"aarch64", "ppc32"}))
	})

	It("should load the ppc32 layout", func() {
		a, err := arch.Lookup("ppc32")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.ByteOrder).To(Equal(binary.ByteOrder(binary.BigEndian)))

		l := a.Layout
		Expect(l.Len()).To(Equal(87))
		Expect(l.At(0).Name).To(Equal("R0"))

		pc, ok := l.Lookup("PC")
		Expect(ok).To(BeTrue())
		Expect(pc.Width).To(Equal(arch.Width32))
		Expect(pc.Offset).To(Equal(uint32(32 * 4)))

		Expect(l.ExceptionFlags().Offset).To(Equal(uint32(348)))
		Expect(l.Size()).To(Equal(uint32(360)))
	})

	It("should load the aarch64 layout", func() {
		a, err := arch.Lookup("aarch64")
		Expect(err).NotTo(HaveOccurred())

		zf, ok := a.Layout.Lookup("zf")
		Expect(ok).To(BeTrue())
		Expect(zf.Width).To(Equal(arch.Width8))
		Expect(zf.Offset).To(Equal(uint32(265)))
		Expect(a.Layout.Size()).To(Equal(uint32(280)))
	})

	It("should fail on an unknown architecture", func() {
		_, err := arch.Lookup("z80")
		Expect(err).To(MatchError(ContainSubstring("unknown architecture")))
	})
})
