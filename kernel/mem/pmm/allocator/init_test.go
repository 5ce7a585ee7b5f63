package allocator

import (
	"testing"
	"unsafe"

	"corekernel/kernel/hal/multiboot"
	"corekernel/kernel/mem"
)

func TestLargestUsableRegion(t *testing.T) {
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	specs := []struct {
		descr                  string
		kernelStart, kernelEnd uintptr
		expBase                uintptr
		expSize                mem.Size
	}{
		{
			// both regions untouched; the second is by far the larger
			"kernel in reserved memory",
			0xa0000, 0xa0000,
			0x100000, 0x7fe0000 - 0x100000,
		},
		{
			// kernel at the start of region 2; the usable part begins after it
			"kernel at region start",
			0x100000, 0x110000,
			0x110000, 0x7fe0000 - 0x110000,
		},
		{
			// kernel in the middle of region 2; the larger piece is above it
			"kernel mid-region",
			0x200000, 0x210800,
			0x211000, 0x7fe0000 - 0x211000,
		},
	}

	for _, spec := range specs {
		base, size := largestUsableRegion(spec.kernelStart, spec.kernelEnd)
		if base != spec.expBase || size != spec.expSize {
			t.Errorf("[%s] expected region [0x%x, +0x%x); got [0x%x, +0x%x)",
				spec.descr, spec.expBase, uint64(spec.expSize), base, uint64(size))
		}
	}
}
