package kernel

import (
	"encoding/binary"
	"testing"

	"pastoral.dev/kernel/pkg/elf"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/mm/memfake"
	"pastoral.dev/kernel/pkg/vfsio"
	"pastoral.dev/kernel/pkg/vfsio/vfsfake"
)

// buildMinimalELF64 returns the smallest valid little-endian ELF64
// x86-64 image with one PT_LOAD segment, mirroring pkg/elf's own test
// fixture. The kernel core never executes the loaded bytes (there is no
// CPU emulator in scope) so the payload is never run, only mapped.
func buildMinimalELF64(t *testing.T) []byte {
	t.Helper()
	const (
		ehsize = 64
		phsize = 56
	)
	entry := uint64(ehsize + phsize)
	payload := []byte{0x90, 0x90, 0xC3}
	total := int(entry) + len(payload)
	buf := make([]byte, total)

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], 2)
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phsize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	ph := buf[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5) // PF_R|PF_X
	binary.LittleEndian.PutUint64(ph[32:], uint64(total))
	binary.LittleEndian.PutUint64(ph[40:], uint64(total))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	copy(buf[entry:], payload)
	return buf
}

func newTestKernel() *Kernel {
	return New(elf.New(), vfsfake.NewFS(), func() mm.AddressSpace { return memfake.New() })
}

// newTestKernelFS is newTestKernel with the fake filesystem handed
// back, for tests that seed paths (execve, open, chdir).
func newTestKernelFS() (*Kernel, *vfsfake.FS) {
	fs := vfsfake.NewFS()
	return New(elf.New(), fs, func() mm.AddressSpace { return memfake.New() }), fs
}

func testAsset(t *testing.T) vfsio.Asset {
	return vfsfake.NewFile(buildMinimalELF64(t), vfsio.Stat{Mode: 0o755})
}
