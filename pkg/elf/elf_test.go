package elf

import (
	"encoding/binary"
	"testing"

	"pastoral.dev/kernel/pkg/mm/memfake"
	"pastoral.dev/kernel/pkg/vfsio"
	"pastoral.dev/kernel/pkg/vfsio/vfsfake"
)

const (
	ehsize = 64
	phsize = 56
)

// buildMinimalELF64 assembles the smallest valid little-endian ELF64
// x86-64 executable with a single PT_LOAD segment covering the file
// itself, for Loader.Load to exercise.
func buildMinimalELF64(t *testing.T) []byte {
	t.Helper()

	entry := uint64(ehsize + phsize)
	payload := []byte{0x90, 0x90, 0xC3} // nop; nop; ret
	total := int(entry) + len(payload)

	buf := make([]byte, total)
	writeHeader(buf, entry, 1)

	ph := buf[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph[0:], 1)              // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5)              // p_flags = R+X
	binary.LittleEndian.PutUint64(ph[8:], 0)              // p_offset
	binary.LittleEndian.PutUint64(ph[16:], 0)             // p_vaddr
	binary.LittleEndian.PutUint64(ph[24:], 0)             // p_paddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(total)) // p_filesz
	binary.LittleEndian.PutUint64(ph[40:], uint64(total)) // p_memsz
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)        // p_align

	copy(buf[entry:], payload)
	return buf
}

// buildInterpELF64 assembles an executable with a PT_INTERP segment
// naming interp ahead of its single PT_LOAD.
func buildInterpELF64(t *testing.T, interp string) []byte {
	t.Helper()

	const phnum = 2
	interpOff := uint64(ehsize + phnum*phsize)
	entry := interpOff + uint64(len(interp)) + 1
	payload := []byte{0xC3}
	total := int(entry) + len(payload)

	buf := make([]byte, total)
	writeHeader(buf, entry, phnum)

	ph0 := buf[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph0[0:], 3) // p_type = PT_INTERP
	binary.LittleEndian.PutUint64(ph0[8:], interpOff)
	binary.LittleEndian.PutUint64(ph0[32:], uint64(len(interp)+1))
	binary.LittleEndian.PutUint64(ph0[40:], uint64(len(interp)+1))

	ph1 := buf[ehsize+phsize : ehsize+2*phsize]
	binary.LittleEndian.PutUint32(ph1[0:], 1) // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph1[4:], 5)
	binary.LittleEndian.PutUint64(ph1[32:], uint64(total))
	binary.LittleEndian.PutUint64(ph1[40:], uint64(total))
	binary.LittleEndian.PutUint64(ph1[48:], 0x1000)

	copy(buf[interpOff:], interp)
	copy(buf[entry:], payload)
	return buf
}

func writeHeader(buf []byte, entry uint64, phnum uint16) {
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)   // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)      // e_version
	binary.LittleEndian.PutUint64(buf[24:], entry)  // e_entry
	binary.LittleEndian.PutUint64(buf[32:], ehsize) // e_phoff
	binary.LittleEndian.PutUint16(buf[52:], ehsize) // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:], phsize) // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:], phnum)  // e_phnum
}

func TestLoadMapsPTLoadSegment(t *testing.T) {
	img := buildMinimalELF64(t)
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	as := memfake.New()

	loaded, err := New().Load(as, asset, 0)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Aux.Entry == 0 {
		t.Fatal("expected non-zero entry point")
	}
	if loaded.Aux.Phnum != 1 {
		t.Fatalf("Phnum = %d, want 1", loaded.Aux.Phnum)
	}
	if loaded.Interp != "" {
		t.Fatalf("Interp = %q, want empty for a static binary", loaded.Interp)
	}
}

func TestLoadReportsInterpreter(t *testing.T) {
	img := buildInterpELF64(t, "/lib/ld.so")
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	as := memfake.New()

	loaded, err := New().Load(as, asset, 0)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Interp != "/lib/ld.so" {
		t.Fatalf("Interp = %q, want %q", loaded.Interp, "/lib/ld.so")
	}
}

// TestLoadPlacesSegmentAtVaddr checks a PT_LOAD segment really lands at
// p_vaddr+base: the fixture's entry point must read back the payload
// bytes written at that offset of the file.
func TestLoadPlacesSegmentAtVaddr(t *testing.T) {
	img := buildMinimalELF64(t)
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	as := memfake.New()

	loaded, err := New().Load(as, asset, 0)
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 3)
	if err := as.Read(loaded.Aux.Entry, got); err != nil {
		t.Fatalf("no mapped bytes at reported entry %#x: %v", loaded.Aux.Entry, err)
	}
	want := []byte{0x90, 0x90, 0xC3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bytes at entry = %#x, want %#x", got, want)
		}
	}
}

func TestLoadAppliesBias(t *testing.T) {
	img := buildMinimalELF64(t)
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	as := memfake.New()

	const bias = 0x40000000
	loaded, err := New().Load(as, asset, bias)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Aux.Entry < bias {
		t.Fatalf("Entry = %#x, want >= bias %#x", loaded.Aux.Entry, uint64(bias))
	}

	got := make([]byte, 3)
	if err := as.Read(loaded.Aux.Entry, got); err != nil {
		t.Fatalf("no mapped bytes at biased entry %#x: %v", loaded.Aux.Entry, err)
	}
	if got[0] != 0x90 || got[1] != 0x90 || got[2] != 0xC3 {
		t.Fatalf("bytes at biased entry = %#x, want the fixture payload", got)
	}
}

func TestLoadRejectsNonELF(t *testing.T) {
	asset := vfsfake.NewFile([]byte("not an elf"), vfsio.Stat{})
	as := memfake.New()

	if _, err := New().Load(as, asset, 0); err == nil {
		t.Fatal("expected error for non-ELF image")
	}
}
