// Package elf loads an ELF64 x86-64 executable image into an
// mm.AddressSpace and reports the auxiliary-vector values the initial
// user stack needs, the Go-side counterpart of elf_load.
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/mm"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Image is the result of loading one ELF object: the auxv fields its
// initial stack needs, plus the interpreter path when the binary names
// one (PT_INTERP).
type Image struct {
	Aux    hostarch.Aux
	Interp string
}

// Loader maps a vfsio.Asset's contents into an address space and returns
// the loaded image's auxv fields and interpreter.
type Loader interface {
	Load(as mm.AddressSpace, asset vfsio.Asset, base uint64) (Image, error)
}

// loader is the only Loader implementation; it is stateless.
type loader struct{}

// New returns the standard ELF64 x86-64 loader.
func New() Loader { return loader{} }

// ErrNotELF64 is returned when asset's contents are not a little-endian
// ELF64 x86-64 executable, matching elf_load's signature/class checks.
var ErrNotELF64 = fmt.Errorf("elf: not a little-endian ELF64 x86-64 executable")

// Load reads asset in full, validates its header the way elf_load does
// (ELF_SIGNATURE, ELF_ELF64, ELF_LITTLE_ENDIAN, ELF_MACH_X86_64), maps
// every PT_LOAD segment into as at p_vaddr+base, and returns the auxv
// fields a new thread's initial stack needs plus the PT_INTERP path if
// the binary names one.
func (loader) Load(as mm.AddressSpace, asset vfsio.Asset, base uint64) (Image, error) {
	raw, err := io.ReadAll(assetReader{asset})
	if err != nil {
		return Image{}, fmt.Errorf("elf: read image: %w", err)
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return Image{}, ErrNotELF64
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 {
		return Image{}, ErrNotELF64
	}

	var phdrAddr uint64
	var interp string
	var loadCount int
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_PHDR:
			phdrAddr = base + p.Vaddr
			continue
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
				return Image{}, fmt.Errorf("elf: read interp: %w", err)
			}
			interp = string(bytes.TrimRight(data, "\x00"))
			continue
		case elf.PT_LOAD:
		default:
			continue
		}
		loadCount++
		if err := as.MapFixed(base+p.Vaddr, p.Memsz); err != nil {
			return Image{}, fmt.Errorf("elf: map segment: %w", err)
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return Image{}, fmt.Errorf("elf: read segment: %w", err)
		}
		if err := as.Write(base+p.Vaddr, data); err != nil {
			return Image{}, fmt.Errorf("elf: write segment: %w", err)
		}
	}
	if loadCount == 0 {
		return Image{}, fmt.Errorf("elf: image has no PT_LOAD segments")
	}

	return Image{
		Aux: hostarch.Aux{
			Phnum: uint64(len(f.Progs)),
			Phent: 56, // sizeof(struct elf64_phdr)
			Phdr:  phdrAddr,
			Entry: base + f.Entry,
		},
		Interp: interp,
	}, nil
}

// assetReader adapts vfsio.Asset's Read to io.Reader for io.ReadAll.
type assetReader struct{ a vfsio.Asset }

func (r assetReader) Read(p []byte) (int, error) { return r.a.Read(p) }
