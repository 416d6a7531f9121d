// Package hostarch holds the x86-64 segment-selector constants and the
// argv/envp/auxv user-stack layout builder that task_exec relies on.
package hostarch

// Segment selectors and flags required by the loader.
const (
	// UserCS is the code selector installed in a thread's saved frame
	// when it enters user mode for the first time.
	UserCS = 0x43
	// KernelCS is the code selector for a kernel-mode task (cs & 0x3 == 0).
	KernelCS = 0x08
	// RFlagsIF is rflags with only the interrupt-enable bit set, the
	// value every newly constructed thread starts with.
	RFlagsIF = 0x202
)

// StackSelector returns the stack-segment selector paired with cs:
// user code gets ss = cs-8, kernel code gets ss = cs+8.
func StackSelector(cs uint16) uint16 {
	if cs&0x3 != 0 {
		return cs - 8
	}
	return cs + 8
}

// Aux mirrors the auxiliary vector entries the ELF loader hands back.
type Aux struct {
	Phnum uint64
	Phent uint64
	Phdr  uint64
	Entry uint64
}

// Arguments bundles argv/envp for stack layout.
type Arguments struct {
	Argv []string
	Envp []string
}

// auxEntryCount is the number of (key, value) uint64 pairs written for
// AT_PHNUM, AT_PHENT, AT_PHDR, AT_ENTRY, and the null terminator pair.
const auxEntryCount = 5

// BuildInitialStack lays out argv/envp strings, the auxv, the envp
// pointer array, the argv pointer array, and argc on a fresh user
// stack: strings grow down from top, then the 16-byte-aligned pointer
// tables grow down from there, argc last (lowest address). top is the
// stack's initial (highest) address;
// the returned value is the rsp a thread should resume at.
//
// buf must be large enough to hold the full layout; buf[i] stands for
// the address top-len(buf)+i, and the returned rsp is an address in that
// same range (not an index into buf).
func BuildInitialStack(buf []byte, top uint64, args Arguments, aux Aux) (rsp uint64) {
	pos := len(buf)

	// Copy envp/argv strings, recording their resulting addresses.
	envpAddrs := make([]uint64, len(args.Envp))
	for i, s := range args.Envp {
		pos -= len(s) + 1
		copy(buf[pos:], s)
		buf[pos+len(s)] = 0
		envpAddrs[i] = top - uint64(len(buf)-pos)
	}
	argvAddrs := make([]uint64, len(args.Argv))
	for i, s := range args.Argv {
		pos -= len(s) + 1
		copy(buf[pos:], s)
		buf[pos+len(s)] = 0
		argvAddrs[i] = top - uint64(len(buf)-pos)
	}

	// 16-byte align what remains, then compensate for an odd
	// pointer-table element count so the final rsp stays aligned.
	pos -= pos % 16
	total := len(args.Argv) + len(args.Envp) + 1
	if total%2 != 0 {
		pos -= 8
	}

	// auxv: (AT_PHNUM, phnum) (AT_PHENT, phent) (AT_PHDR, phdr)
	// (AT_ENTRY, entry) (0, 0).
	pos -= auxEntryCount * 2 * 8
	auxBase := pos
	putAuxPair(buf, auxBase+0*16, atPhnum, aux.Phnum)
	putAuxPair(buf, auxBase+1*16, atPhent, aux.Phent)
	putAuxPair(buf, auxBase+2*16, atPhdr, aux.Phdr)
	putAuxPair(buf, auxBase+3*16, atEntry, aux.Entry)
	putAuxPair(buf, auxBase+4*16, 0, 0)

	// envp pointer array + NULL terminator.
	pos -= 8
	putU64(buf, pos, 0)
	for i := len(envpAddrs) - 1; i >= 0; i-- {
		pos -= 8
		putU64(buf, pos, envpAddrs[i])
	}

	// argv pointer array + NULL terminator.
	pos -= 8
	putU64(buf, pos, 0)
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		pos -= 8
		putU64(buf, pos, argvAddrs[i])
	}

	// argc.
	pos -= 8
	putU64(buf, pos, uint64(len(args.Argv)))

	return top - uint64(len(buf)-pos)
}

// AT_* auxiliary vector tag values.
const (
	atPhdr  = 3
	atPhent = 4
	atPhnum = 5
	atEntry = 9
)

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * uint(i)))
	}
}

func putAuxPair(buf []byte, off int, key, val uint64) {
	putU64(buf, off, key)
	putU64(buf, off+8, val)
}
