package kernel

import "pastoral.dev/kernel/pkg/hostarch"

// Frame is a thread's saved CPU register state, the Go-side struct a
// reschedule saves into and loads out of in place of a real interrupt
// frame on the kernel stack.
type Frame struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Rip    uint64
	Cs     uint16
	Rflags uint64
	Rsp    uint64
	Ss     uint16
}

// NewUserFrame returns the initial frame for a thread entering user
// mode at entry with the given stack pointer.
func NewUserFrame(entry, rsp uint64) Frame {
	return Frame{
		Rip:    entry,
		Cs:     hostarch.UserCS,
		Ss:     hostarch.StackSelector(hostarch.UserCS),
		Rflags: hostarch.RFlagsIF,
		Rsp:    rsp,
	}
}

// NewKernelFrame returns the initial frame for a kernel-mode task (no
// ELF image, no user stack — used for the idle/init bootstrap path).
func NewKernelFrame(entry, rsp uint64) Frame {
	return Frame{
		Rip:    entry,
		Cs:     hostarch.KernelCS,
		Ss:     hostarch.StackSelector(hostarch.KernelCS),
		Rflags: hostarch.RFlagsIF,
		Rsp:    rsp,
	}
}
