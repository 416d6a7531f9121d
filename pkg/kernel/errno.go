package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is the per-syscall failure value returned out-of-band from
// rax == -1, the way a thread's errno cell works.
type Errno struct {
	unix.Errno
}

func errno(e unix.Errno) error { return &Errno{e} }

func (e *Errno) Error() string { return e.Errno.Error() }

// Unwrap lets callers use errors.Is(err, unix.ESRCH) and friends.
func (e *Errno) Unwrap() error { return e.Errno }

var (
	errESRCH  = errno(unix.ESRCH)
	errEPERM  = errno(unix.EPERM)
	errEACCES = errno(unix.EACCES)
	errENOENT = errno(unix.ENOENT)
	errEIO    = errno(unix.EIO)
	errEINVAL = errno(unix.EINVAL)
)

// panicf reports an invariant violation — a NULL CURRENT_TASK where the
// original would panic the kernel, not a recoverable user-facing error.
func panicf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
