// Package ttydev implements the vfsio.Asset backing fd 0/1/2 for a
// task's controlling terminal.
package ttydev

import (
	"os"
	"sync"

	"github.com/kr/pty"

	"pastoral.dev/kernel/pkg/vfsio"
)

// TTY is a real host pseudo-terminal pair standing in for a
// PS/2-keyboard-and-framebuffer console: master is what a host-side
// harness drives (feeding input, capturing output), slave is the
// vfsio.Asset a task's fd table entry wraps.
type TTY struct {
	mu     sync.Mutex
	master *os.File
	slave  *os.File
	closed bool
}

var _ vfsio.Asset = (*TTY)(nil)

// Open allocates a fresh host pty pair.
func Open() (*TTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &TTY{master: master, slave: slave}, nil
}

// Read blocks until the task's side of the terminal has input
// available.
func (t *TTY) Read(p []byte) (int, error) {
	return t.slave.Read(p)
}

// Write sends p to the terminal.
func (t *TTY) Write(p []byte) (int, error) {
	return t.slave.Write(p)
}

// Ioctl is presently a no-op: TCGETS/TCSETS-style line discipline control
// has no simulated counterpart yet.
func (t *TTY) Ioctl(cmd uintptr, arg uintptr) (int, error) {
	return 0, nil
}

// Stat reports the fixed character-device metadata a controlling
// terminal has under Linux (TTYAUX_MAJOR): S_IFCHR plus the usual
// crw--w---- permission bits, which is what isatty keys on.
func (t *TTY) Stat() (vfsio.Stat, error) {
	return vfsio.Stat{Mode: 0o20000 | 0o620}, nil
}

// Master returns the host-facing end of the pty, for a test harness or
// boot console to drive interactively.
func (t *TTY) Master() *os.File { return t.master }

// Close releases both ends of the pty pair. Safe to call once; a second
// call is a no-op.
func (t *TTY) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.slave.Close()
	return t.master.Close()
}
