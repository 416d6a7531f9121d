package vfsio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pipeBuf is shared state between the two ends of a pipe: a FIFO byte
// queue plus a condition variable readers block on until a writer
// produces data or the write side closes.
type pipeBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

// PipeReader is the read end of an in-kernel pipe.
type PipeReader struct{ buf *pipeBuf }

// PipeWriter is the write end of an in-kernel pipe.
type PipeWriter struct{ buf *pipeBuf }

var (
	_ Asset = (*PipeReader)(nil)
	_ Asset = (*PipeWriter)(nil)
)

// NewPipe returns a connected reader/writer asset pair backing the pipe
// syscall: bytes written to the writer become readable on the reader in
// FIFO order.
func NewPipe() (*PipeReader, *PipeWriter) {
	buf := &pipeBuf{}
	buf.cond = sync.NewCond(&buf.mu)
	return &PipeReader{buf: buf}, &PipeWriter{buf: buf}
}

// Read blocks until data is available or the write side has closed,
// then drains up to len(p) bytes. A closed, empty pipe reads as EOF
// (n == 0, nil error).
func (r *PipeReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, nil
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (r *PipeReader) Write(p []byte) (int, error) { return 0, unix.EBADF }

func (r *PipeReader) Ioctl(cmd uintptr, arg uintptr) (int, error) { return 0, unix.ENOTTY }

// Stat reports FIFO metadata (S_IFIFO).
func (r *PipeReader) Stat() (Stat, error) {
	return Stat{Mode: 0o10000 | 0o600}, nil
}

func (w *PipeWriter) Read(p []byte) (int, error) { return 0, unix.EBADF }

// Write appends p to the pipe and wakes any blocked reader. Writing to
// a closed pipe fails with EPIPE.
func (w *PipeWriter) Write(p []byte) (int, error) {
	b := w.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, unix.EPIPE
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (w *PipeWriter) Ioctl(cmd uintptr, arg uintptr) (int, error) { return 0, unix.ENOTTY }

// Stat reports FIFO metadata (S_IFIFO).
func (w *PipeWriter) Stat() (Stat, error) {
	return Stat{Mode: 0o10000 | 0o600}, nil
}

// Close marks the write side closed, releasing blocked readers with EOF.
func (w *PipeWriter) Close() error {
	b := w.buf
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}
