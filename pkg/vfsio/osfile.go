package vfsio

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// OSFile is a real, host-backed Asset wrapping an *os.File, the only
// Asset in this repository backed by a host file (the others are the
// ttydev pty, the in-kernel pipe ends, and vfsfake): cmd/pastoralctl needs to read an
// actual ELF image and stat bits off the host filesystem at boot time,
// and the out-of-scope VFS that would otherwise supply this has no
// in-tree implementation to call.
type OSFile struct {
	mu   sync.Mutex
	file *os.File
}

var _ Asset = (*OSFile)(nil)

// OpenOSFile opens path read-only and wraps it as an Asset.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &OSFile{file: f}, nil
}

func (f *OSFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Read(p)
}

func (f *OSFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Write(p)
}

func (f *OSFile) Ioctl(cmd uintptr, arg uintptr) (int, error) {
	return 0, unix.ENOTTY
}

// Stat reports the host file's mode, uid, and gid, the bits execve needs
// for the execute-permission check and suid/sgid promotion.
func (f *OSFile) Stat() (Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := f.file.Stat()
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Mode: uint32(info.Mode().Perm()), IsDir: info.IsDir()}
	if sys, ok := info.Sys().(*unix.Stat_t); ok {
		st.UID = sys.Uid
		st.GID = sys.Gid
		if sys.Mode&unix.S_ISUID != 0 {
			st.Mode |= 0o4000
		}
		if sys.Mode&unix.S_ISGID != 0 {
			st.Mode |= 0o2000
		}
	}
	return st, nil
}

// Close releases the underlying host file descriptor.
func (f *OSFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}
