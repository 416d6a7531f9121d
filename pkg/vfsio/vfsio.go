// Package vfsio declares the file-descriptor / file abstraction the
// scheduler core needs from the (out-of-scope) VFS: a ref-counted
// FileHandle wrapping an Asset that knows how to read, write, and ioctl.
package vfsio

import "golang.org/x/sys/unix"

// FDFlags are the flags stored alongside a file descriptor table entry,
// as opposed to flags on the underlying open file.
type FDFlags struct {
	CloseOnExec bool
}

// Stat is the subset of file metadata execve needs to decide suid/sgid
// promotion.
type Stat struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	IsDir bool
}

const (
	modeSetUID = 0o4000
	modeSetGID = 0o2000
)

// IsSetUID reports whether st's mode has the set-user-ID bit.
func (st Stat) IsSetUID() bool { return st.Mode&modeSetUID != 0 }

// IsSetGID reports whether st's mode has the set-group-ID bit.
func (st Stat) IsSetGID() bool { return st.Mode&modeSetGID != 0 }

// Asset is the read/write/ioctl surface behind a file_handle, backed by
// a device driver, a regular file, or (for fd 0/1/2) a TTY.
type Asset interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Ioctl(cmd uintptr, arg uintptr) (int, error)
	Stat() (Stat, error)
}

// Chmodder is implemented by assets whose permission bits can be
// rewritten in place (fchmod).
type Chmodder interface {
	Chmod(mode uint32) error
}

// Chowner is implemented by assets whose owner can be rewritten in
// place (fchownat).
type Chowner interface {
	Chown(uid, gid uint32) error
}

// Filesystem is the path-resolution surface the kernel core needs from
// the out-of-scope VFS: open a path to an Asset plus its metadata, and
// enumerate a directory. Both the in-memory fake and the host-backed
// implementation satisfy it.
type Filesystem interface {
	Open(path string) (Asset, Stat, error)
	ReadDir(path string) ([]string, error)
}

// FileHandle is the shared, reference-counted object that one or more
// fd table entries refer to. Cloning an fd (dup, fork) increments the
// refcount; closing decrements it; the asset is only closed on the
// last release.
type FileHandle struct {
	Asset Asset
	Flags FDFlags

	// Path is the name the handle was opened under, when one exists;
	// readdir resolves a directory fd back to its entries through it.
	Path string

	refs *int
}

// NewFileHandle wraps asset in a FileHandle with an initial refcount of 1.
func NewFileHandle(asset Asset, flags FDFlags) *FileHandle {
	refs := 1
	return &FileHandle{Asset: asset, Flags: flags, refs: &refs}
}

// IncRef increments the handle's refcount, returning the same handle for
// convenient chaining at a new fd table slot.
func (h *FileHandle) IncRef() *FileHandle {
	*h.refs++
	return h
}

// Close decrements the handle's refcount and closes the underlying asset
// once it reaches zero. Closers past that point are ineffective, the way
// a stale shared pointer would be.
func (h *FileHandle) Close() {
	*h.refs--
	if *h.refs > 0 {
		return
	}
	if closer, ok := h.Asset.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// RefCount reports the handle's current reference count, for tests.
func (h *FileHandle) RefCount() int { return *h.refs }

// CheckAccess reports whether st grants the requested permission bits
// (X_OK, etc.), the check execve runs before replacing an image. Only
// the world-permission bits are honored by this simplified model (no
// full owner/group bit matrix), since the VFS collaborator that would
// own full permission semantics is out of scope.
func CheckAccess(st Stat, want uint32) error {
	if st.Mode&want == want {
		return nil
	}
	return unix.EACCES
}
