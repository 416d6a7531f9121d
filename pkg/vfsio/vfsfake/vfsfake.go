// Package vfsfake provides an in-memory vfsio.Asset and Filesystem
// sufficient to drive fd-table, execve, and ioctl-bearing tests without
// a real filesystem.
package vfsfake

import (
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"pastoral.dev/kernel/pkg/vfsio"
)

// File is a growable in-memory regular file with its own read cursor.
// Writes append; Seek repositions the cursor.
type File struct {
	mu   sync.Mutex
	data []byte
	off  int
	stat vfsio.Stat
}

// NewFile returns a File preloaded with contents and the given stat,
// ready to be wrapped in a vfsio.FileHandle.
func NewFile(contents []byte, stat vfsio.Stat) *File {
	return &File{data: append([]byte(nil), contents...), stat: stat}
}

var (
	_ vfsio.Asset    = (*File)(nil)
	_ vfsio.Chmodder = (*File)(nil)
	_ vfsio.Chowner  = (*File)(nil)
	_ io.Seeker      = (*File)(nil)
)

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p...)
	return len(p), nil
}

// Seek repositions the read cursor (lseek through the seek syscall).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(f.off) + offset
	case io.SeekEnd:
		next = int64(len(f.data)) + offset
	default:
		return 0, unix.EINVAL
	}
	if next < 0 {
		return 0, unix.EINVAL
	}
	f.off = int(next)
	return next, nil
}

func (f *File) Ioctl(cmd uintptr, arg uintptr) (int, error) {
	return 0, unix.ENOTTY // regular files never support ioctl
}

func (f *File) Stat() (vfsio.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stat, nil
}

// Chmod replaces the file's permission bits, keeping the file-type and
// suid/sgid bits intact.
func (f *File) Chmod(mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stat.Mode = f.stat.Mode&^0o777 | mode&0o777
	return nil
}

// Chown rewrites the file's owner.
func (f *File) Chown(uid, gid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stat.UID, f.stat.GID = uid, gid
	return nil
}

// Bytes returns a snapshot of the file's current contents, for tests.
func (f *File) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

// FS is a flat, path-keyed in-memory filesystem used by execve and open
// to resolve assets and by tests to seed fds. Directories are implicit:
// a path is a directory iff some file lives under it.
type FS struct {
	mu    sync.Mutex
	files map[string]*File
}

var _ vfsio.Filesystem = (*FS)(nil)

// NewFS returns an empty filesystem.
func NewFS() *FS {
	return &FS{files: make(map[string]*File)}
}

// Put installs contents at path with the given stat, overwriting any
// existing entry.
func (fs *FS) Put(path string, contents []byte, stat vfsio.Stat) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[clean(path)] = NewFile(contents, stat)
}

// Open resolves path to a fresh Asset view over the stored file. Each
// open gets its own read cursor but shares the stored bytes and stat,
// so a chmod through one view is visible to every later open. A path
// with files beneath it resolves to a synthetic directory asset.
func (fs *FS) Open(path string) (vfsio.Asset, vfsio.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path = clean(path)
	if f, ok := fs.files[path]; ok {
		return &fileView{file: f}, mustStat(f), nil
	}
	if fs.hasChildrenLocked(path) {
		st := vfsio.Stat{Mode: 0o40000 | 0o755, IsDir: true}
		return NewFile(nil, st), st, nil
	}
	return nil, vfsio.Stat{}, unix.ENOENT
}

// fileView is one open's cursor over a shared stored File.
type fileView struct {
	mu   sync.Mutex
	file *File
	off  int
}

var (
	_ vfsio.Asset    = (*fileView)(nil)
	_ vfsio.Chmodder = (*fileView)(nil)
	_ vfsio.Chowner  = (*fileView)(nil)
	_ io.Seeker      = (*fileView)(nil)
)

func (v *fileView) Read(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data := v.file.Bytes()
	if v.off >= len(data) {
		return 0, io.EOF
	}
	n := copy(p, data[v.off:])
	v.off += n
	return n, nil
}

func (v *fileView) Write(p []byte) (int, error) { return v.file.Write(p) }

func (v *fileView) Seek(offset int64, whence int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(v.off) + offset
	case io.SeekEnd:
		next = int64(len(v.file.Bytes())) + offset
	default:
		return 0, unix.EINVAL
	}
	if next < 0 {
		return 0, unix.EINVAL
	}
	v.off = int(next)
	return next, nil
}

func (v *fileView) Ioctl(cmd uintptr, arg uintptr) (int, error) { return v.file.Ioctl(cmd, arg) }
func (v *fileView) Stat() (vfsio.Stat, error)                   { return v.file.Stat() }
func (v *fileView) Chmod(mode uint32) error                     { return v.file.Chmod(mode) }
func (v *fileView) Chown(uid, gid uint32) error                 { return v.file.Chown(uid, gid) }

// ReadDir lists the immediate child names of the directory at path.
func (fs *FS) ReadDir(path string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prefix := clean(path)
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	for p := range fs.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}
	if len(seen) == 0 {
		return nil, unix.ENOENT
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FS) hasChildrenLocked(path string) bool {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for p := range fs.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func clean(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for strings.HasSuffix(path, "/") && len(path) > 1 {
		path = path[:len(path)-1]
	}
	return path
}

func mustStat(f *File) vfsio.Stat {
	st, _ := f.Stat()
	return st
}
