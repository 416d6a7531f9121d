package vfsio

import (
	"os"
	"path/filepath"
)

// OSFS is a host-directory-backed Filesystem, rooting every lookup
// under a prefix the way runsc pins a container's rootfs. It is what
// cmd/pastoralctl hands the kernel so execve and open can resolve paths
// against a real directory tree.
type OSFS struct {
	root string
}

var _ Filesystem = (*OSFS)(nil)

// NewOSFS returns a Filesystem resolving paths under root.
func NewOSFS(root string) *OSFS {
	return &OSFS{root: root}
}

func (fs *OSFS) hostPath(path string) string {
	return filepath.Join(fs.root, filepath.Clean("/"+path))
}

// Open opens path relative to the root and returns it as an Asset with
// its stat bits.
func (fs *OSFS) Open(path string) (Asset, Stat, error) {
	f, err := OpenOSFile(fs.hostPath(path))
	if err != nil {
		return nil, Stat{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Stat{}, err
	}
	return f, st, nil
}

// ReadDir lists the names in the directory at path.
func (fs *OSFS) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(fs.hostPath(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
