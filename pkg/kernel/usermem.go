package kernel

import (
	"encoding/binary"
	"path"
)

// maxPathLen and maxArgLen bound how far the copy-in helpers will chase
// an unterminated user string before giving up.
const (
	maxPathLen = 4096
	maxArgLen  = 4096
	maxArgs    = 256
)

// copyInString reads a NUL-terminated string out of task's user memory
// at addr.
func copyInString(t *Task, addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", errEINVAL
	}
	var out []byte
	buf := make([]byte, 64)
	for len(out) < max {
		if err := t.AddressSpace.Read(addr, buf); err != nil {
			return "", err
		}
		for i, b := range buf {
			if b == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
		addr += uint64(len(buf))
	}
	return "", errEINVAL
}

// copyInStringArray reads a NULL-terminated array of string pointers
// (argv/envp) out of task's user memory at addr. A zero addr reads as
// an empty array, matching execve(path, NULL, NULL).
func copyInStringArray(t *Task, addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	ptr := make([]byte, 8)
	for len(out) < maxArgs {
		if err := t.AddressSpace.Read(addr, ptr); err != nil {
			return nil, err
		}
		p := binary.LittleEndian.Uint64(ptr)
		if p == 0 {
			return out, nil
		}
		s, err := copyInString(t, p, maxArgLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		addr += 8
	}
	return nil, errEINVAL
}

// copyOutBytes writes p into task's user memory at addr.
func copyOutBytes(t *Task, addr uint64, p []byte) error {
	return t.AddressSpace.Write(addr, p)
}

// resolvePath turns a possibly-relative user path into an absolute one
// against task's working directory.
func resolvePath(t *Task, p string) string {
	if p == "" {
		return p
	}
	if p[0] == '/' {
		return path.Clean(p)
	}
	cwd := t.Cwd
	if cwd == "" {
		cwd = "/"
	}
	return path.Join(cwd, p)
}
