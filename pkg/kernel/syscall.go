package kernel

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/kernel/auth"
	"pastoral.dev/kernel/pkg/kernel/klog"
	"pastoral.dev/kernel/pkg/vfsio"
)

// Syscall numbers. The table is bit-exact and must be preserved.
const (
	SysOpen = iota
	SysClose
	SysRead
	SysWrite
	SysSeek
	SysDup
	SysDup2
	SysMmap
	SysMunmap
	SysSetFSBase
	SysSetGSBase
	SysGetFSBase
	SysGetGSBase
	SysSyslog
	SysExit
	SysGetpid
	SysGettid
	SysGetppid
	SysIsatty
	SysFcntl
	SysFstat
	SysFstatat
	SysIoctl
	SysFork
	SysWaitpid
	SysReaddir
	SysExecve
	SysGetcwd
	SysChdir
	SysFaccessat
	SysPipe
	SysUmask
	SysGetuid
	SysGeteuid
	SysSetuid
	SysSeteuid
	SysGetgid
	SysGetegid
	SysSetgid
	SysSetegid
	SysFchmod
	SysFchmodat
	SysFchownat
	SysSigaction
	SysSigpending
	SysSigprocmask
	SysKill
	SysSetpgid
	SysGetpgid
	SysSetsid
	SysGetsid

	sysMax
)

// syscallNames names each syscall number for diagnostics and Dispatch's
// "handler is present but null" panic path.
var syscallNames = [sysMax]string{
	SysOpen: "open", SysClose: "close", SysRead: "read", SysWrite: "write",
	SysSeek: "seek", SysDup: "dup", SysDup2: "dup2", SysMmap: "mmap",
	SysMunmap: "munmap", SysSetFSBase: "set_fs_base", SysSetGSBase: "set_gs_base",
	SysGetFSBase: "get_fs_base", SysGetGSBase: "get_gs_base", SysSyslog: "syslog",
	SysExit: "exit", SysGetpid: "getpid", SysGettid: "gettid", SysGetppid: "getppid",
	SysIsatty: "isatty", SysFcntl: "fcntl", SysFstat: "fstat", SysFstatat: "fstatat",
	SysIoctl: "ioctl", SysFork: "fork", SysWaitpid: "waitpid", SysReaddir: "readdir",
	SysExecve: "execve", SysGetcwd: "getcwd", SysChdir: "chdir", SysFaccessat: "faccessat",
	SysPipe: "pipe", SysUmask: "umask", SysGetuid: "getuid", SysGeteuid: "geteuid",
	SysSetuid: "setuid", SysSeteuid: "seteuid", SysGetgid: "getgid", SysGetegid: "getegid",
	SysSetgid: "setgid", SysSetegid: "setegid", SysFchmod: "fchmod", SysFchmodat: "fchmodat",
	SysFchownat: "fchownat", SysSigaction: "sigaction", SysSigpending: "sigpending",
	SysSigprocmask: "sigprocmask", SysKill: "kill", SysSetpgid: "setpgid",
	SysGetpgid: "getpgid", SysSetsid: "setsid", SysGetsid: "getsid",
}

// Handler implements one syscall's body against the calling task/thread
// and its saved register frame; it writes its return value into
// frame.Rax (or -1 plus the thread's errno on failure), matching the
// x86-64 SYSV calling convention.
type Handler func(k *Kernel, task *Task, thread *Thread, frame *Frame)

// Dispatch invokes the handler registered for syscall number num (on
// x86-64 the caller takes it from Rax on entry; Dispatch itself does not
// read frame.Rax). An unregistered number or a present-but-nil handler is an
// invariant violation and panics the kernel, not a recoverable error.
func (k *Kernel) Dispatch(num int, task *Task, thread *Thread, frame *Frame) {
	if num < 0 || num >= sysMax {
		panicf("kernel: syscall dispatch out of range: %d", num)
	}
	handler := syscallTable[num]
	if handler == nil {
		panicf("kernel: syscall %d (%s) has no handler", num, syscallNames[num])
	}
	handler(k, task, thread, frame)
}

func fail(thread *Thread, frame *Frame, errnoVal unix.Errno) {
	thread.mu.Lock()
	thread.Errno = int(errnoVal)
	thread.mu.Unlock()
	frame.Rax = ^uint64(0) // -1
}

// failErr maps a kernel error (usually an *Errno) onto the thread's
// errno cell, defaulting to EIO for anything untyped.
func failErr(thread *Thread, frame *Frame, err error) {
	var kerr *Errno
	if errors.As(err, &kerr) {
		fail(thread, frame, kerr.Errno)
		return
	}
	var uerr unix.Errno
	if errors.As(err, &uerr) {
		fail(thread, frame, uerr)
		return
	}
	fail(thread, frame, unix.EIO)
}

// statRecord is the fixed 16-byte layout fstat/fstatat write into the
// caller's buffer: mode, uid, gid, and an is-directory flag, each a
// 32-bit little-endian word.
func statRecord(st vfsio.Stat) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], st.Mode)
	binary.LittleEndian.PutUint32(buf[4:], st.UID)
	binary.LittleEndian.PutUint32(buf[8:], st.GID)
	if st.IsDir {
		binary.LittleEndian.PutUint32(buf[12:], 1)
	}
	return buf
}

// openPath resolves a user-memory path through the kernel's filesystem.
func openPath(k *Kernel, t *Task, th *Thread, f *Frame, addr uint64) (string, vfsio.Asset, vfsio.Stat, bool) {
	path, err := copyInString(t, addr, maxPathLen)
	if err != nil {
		fail(th, f, unix.EFAULT)
		return "", nil, vfsio.Stat{}, false
	}
	if k.fs == nil {
		fail(th, f, unix.ENOENT)
		return "", nil, vfsio.Stat{}, false
	}
	resolved := resolvePath(t, path)
	asset, st, err := k.fs.Open(resolved)
	if err != nil {
		fail(th, f, unix.ENOENT)
		return "", nil, vfsio.Stat{}, false
	}
	return resolved, asset, st, true
}

var syscallTable = [sysMax]Handler{
	SysGetpid:  func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Pid) },
	SysGettid:  func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(th.Tid) },
	SysGetppid: func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Ppid) },

	SysGetuid:  func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Creds.RealUID) },
	SysGeteuid: func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Creds.EffectiveUID) },
	SysGetgid:  func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Creds.RealGID) },
	SysGetegid: func(k *Kernel, t *Task, th *Thread, f *Frame) { f.Rax = uint64(t.Creds.EffectiveGID) },

	SysSetuid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		if err := t.Creds.SetUID(auth.KUID(f.Rdi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysSeteuid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		if err := t.Creds.SetEUID(auth.KUID(f.Rdi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysSetgid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		if err := t.Creds.SetGID(auth.KGID(f.Rdi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysSetegid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		if err := t.Creds.SetEGID(auth.KGID(f.Rdi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},

	SysUmask: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		t.mu.Lock()
		old := t.Creds.Umask
		t.Creds.Umask = uint32(f.Rdi) & 0o777
		t.mu.Unlock()
		f.Rax = uint64(old)
	},

	SysSetFSBase: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		th.mu.Lock()
		th.UserFSBase = f.Rdi
		th.mu.Unlock()
		f.Rax = 0
	},
	SysGetFSBase: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		th.mu.Lock()
		f.Rax = th.UserFSBase
		th.mu.Unlock()
	},
	SysSetGSBase: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		th.mu.Lock()
		th.UserGSBase = f.Rdi
		th.mu.Unlock()
		f.Rax = 0
	},
	SysGetGSBase: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		th.mu.Lock()
		f.Rax = th.UserGSBase
		th.mu.Unlock()
	},

	SysSetpgid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		target := k.Translate(Pid(f.Rdi))
		if target == nil {
			fail(th, f, unix.ESRCH)
			return
		}
		if err := k.Setpgid(t, target, Pid(f.Rsi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysGetpgid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		pgid, err := k.Getpgid(Pid(f.Rdi))
		if err != nil {
			fail(th, f, unix.ESRCH)
			return
		}
		f.Rax = uint64(pgid)
	},
	SysSetsid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		sid, err := k.Setsid(t)
		if err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = uint64(sid)
	},
	SysGetsid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		sid, err := k.Getsid(Pid(f.Rdi))
		if err != nil {
			fail(th, f, unix.ESRCH)
			return
		}
		f.Rax = uint64(sid)
	},

	SysKill: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		target := k.Translate(Pid(f.Rdi))
		if target == nil {
			fail(th, f, unix.ESRCH)
			return
		}
		if err := k.Kill(target, int(f.Rsi)); err != nil {
			fail(th, f, unix.EINVAL)
			return
		}
		f.Rax = 0
	},
	SysSigpending: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		f.Rax = th.Sigpending()
	},
	SysSigprocmask: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		how, set := f.Rdi, f.Rsi
		old := th.Sigprocmask(set, func(old, set uint64) uint64 {
			switch how {
			case sigBlock:
				return old | set
			case sigUnblock:
				return old &^ set
			default: // SIG_SETMASK
				return set
			}
		})
		f.Rax = old
	},
	SysSigaction: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		signum := int(f.Rdi)
		action := Sigaction{Handler: uintptr(f.Rsi), SigInfo: f.Rdx&sigInfoFlag != 0}
		if _, err := t.Sigaction(signum, action); err != nil {
			fail(th, f, unix.EINVAL)
			return
		}
		f.Rax = 0
	},

	SysMmap: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		base, err := t.AddressSpace.NewAnonRegion(f.Rsi)
		if err != nil {
			fail(th, f, unix.ENOMEM)
			return
		}
		f.Rax = base
	},
	SysMunmap: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		if err := t.AddressSpace.Unmap(f.Rdi, f.Rsi); err != nil {
			fail(th, f, unix.EINVAL)
			return
		}
		f.Rax = 0
	},

	SysOpen: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		path, asset, _, ok := openPath(k, t, th, f, f.Rdi)
		if !ok {
			return
		}
		flags := vfsio.FDFlags{CloseOnExec: f.Rsi&unix.O_CLOEXEC != 0}
		handle := vfsio.NewFileHandle(asset, flags)
		handle.Path = path
		f.Rax = uint64(t.AddFD(handle))
	},
	SysClose: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		t.CloseFD(int(f.Rdi))
		f.Rax = 0
	},
	SysRead: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		buf := make([]byte, f.Rdx)
		n, err := handle.Asset.Read(buf)
		if err != nil && err != io.EOF && n == 0 {
			fail(th, f, unix.EIO)
			return
		}
		if n > 0 && f.Rsi != 0 {
			if err := copyOutBytes(t, f.Rsi, buf[:n]); err != nil {
				fail(th, f, unix.EFAULT)
				return
			}
		}
		f.Rax = uint64(n)
	},
	SysWrite: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		buf := make([]byte, f.Rdx)
		if f.Rdx > 0 {
			if err := t.AddressSpace.Read(f.Rsi, buf); err != nil {
				fail(th, f, unix.EFAULT)
				return
			}
		}
		n, err := handle.Asset.Write(buf)
		if err != nil {
			fail(th, f, unix.EIO)
			return
		}
		f.Rax = uint64(n)
	},
	SysSeek: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		seeker, ok := handle.Asset.(io.Seeker)
		if !ok {
			fail(th, f, unix.ESPIPE)
			return
		}
		pos, err := seeker.Seek(int64(f.Rsi), int(f.Rdx))
		if err != nil {
			fail(th, f, unix.EINVAL)
			return
		}
		f.Rax = uint64(pos)
	},
	SysDup: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		f.Rax = uint64(t.AddFD(handle.IncRef()))
	},
	SysDup2: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		newfd := int(f.Rsi)
		if newfd == int(f.Rdi) {
			f.Rax = uint64(newfd)
			return
		}
		t.CloseFD(newfd)
		t.InstallFD(newfd, handle.IncRef())
		f.Rax = uint64(newfd)
	},
	SysFcntl: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		switch f.Rsi {
		case unix.F_DUPFD:
			f.Rax = uint64(t.AddFD(handle.IncRef()))
		case unix.F_GETFD:
			if handle.Flags.CloseOnExec {
				f.Rax = unix.FD_CLOEXEC
			} else {
				f.Rax = 0
			}
		case unix.F_SETFD:
			handle.Flags.CloseOnExec = f.Rdx&unix.FD_CLOEXEC != 0
			f.Rax = 0
		default:
			fail(th, f, unix.EINVAL)
		}
	},
	SysFstat: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		st, err := handle.Asset.Stat()
		if err != nil {
			fail(th, f, unix.EIO)
			return
		}
		if err := copyOutBytes(t, f.Rsi, statRecord(st)); err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		f.Rax = 0
	},
	SysFstatat: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		_, _, st, ok := openPath(k, t, th, f, f.Rsi)
		if !ok {
			return
		}
		if err := copyOutBytes(t, f.Rdx, statRecord(st)); err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		f.Rax = 0
	},
	SysIoctl: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		ret, err := handle.Asset.Ioctl(uintptr(f.Rsi), uintptr(f.Rdx))
		if err != nil {
			fail(th, f, unix.ENOTTY)
			return
		}
		f.Rax = uint64(ret)
	},
	SysIsatty: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		st, err := handle.Asset.Stat()
		if err != nil || st.Mode&0o170000 != 0o20000 {
			fail(th, f, unix.ENOTTY)
			return
		}
		f.Rax = 1
	},
	SysReaddir: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		if handle.Path == "" || k.fs == nil {
			fail(th, f, unix.ENOTDIR)
			return
		}
		names, err := k.fs.ReadDir(handle.Path)
		if err != nil {
			fail(th, f, unix.ENOTDIR)
			return
		}
		idx := int(f.Rdx)
		if idx < 0 || idx >= len(names) {
			f.Rax = 0 // end of directory
			return
		}
		if err := copyOutBytes(t, f.Rsi, append([]byte(names[idx]), 0)); err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		f.Rax = 1
	},

	SysGetcwd: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		t.mu.Lock()
		cwd := t.Cwd
		t.mu.Unlock()
		if cwd == "" {
			cwd = "/"
		}
		if uint64(len(cwd)+1) > f.Rsi {
			fail(th, f, unix.ERANGE)
			return
		}
		if err := copyOutBytes(t, f.Rdi, append([]byte(cwd), 0)); err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		f.Rax = f.Rdi
	},
	SysChdir: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		path, _, st, ok := openPath(k, t, th, f, f.Rdi)
		if !ok {
			return
		}
		if !st.IsDir {
			fail(th, f, unix.ENOTDIR)
			return
		}
		t.mu.Lock()
		t.Cwd = path
		t.mu.Unlock()
		f.Rax = 0
	},
	SysFaccessat: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		_, _, st, ok := openPath(k, t, th, f, f.Rsi)
		if !ok {
			return
		}
		if err := vfsio.CheckAccess(st, uint32(f.Rdx)&0o7); err != nil {
			fail(th, f, unix.EACCES)
			return
		}
		f.Rax = 0
	},
	SysPipe: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		r, w := vfsio.NewPipe()
		rfd := t.AddFD(vfsio.NewFileHandle(r, vfsio.FDFlags{}))
		wfd := t.AddFD(vfsio.NewFileHandle(w, vfsio.FDFlags{}))
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:], uint32(rfd))
		binary.LittleEndian.PutUint32(buf[4:], uint32(wfd))
		if err := copyOutBytes(t, f.Rdi, buf); err != nil {
			t.CloseFD(rfd)
			t.CloseFD(wfd)
			fail(th, f, unix.EFAULT)
			return
		}
		f.Rax = 0
	},

	SysFchmod: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		handle := t.FD(int(f.Rdi))
		if handle == nil {
			fail(th, f, unix.EBADF)
			return
		}
		chmodder, ok := handle.Asset.(vfsio.Chmodder)
		if !ok {
			fail(th, f, unix.EPERM)
			return
		}
		if err := chmodder.Chmod(uint32(f.Rsi)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysFchmodat: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		_, asset, _, ok := openPath(k, t, th, f, f.Rsi)
		if !ok {
			return
		}
		chmodder, ok := asset.(vfsio.Chmodder)
		if !ok {
			fail(th, f, unix.EPERM)
			return
		}
		if err := chmodder.Chmod(uint32(f.Rdx)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},
	SysFchownat: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		_, asset, _, ok := openPath(k, t, th, f, f.Rsi)
		if !ok {
			return
		}
		chowner, ok := asset.(vfsio.Chowner)
		if !ok {
			fail(th, f, unix.EPERM)
			return
		}
		if err := chowner.Chown(uint32(f.Rdx), uint32(f.R10)); err != nil {
			fail(th, f, unix.EPERM)
			return
		}
		f.Rax = 0
	},

	SysSyslog: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		n := f.Rsi
		if n > maxArgLen {
			n = maxArgLen
		}
		buf := make([]byte, n)
		if n > 0 {
			if err := t.AddressSpace.Read(f.Rdi, buf); err != nil {
				fail(th, f, unix.EFAULT)
				return
			}
		}
		klog.ForTask(int(t.Pid), int(th.Tid)).Info(string(buf))
		f.Rax = uint64(n)
	},

	SysExit: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		k.Exit(t, int(f.Rdi))
	},
	SysFork: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		child, err := k.Fork(t, th)
		if err != nil {
			fail(th, f, unix.EAGAIN)
			return
		}
		f.Rax = uint64(child.Pid)
	},
	SysExecve: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		path, err := copyInString(t, f.Rdi, maxPathLen)
		if err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		argv, err := copyInStringArray(t, f.Rsi)
		if err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		envp, err := copyInStringArray(t, f.Rdx)
		if err != nil {
			fail(th, f, unix.EFAULT)
			return
		}
		if err := k.ExecvePath(t, path, hostarch.Arguments{Argv: argv, Envp: envp}); err != nil {
			failErr(th, f, err)
			return
		}
		// The calling thread never returns to its old instruction
		// stream; the grafted thread's frame is what runs next.
	},
	SysWaitpid: func(k *Kernel, t *Task, th *Thread, f *Frame) {
		pid, status, err := k.Waitpid(t, Pid(int64(f.Rdi)), int(f.Rdx))
		if err != nil {
			fail(th, f, unix.ECHILD)
			return
		}
		if f.Rsi != 0 {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(status))
			if err := copyOutBytes(t, f.Rsi, buf); err != nil {
				fail(th, f, unix.EFAULT)
				return
			}
		}
		f.Rax = uint64(pid)
	},
}

const (
	sigBlock = iota
	sigUnblock
	sigSetMask
)
