package kernel

import (
	"encoding/binary"
	"testing"

	"pastoral.dev/kernel/pkg/hostarch"
	"pastoral.dev/kernel/pkg/vfsio"
	"pastoral.dev/kernel/pkg/vfsio/vfsfake"
)

// buildInterpELF64 assembles an executable whose PT_INTERP names
// interp, mirroring pkg/elf's fixture.
func buildInterpELF64(t *testing.T, interp string) []byte {
	t.Helper()
	const (
		ehsize = 64
		phsize = 56
		phnum  = 2
	)
	interpOff := uint64(ehsize + phnum*phsize)
	entry := interpOff + uint64(len(interp)) + 1
	payload := []byte{0xC3}
	total := int(entry) + len(payload)

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], 2)
	binary.LittleEndian.PutUint16(buf[18:], 0x3e)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phsize)
	binary.LittleEndian.PutUint16(buf[56:], phnum)

	ph0 := buf[ehsize : ehsize+phsize]
	binary.LittleEndian.PutUint32(ph0[0:], 3) // PT_INTERP
	binary.LittleEndian.PutUint64(ph0[8:], interpOff)
	binary.LittleEndian.PutUint64(ph0[32:], uint64(len(interp)+1))
	binary.LittleEndian.PutUint64(ph0[40:], uint64(len(interp)+1))

	ph1 := buf[ehsize+phsize : ehsize+2*phsize]
	binary.LittleEndian.PutUint32(ph1[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph1[4:], 5)
	binary.LittleEndian.PutUint64(ph1[32:], uint64(total))
	binary.LittleEndian.PutUint64(ph1[40:], uint64(total))
	binary.LittleEndian.PutUint64(ph1[48:], 0x1000)

	copy(buf[interpOff:], interp)
	copy(buf[entry:], payload)
	return buf
}

func TestTaskExecLoadsInterpreterAtBias(t *testing.T) {
	k, fs := newTestKernelFS()
	fs.Put("/lib/ld.so", buildMinimalELF64(t), vfsio.Stat{Mode: 0o755})

	img := buildInterpELF64(t, "/lib/ld.so")
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	task, err := k.TaskExec("/bin/dyn", asset, hostarch.UserCS, hostarch.Arguments{Argv: []string{"dyn"}}, StatusWaiting, nil)
	if err != nil {
		t.Fatalf("TaskExec: %v", err)
	}

	thread := firstThread(task)
	if thread.Regs.Rip < interpBias {
		t.Fatalf("Rip = %#x, want interpreter entry at or above %#x", thread.Regs.Rip, uint64(interpBias))
	}
}

func TestTaskExecMissingInterpreterFails(t *testing.T) {
	k, _ := newTestKernelFS()
	img := buildInterpELF64(t, "/lib/ld.so")
	asset := vfsfake.NewFile(img, vfsio.Stat{Mode: 0o755})
	if _, err := k.TaskExec("/bin/dyn", asset, hostarch.UserCS, hostarch.Arguments{}, StatusWaiting, nil); err != errENOENT {
		t.Fatalf("TaskExec without interpreter on disk: err = %v, want errENOENT", err)
	}
}

func TestExecvePathReplacesImageInPlace(t *testing.T) {
	k, fs := newTestKernelFS()
	task, err := k.TaskExec("/init", testAsset(t), hostarch.UserCS, hostarch.Arguments{Argv: []string{"init"}}, StatusWaiting, nil)
	if err != nil {
		t.Fatalf("TaskExec: %v", err)
	}
	pid := task.Pid

	keep := vfsio.NewFileHandle(vfsfake.NewFile(nil, vfsio.Stat{}), vfsio.FDFlags{})
	drop := vfsio.NewFileHandle(vfsfake.NewFile(nil, vfsio.Stat{}), vfsio.FDFlags{CloseOnExec: true})
	keepFD := task.AddFD(keep)
	dropFD := task.AddFD(drop)

	fs.Put("/bin/sh", buildMinimalELF64(t), vfsio.Stat{Mode: 0o755})
	if err := k.ExecvePath(task, "/bin/sh", hostarch.Arguments{Argv: []string{"sh"}, Envp: []string{"PATH=/"}}); err != nil {
		t.Fatalf("ExecvePath: %v", err)
	}

	if task.Pid != pid {
		t.Fatalf("pid changed across execve: %d -> %d", pid, task.Pid)
	}
	if !task.HasExecved {
		t.Fatal("HasExecved not set after execve")
	}
	if k.Translate(pid) != task {
		t.Fatal("task table no longer maps pid to the execve'd task")
	}
	if task.FD(dropFD) != nil {
		t.Fatal("O_CLOEXEC descriptor survived execve")
	}
	if task.FD(keepFD) == nil {
		t.Fatal("plain descriptor did not survive execve")
	}

	thread := task.Thread(0)
	if thread == nil {
		t.Fatal("no thread 0 after execve")
	}
	if thread.Regs.Cs != hostarch.UserCS || thread.Regs.Rip == 0 {
		t.Fatalf("grafted thread frame = cs %#x rip %#x, want user cs and nonzero rip", thread.Regs.Cs, thread.Regs.Rip)
	}

	if err := k.Setpgid(task, task, 5); err != errEPERM {
		t.Fatalf("Setpgid after execve: err = %v, want errEPERM", err)
	}
}

func TestExecvePathDeniesWithoutExecutePermission(t *testing.T) {
	k, fs := newTestKernelFS()
	task, err := k.TaskExec("/init", testAsset(t), hostarch.UserCS, hostarch.Arguments{}, StatusWaiting, nil)
	if err != nil {
		t.Fatalf("TaskExec: %v", err)
	}

	fs.Put("/bin/noexec", buildMinimalELF64(t), vfsio.Stat{Mode: 0o644})
	if err := k.ExecvePath(task, "/bin/noexec", hostarch.Arguments{}); err != errEACCES {
		t.Fatalf("ExecvePath on non-executable: err = %v, want errEACCES", err)
	}
}

func TestExecvePathUnknownPathFails(t *testing.T) {
	k, _ := newTestKernelFS()
	task, err := k.TaskExec("/init", testAsset(t), hostarch.UserCS, hostarch.Arguments{}, StatusWaiting, nil)
	if err != nil {
		t.Fatalf("TaskExec: %v", err)
	}
	if err := k.ExecvePath(task, "/no/such/binary", hostarch.Arguments{}); err != errENOENT {
		t.Fatalf("ExecvePath on missing path: err = %v, want errENOENT", err)
	}
}

func TestExecveSetuidPromotesEffectiveUID(t *testing.T) {
	k, fs := newTestKernelFS()
	task, err := k.TaskExec("/init", testAsset(t), hostarch.UserCS, hostarch.Arguments{}, StatusWaiting, nil)
	if err != nil {
		t.Fatalf("TaskExec: %v", err)
	}

	fs.Put("/bin/passwd", buildMinimalELF64(t), vfsio.Stat{Mode: 0o4755, UID: 500})
	if err := k.ExecvePath(task, "/bin/passwd", hostarch.Arguments{}); err != nil {
		t.Fatalf("ExecvePath: %v", err)
	}
	if task.Creds.EffectiveUID != 500 {
		t.Fatalf("EffectiveUID = %d, want 500 (setuid binary owner)", task.Creds.EffectiveUID)
	}
	if task.Creds.SavedUID != 500 {
		t.Fatalf("SavedUID = %d, want 500", task.Creds.SavedUID)
	}
}
