package hostarch

import "testing"

func TestStackSelector(t *testing.T) {
	if got := StackSelector(UserCS); got != UserCS-8 {
		t.Fatalf("StackSelector(user) = %#x, want %#x", got, UserCS-8)
	}
	if got := StackSelector(KernelCS); got != KernelCS+8 {
		t.Fatalf("StackSelector(kernel) = %#x, want %#x", got, KernelCS+8)
	}
}

func TestBuildInitialStackLayout(t *testing.T) {
	const top = 0x7fff00000000
	buf := make([]byte, 4096)
	args := Arguments{Argv: []string{"sh"}, Envp: []string{"PATH=/"}}
	aux := Aux{Phnum: 3, Phent: 56, Phdr: 0x1000, Entry: 0x2000}

	rsp := BuildInitialStack(buf, top, args, aux)

	if rsp%16 != 0 {
		t.Fatalf("rsp = %#x is not 16-byte aligned", rsp)
	}
	if rsp >= top {
		t.Fatalf("rsp = %#x must be below top = %#x", rsp, top)
	}

	// argc sits at rsp.
	idx := int(top - rsp)
	argc := beU64(buf, len(buf)-idx)
	if argc != 1 {
		t.Fatalf("argc = %d, want 1", argc)
	}

	// Immediately above argc is the argv pointer array: argv[0] then NULL.
	argv0 := beU64(buf, len(buf)-idx+8)
	nul := beU64(buf, len(buf)-idx+16)
	if nul != 0 {
		t.Fatalf("argv terminator = %#x, want 0", nul)
	}
	if argv0 == 0 || argv0 >= top {
		t.Fatalf("argv[0] pointer = %#x looks invalid", argv0)
	}

	// The string it points to should read back as "sh".
	strOff := len(buf) - int(top-argv0)
	if got := string(buf[strOff : strOff+2]); got != "sh" {
		t.Fatalf("argv[0] string = %q, want %q", got, "sh")
	}
}

func beU64(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * uint(i))
	}
	return v
}
