package ttydev

import "testing"

func TestOpenWriteReadRoundTrip(t *testing.T) {
	tty, err := Open()
	if err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	defer tty.Close()

	want := []byte("hello\n")
	go func() {
		if _, err := tty.Master().Write(want); err != nil {
			t.Error(err)
		}
	}()

	got := make([]byte, len(want))
	n, err := tty.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:n]) != string(want) {
		t.Fatalf("Read = %q, want %q", got[:n], want)
	}
}

func TestStatReportsCharDeviceMode(t *testing.T) {
	tty, err := Open()
	if err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	defer tty.Close()

	st, err := tty.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != 0o20000|0o620 {
		t.Fatalf("Mode = %o, want %o (S_IFCHR | crw--w----)", st.Mode, 0o20000|0o620)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tty, err := Open()
	if err != nil {
		t.Skipf("no pty available in this environment: %v", err)
	}
	if err := tty.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tty.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}
