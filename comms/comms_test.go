package comms

import (
	"bytes"
	"os"
	"testing"

	"github.com/sandbox2-go/sandbox2/pkg/unixsocket"
)

func newPair(t *testing.T) (*Comms, *Comms) {
	t.Helper()
	a, b, err := unixsocket.NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	return NewFromSocket(a), NewFromSocket(b)
}

func TestTLVRoundTrip(t *testing.T) {
	a, b := newPair(t)
	defer a.Terminate()
	defer b.Terminate()

	want := []byte("hello sandboxee")
	go func() {
		if err := a.SendTLV(0x1234, want); err != nil {
			t.Error(err)
		}
	}()

	tag, val, err := b.RecvTLV()
	if err != nil {
		t.Fatal(err)
	}
	if tag != 0x1234 {
		t.Errorf("tag = %#x, want %#x", tag, 0x1234)
	}
	if !bytes.Equal(val, want) {
		t.Errorf("value = %q, want %q", val, want)
	}
}

func TestScalarRoundTrip(t *testing.T) {
	a, b := newPair(t)
	defer a.Terminate()
	defer b.Terminate()

	go func() {
		a.SendBool(true)
		a.SendInt32(-42)
		a.SendUint64(0xdeadbeef)
		a.SendString("profile")
	}()

	if v, err := b.RecvBool(); err != nil || v != true {
		t.Errorf("RecvBool = %v, %v", v, err)
	}
	if v, err := b.RecvInt32(); err != nil || v != -42 {
		t.Errorf("RecvInt32 = %v, %v", v, err)
	}
	if v, err := b.RecvUint64(); err != nil || v != 0xdeadbeef {
		t.Errorf("RecvUint64 = %v, %v", v, err)
	}
	if v, err := b.RecvString(); err != nil || v != "profile" {
		t.Errorf("RecvString = %q, %v", v, err)
	}
}

func TestTagMismatchDoesNotCorruptStream(t *testing.T) {
	a, b := newPair(t)
	defer a.Terminate()
	defer b.Terminate()

	go func() {
		a.SendString("not a bool")
		a.SendBool(true)
	}()

	if _, err := b.RecvBool(); err != ErrTagMismatch {
		t.Fatalf("first RecvBool err = %v, want ErrTagMismatch", err)
	}
	if v, err := b.RecvBool(); err != nil || v != true {
		t.Fatalf("second RecvBool = %v, %v, want true, nil", v, err)
	}
}

func TestSendRecvFD(t *testing.T) {
	a, b := newPair(t)
	defer a.Terminate()
	defer b.Terminate()

	f, err := os.CreateTemp("", "comms-fd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	go func() {
		a.SendFD(int(f.Fd()))
	}()

	fd, err := b.RecvFD()
	if err != nil {
		t.Fatal(err)
	}
	defer os.NewFile(uintptr(fd), "").Close()
	if fd < 0 {
		t.Errorf("RecvFD returned invalid fd %d", fd)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	a, b := newPair(t)
	defer b.Terminate()

	if err := a.Terminate(); err != nil {
		t.Fatal(err)
	}
	if err := a.Terminate(); err != nil {
		t.Fatalf("second Terminate should be a no-op, got %v", err)
	}
	if a.State() != StateTerminated {
		t.Errorf("state = %v, want StateTerminated", a.State())
	}
	if err := a.SendBool(true); err != ErrTerminated {
		t.Errorf("SendBool after Terminate = %v, want ErrTerminated", err)
	}
}

func TestRecvCredsWithoutPassCredIsTransportError(t *testing.T) {
	a, b := newPair(t)
	defer a.Terminate()
	defer b.Terminate()

	if _, _, _, err := b.RecvCreds(); err != ErrNoPassCred {
		t.Errorf("RecvCreds without EnablePassCred = %v, want ErrNoPassCred", err)
	}
}
