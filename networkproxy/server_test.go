package networkproxy

import (
	"encoding/binary"
	"net"
	"syscall"
	"testing"

	"github.com/sandbox2-go/sandbox2/pkg/unixsocket"

	"github.com/sandbox2-go/sandbox2/comms"
)

func encodeSockaddrIn(ip net.IP, port uint16) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], syscall.AF_INET)
	binary.BigEndian.PutUint16(b[2:4], port)
	copy(b[4:8], ip.To4())
	return b
}

func TestDenyRecordsViolation(t *testing.T) {
	a, b, err := unixsocket.NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	supervisorSide := comms.NewFromSocket(a)
	sandboxeeSide := comms.NewFromSocket(b)
	defer supervisorSide.Terminate()
	defer sandboxeeSide.Terminate()

	allowed, err := NewStaticAllowedHosts([]string{"127.0.0.1/32"})
	if err != nil {
		t.Fatal(err)
	}

	var notified string
	srv := New(supervisorSide, allowed, func(msg string) { notified = msg })

	go func() {
		sandboxeeSide.SendBytes(encodeSockaddrIn(net.ParseIP("10.0.0.1"), 80))
	}()

	if err := srv.Run(); err != nil {
		t.Fatalf("Run returned error for a plain denial: %v", err)
	}
	if !srv.ViolationOccurred() {
		t.Fatal("expected ViolationOccurred to be true")
	}
	if srv.ViolationMsg() == "" {
		t.Error("expected a non-empty violation message")
	}
	if notified == "" {
		t.Error("expected notify callback to fire with the violating address")
	}
}

func TestInvalidSockaddrLengthReturnsEinval(t *testing.T) {
	a, b, err := unixsocket.NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	supervisorSide := comms.NewFromSocket(a)
	sandboxeeSide := comms.NewFromSocket(b)
	defer supervisorSide.Terminate()
	defer sandboxeeSide.Terminate()

	allowed, _ := NewStaticAllowedHosts(nil)
	srv := New(supervisorSide, allowed, nil)

	go func() {
		sandboxeeSide.SendBytes([]byte("too short"))
		v, _ := sandboxeeSide.RecvInt32()
		if v != int32(syscall.EINVAL) {
			t.Errorf("got errno %d, want EINVAL", v)
		}
		sandboxeeSide.Terminate()
	}()

	srv.Run()
}
