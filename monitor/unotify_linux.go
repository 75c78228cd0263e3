package monitor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The seccomp user-notify ioctl surface (SECCOMP_IOCTL_NOTIF_RECV/SEND)
// and the seccomp_notif/seccomp_notif_resp wire structs are not in
// golang.org/x/sys/unix. These mirror the kernel UAPI definitions
// <linux/seccomp.h> ships and the same fixed sizes the original
// monitor_unotify.cc falls back to when SECCOMP_IOCTL_NOTIF_RECV isn't
// already defined at compile time for it either.

// seccompData mirrors struct seccomp_data.
type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

// seccompNotif mirrors struct seccomp_notif.
type seccompNotif struct {
	ID    uint64
	PID   uint32
	Flags uint32
	Data  seccompData
}

// seccompNotifResp mirrors struct seccomp_notif_resp.
type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

const (
	seccompIOCMagic     = 0x21 // '!'
	seccompIOCNRRecv    = 0
	seccompIOCNRSend    = 1
	seccompIOCNRIDValid = 2

	// seccompUserNotifFlagContinue asks the kernel to run the syscall
	// as originally requested instead of completing it with Val/Error.
	seccompUserNotifFlagContinue = 1
)

// seccompIOWR reproduces the generic _IOWR(type, nr, size) ioctl
// request-number encoding used by SECCOMP_IOCTL_NOTIF_RECV/SEND.
func seccompIOWR(nr, size uintptr) uintptr {
	const (
		dirReadWrite = 3
		sizeShift    = 16
		typeShift    = 8
	)
	return dirReadWrite<<30 | size<<sizeShift | seccompIOCMagic<<typeShift | nr
}

// seccompIOW reproduces the generic _IOW(type, nr, size) ioctl
// request-number encoding used by SECCOMP_IOCTL_NOTIF_ID_VALID.
func seccompIOW(nr, size uintptr) uintptr {
	const (
		dirWrite  = 1
		sizeShift = 16
		typeShift = 8
	)
	return dirWrite<<30 | size<<sizeShift | seccompIOCMagic<<typeShift | nr
}

var (
	seccompIoctlNotifRecv    = seccompIOWR(seccompIOCNRRecv, unsafe.Sizeof(seccompNotif{}))
	seccompIoctlNotifSend    = seccompIOWR(seccompIOCNRSend, unsafe.Sizeof(seccompNotifResp{}))
	seccompIoctlNotifIDValid = seccompIOW(seccompIOCNRIDValid, unsafe.Sizeof(uint64(0)))
)

func seccompNotifRecv(fd int, req *seccompNotif) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), seccompIoctlNotifRecv, uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return errno
	}
	return nil
}

func seccompNotifSend(fd int, resp *seccompNotifResp) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), seccompIoctlNotifSend, uintptr(unsafe.Pointer(resp)))
	if errno != 0 {
		return errno
	}
	return nil
}

// seccompNotifIDValid reports whether id still names a live notification,
// i.e. the target syscall hasn't already been interrupted (signal,
// thread exit). The kernel returns ENOENT once it's gone, matching the
// check the original's HandleExternalRequest makes before responding.
func seccompNotifIDValid(fd int, id uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), seccompIoctlNotifIDValid, uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return errno
	}
	return nil
}
