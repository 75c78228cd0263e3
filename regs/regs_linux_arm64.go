//go:build linux && arm64

package regs

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ntArmSystemCall is the NT_ARM_SYSTEM_CALL regset type, used to read
// or rewrite the syscall number independently of the general-purpose
// registers on arm64.
const ntArmSystemCall = 0x404

// Capture reads the general-purpose registers of pid via
// PTRACE_GETREGSET, plus the syscall number via the NT_ARM_SYSTEM_CALL
// regset, and decodes them into a Regs snapshot. pid must be
// ptrace-stopped.
func Capture(pid int) (*Regs, error) {
	var raw unix.PtraceRegsArm64
	if err := unix.PtraceGetRegsArm64(pid, &raw); err != nil {
		return nil, err
	}
	syscallNo, err := getSyscallRegSet(pid)
	if err != nil {
		return nil, err
	}
	return &Regs{
		Arch:          ArchArm64,
		SyscallNumber: int64(syscallNo),
		Args: [6]uint64{
			raw.Regs[0], raw.Regs[1], raw.Regs[2],
			raw.Regs[3], raw.Regs[4], raw.Regs[5],
		},
		InstructionPointer: raw.Pc,
		StackPointer:       raw.Sp,
	}, nil
}

// SkipSyscall rewrites the tracee's syscall number to -1 via
// PTRACE_SETREGSET/NT_ARM_SYSTEM_CALL so the kernel's syscall-entry
// dispatch is bypassed, matching the teacher's skipSyscall convention
// for syscalls the policy maps to an injected errno.
func SkipSyscall(pid int) error {
	return setSyscallRegSet(pid, -1)
}

func getSyscallRegSet(pid int) (int32, error) {
	var v int32
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&v)), Len: uint64(unsafe.Sizeof(v))}
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(pid), ntArmSystemCall, uintptr(unsafe.Pointer(&iov)), 0, 0); errno != 0 {
		return 0, errno
	}
	return v, nil
}

func setSyscallRegSet(pid int, v int32) error {
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&v)), Len: uint64(unsafe.Sizeof(v))}
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETREGSET, uintptr(pid), ntArmSystemCall, uintptr(unsafe.Pointer(&iov)), 0, 0); errno != 0 {
		return errno
	}
	return nil
}
