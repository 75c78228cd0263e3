//go:build linux && arm64

package monitor

import "golang.org/x/sys/unix"

// framePointer reads the program counter and frame-pointer register of
// an already ptrace-stopped pid, the arm64 half of the two registers
// CollectStackTrace needs to start a frame-pointer-chain walk. x29 is the
// frame pointer by AAPCS64 convention.
func framePointer(pid int) (pc, bp uint64, err error) {
	var raw unix.PtraceRegsArm64
	if err := unix.PtraceGetRegsArm64(pid, &raw); err != nil {
		return 0, 0, err
	}
	return raw.Pc, raw.Regs[29], nil
}
