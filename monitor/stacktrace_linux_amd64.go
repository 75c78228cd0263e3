//go:build linux && amd64

package monitor

import "golang.org/x/sys/unix"

// framePointer reads the program counter and frame-pointer register of
// an already ptrace-stopped pid, the amd64 half of the two registers
// CollectStackTrace needs to start a frame-pointer-chain walk.
func framePointer(pid int) (pc, bp uint64, err error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return 0, 0, err
	}
	return raw.Rip, raw.Rbp, nil
}
