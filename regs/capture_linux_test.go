//go:build linux && (amd64 || arm64)

package regs

import (
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"
)

// createTracedProcess starts a sleeping child, seizes it with ptrace and
// interrupts it into a group-stop, returning its pid ready for Capture.
// It skips the test outright when ptrace isn't usable in this
// environment (unprivileged container, Yama ptrace_scope, etc).
func createTracedProcess(t *testing.T) (int, func()) {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	cleanup := func() {
		cmd.Process.Kill()
		cmd.Wait()
	}

	if err := unix.PtraceSeize(pid); err != nil {
		cleanup()
		t.Skipf("ptrace seize unavailable: %v", err)
	}
	if err := unix.PtraceInterrupt(pid); err != nil {
		cleanup()
		t.Skipf("ptrace interrupt unavailable: %v", err)
	}
	if _, err := unix.Wait4(pid, nil, 0, nil); err != nil {
		cleanup()
		t.Skipf("wait4 on stopped tracee failed: %v", err)
	}
	return pid, cleanup
}

func TestCaptureAndSkipSyscall(t *testing.T) {
	pid, cleanup := createTracedProcess(t)
	defer cleanup()

	r, err := Capture(pid)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if r.Arch == ArchUnknown {
		t.Error("Capture left Arch unset")
	}

	if err := SkipSyscall(pid); err != nil {
		t.Fatalf("SkipSyscall: %v", err)
	}

	r2, err := Capture(pid)
	if err != nil {
		t.Fatalf("Capture after SkipSyscall: %v", err)
	}
	if r2.SyscallNumber != -1 {
		t.Errorf("SyscallNumber after SkipSyscall = %d, want -1", r2.SyscallNumber)
	}
}
