//go:build linux

package monitor

import (
	"strings"
	"testing"

	"github.com/sandbox2-go/sandbox2/executor"
	"github.com/sandbox2-go/sandbox2/policy"
	"github.com/sandbox2-go/sandbox2/result"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	b := &policy.Builder{Default: policy.DefaultAllow}
	pol, err := b.Build()
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	return pol
}

// startSleeper launches a real, uncooperative "sleep" child through the
// executor so a TraceMonitor/NotifyMonitor can seize/notify it for real;
// it never speaks the bring-up handshake, so Launch is expected to fail
// waiting on it rather than hang forever.
func startSleeper(t *testing.T, pol *policy.Policy) *executor.Process {
	t.Helper()
	spec := &executor.Spec{
		Args:    []string{"/bin/sleep", "1"},
		Seccomp: pol.SockFprog(),
	}
	proc, err := executor.Start(spec)
	if err != nil {
		t.Fatalf("executor.Start: %v", err)
	}
	return proc
}

// TestTraceMonitorLaunchSeizesRealProcess exercises PTRACE_SEIZE and the
// shared bring-up sequence against a real forked child. The sleeper
// never speaks the bring-up handshake, so Launch is expected to fail
// once its comms socket closes on exit; the test skips outright when
// this environment forbids ptrace altogether (no CAP_SYS_PTRACE,
// restrictive Yama ptrace_scope, or a filter on the test binary itself
// that denies ptrace(2)).
func TestTraceMonitorLaunchSeizesRealProcess(t *testing.T) {
	pol := testPolicy(t)
	proc := startSleeper(t, pol)

	mon := NewTraceMonitor(Config{Process: proc, Policy: pol})
	err := mon.Launch()
	if err != nil && strings.Contains(err.Error(), "seize main pid") {
		t.Skipf("ptrace seize unavailable in this environment: %v", err)
	}
	if err == nil {
		t.Fatal("Launch should fail: the sleeper never completes the bring-up handshake")
	}

	r := mon.Result()
	if r.FinalStatus != result.SetupError {
		t.Errorf("FinalStatus = %v, want %v", r.FinalStatus, result.SetupError)
	}
}

// TestNotifyMonitorLaunchFailsWithoutHandshake mirrors the TraceMonitor
// case for the seccomp-unotify variant: the bring-up sequence is shared
// Base.Launch code, so it fails the same way on the same uncooperative
// sleeper, with no ptrace involved at all.
func TestNotifyMonitorLaunchFailsWithoutHandshake(t *testing.T) {
	pol := testPolicy(t)
	proc := startSleeper(t, pol)

	mon := NewNotifyMonitor(Config{Process: proc, Policy: pol})
	if err := mon.Launch(); err == nil {
		t.Fatal("Launch should fail: the sleeper never completes the bring-up handshake")
	}

	r := mon.Result()
	if r.FinalStatus != result.SetupError {
		t.Errorf("FinalStatus = %v, want %v", r.FinalStatus, result.SetupError)
	}
}
