package monitor

import (
	"testing"
	"time"

	"github.com/sandbox2-go/sandbox2/executor"
	"github.com/sandbox2-go/sandbox2/regs"
	"github.com/sandbox2-go/sandbox2/result"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	return NewBase(Config{Process: &executor.Process{MainPID: -1}})
}

func TestBaseRequestKill(t *testing.T) {
	b := newTestBase(t)
	if b.KillRequested() {
		t.Fatal("KillRequested before RequestKill should be false")
	}
	b.RequestKill()
	if !b.KillRequested() {
		t.Error("KillRequested after RequestKill should be true")
	}
}

func TestBaseRequestDumpStackIsOneShot(t *testing.T) {
	b := newTestBase(t)
	if b.TakeDumpStackRequest() {
		t.Fatal("TakeDumpStackRequest should start false")
	}
	b.RequestDumpStack()
	if !b.TakeDumpStackRequest() {
		t.Error("TakeDumpStackRequest should be true right after RequestDumpStack")
	}
	if b.TakeDumpStackRequest() {
		t.Error("TakeDumpStackRequest should clear itself after being taken")
	}
}

func TestBaseWallTimeLimit(t *testing.T) {
	b := newTestBase(t)
	if b.DeadlineExceeded() {
		t.Fatal("no deadline armed yet should not be exceeded")
	}
	b.SetWallTimeLimit(10 * time.Millisecond)
	if b.DeadlineExceeded() {
		t.Error("freshly armed short deadline should not be exceeded yet")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.DeadlineExceeded() {
		t.Error("deadline should be exceeded after sleeping past it")
	}
	b.SetWallTimeLimit(0)
	if b.DeadlineExceeded() {
		t.Error("disarming the deadline should clear DeadlineExceeded")
	}
}

func TestNewBaseArmsWallTimeLimitFromConfig(t *testing.T) {
	b := NewBase(Config{
		Process:       &executor.Process{MainPID: -1},
		WallTimeLimit: 10 * time.Millisecond,
	})
	time.Sleep(20 * time.Millisecond)
	if !b.DeadlineExceeded() {
		t.Error("Config.WallTimeLimit should arm the deadline in NewBase")
	}
}

func TestBaseFinalizeIsOneShot(t *testing.T) {
	var gotResults []result.FinalStatus
	b := NewBase(Config{
		Process: &executor.Process{MainPID: -1},
		Notify: Notify{
			OnDone: func(r *result.Result) { gotResults = append(gotResults, r.FinalStatus) },
		},
	})

	b.Finalize(result.OK, 7)
	b.Finalize(result.Violation, 99)

	if len(gotResults) != 1 {
		t.Fatalf("OnDone fired %d times, want 1", len(gotResults))
	}
	if gotResults[0] != result.OK {
		t.Errorf("FinalStatus = %v, want %v", gotResults[0], result.OK)
	}

	r := b.Result()
	if r.FinalStatus != result.OK || r.ReasonCode != 7 {
		t.Errorf("Result() = %+v, want FinalStatus=OK ReasonCode=7", r)
	}
}

func TestBaseSetStackTraceAndSyscallNoopAfterFinalize(t *testing.T) {
	b := newTestBase(t)
	b.Finalize(result.OK, 0)

	b.SetStackTrace([]string{"frame0"})
	b.SetSyscall(regs.ArchAmd64, &regs.Syscall{Number: 60})

	r := b.Result()
	if len(r.StackTrace) != 0 {
		t.Errorf("SetStackTrace after Finalize should be a no-op, got %v", r.StackTrace)
	}
	if r.Syscall != nil {
		t.Errorf("SetSyscall after Finalize should be a no-op, got %+v", r.Syscall)
	}
}

func TestBaseAwaitResultWithTimeout(t *testing.T) {
	b := newTestBase(t)

	if _, err := b.AwaitResultWithTimeout(10 * time.Millisecond); err == nil {
		t.Error("expected timeout error before Finalize is ever called")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Finalize(result.Signaled, 9)
	}()

	r, err := b.AwaitResultWithTimeout(time.Second)
	if err != nil {
		t.Fatalf("AwaitResultWithTimeout: %v", err)
	}
	if r.FinalStatus != result.Signaled || r.ReasonCode != 9 {
		t.Errorf("Result = %+v, want Signaled/9", r)
	}
}

func TestBaseNetworkViolationLatchesKill(t *testing.T) {
	b := newTestBase(t)
	if b.NetworkViolationPending() {
		t.Fatal("no violation recorded yet")
	}
	b.onNetworkViolation("host not allowed: evil.example")
	if !b.NetworkViolationPending() {
		t.Error("onNetworkViolation should mark NetworkViolationPending")
	}
	if !b.KillRequested() {
		t.Error("onNetworkViolation should request a kill")
	}
	if msg := b.Result().NetworkViolationMsg; msg == "" {
		t.Error("NetworkViolationMsg should be set on the Result")
	}
}
