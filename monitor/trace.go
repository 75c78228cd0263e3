package monitor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandbox2-go/sandbox2/regs"
	"github.com/sandbox2-go/sandbox2/result"
)

// pidState is the per-pid trace bookkeeping the ptrace event loop
// keeps while a tracee (main pid or a descendant) is being followed.
type pidState struct {
	syscallInProgress *regs.Syscall
	attached          bool
}

// traceOpts are the PTRACE_SETOPTIONS flags every seized pid runs
// under, matching §4.4's required option set.
const traceOpts = unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// pollInterval is how often the event loop wakes on its own to check
// the deadline and the kill/dump-stack latches when no ptrace event
// is pending, standing in for sigtimedwait's 500ms timeout.
const pollInterval = 50 * time.Millisecond

// TraceMonitor drives a sandboxed run with PTRACE_SEIZE and
// SECCOMP_RET_TRACE, following the main pid and every descendant it
// forks.
type TraceMonitor struct {
	*Base

	mu            sync.Mutex
	pids          map[int]*pidState
	waitForExecve bool
	timedOut      bool
	killed        bool
}

// NewTraceMonitor constructs a TraceMonitor ready for Launch.
func NewTraceMonitor(cfg Config) *TraceMonitor {
	m := &TraceMonitor{
		Base:          NewBase(cfg),
		pids:          make(map[int]*pidState),
		waitForExecve: true,
	}
	return m
}

// Launch seizes the main pid and runs the shared bring-up sequence,
// then starts the ptrace event loop on a dedicated, OS-thread-locked
// goroutine.
func (m *TraceMonitor) Launch() error {
	if err := m.seize(m.Process().MainPID); err != nil {
		m.Finalize(result.SetupError, 0)
		return fmt.Errorf("monitor: trace: seize main pid: %w", err)
	}
	if err := unix.Kill(m.Process().MainPID, unix.SIGCONT); err != nil {
		m.Finalize(result.SetupError, 0)
		return fmt.Errorf("monitor: trace: release self-stop: %w", err)
	}
	return m.Base.Launch(m.run)
}

func (m *TraceMonitor) seize(pid int) error {
	if err := unix.PtraceSeize(pid); err != nil {
		return err
	}
	if err := unix.PtraceSetOptions(pid, traceOpts); err != nil {
		return err
	}
	m.mu.Lock()
	m.pids[pid] = &pidState{attached: true}
	m.mu.Unlock()
	return nil
}

// Kill requests that the sandboxee be killed with SIGKILL.
func (m *TraceMonitor) Kill() {
	m.RequestKill()
}

// DumpStackTrace requests a best-effort stack trace of the main pid.
func (m *TraceMonitor) DumpStackTrace() {
	m.RequestDumpStack()
}

func (m *TraceMonitor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if m.allPidsGone() {
			m.finalizeIfPending(result.OK, 0)
			return
		}

		var status unix.WaitStatus
		wpid, err := unix.Wait4(-1, &status, unix.WALL|unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				m.finalizeIfPending(result.OK, 0)
				return
			}
			time.Sleep(pollInterval)
			continue
		}
		if wpid == 0 {
			m.checkLatches()
			time.Sleep(pollInterval)
			continue
		}

		m.dispatch(wpid, status)
	}
}

func (m *TraceMonitor) checkLatches() {
	if m.KillRequested() && !m.killed {
		m.killed = true
		m.killMainPid()
	}
	if m.TakeDumpStackRequest() {
		m.SetStackTrace(CollectStackTrace(m.Process().MainPID))
	}
	if m.DeadlineExceeded() && !m.timedOut {
		m.timedOut = true
		m.killMainPid()
	}
}

func (m *TraceMonitor) killMainPid() {
	unix.Kill(m.Process().MainPID, unix.SIGKILL)
}

func (m *TraceMonitor) allPidsGone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pids) == 0
}

func (m *TraceMonitor) dispatch(pid int, status unix.WaitStatus) {
	switch {
	case status.Exited():
		m.eventExit(pid, status.ExitStatus(), false, 0)
	case status.Signaled():
		m.eventExit(pid, 0, true, int(status.Signal()))
	case status.Stopped():
		m.eventStopped(pid, status)
	}
}

func (m *TraceMonitor) eventStopped(pid int, status unix.WaitStatus) {
	sig := status.StopSignal()
	if sig == unix.SIGTRAP {
		switch status.TrapCause() {
		case unix.PTRACE_EVENT_SECCOMP:
			m.eventSeccomp(pid)
			return
		case unix.PTRACE_EVENT_EXIT:
			m.eventPtraceExit(pid)
			return
		case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
			m.eventNewProcess(pid)
			return
		case unix.PTRACE_EVENT_EXEC:
			m.waitForExecve = false
			unix.PtraceCont(pid, 0)
			return
		}
		// plain SIGTRAP from a syscall-exit stop under PTRACE_SYSCALL.
		m.eventSyscallExit(pid)
		return
	}
	if sig == unix.SIGSTOP || sig == unix.SIGTSTP || sig == unix.SIGTTIN || sig == unix.SIGTTOU {
		unix.PtraceCont(pid, 0)
		return
	}
	// signal-delivery-stop for any other signal: forward it unmodified.
	unix.PtraceCont(pid, int(sig))
}

func (m *TraceMonitor) eventSeccomp(pid int) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		m.violate(pid, result.InternalError, 0)
		return
	}
	r, err := regs.Capture(pid)
	if err != nil {
		m.violate(pid, result.InternalError, 0)
		return
	}
	sc := r.Syscall()

	pol := m.Policy()
	if pol != nil && pol.TraceSyscalls[uintptr(msg)] {
		m.mu.Lock()
		if st := m.pids[pid]; st != nil {
			st.syscallInProgress = &sc
		}
		m.mu.Unlock()
		unix.PtraceSyscall(pid, 0)
		return
	}

	m.recordViolation(pid, &r.Arch, &sc)
}

func (m *TraceMonitor) eventSyscallExit(pid int) {
	m.mu.Lock()
	st := m.pids[pid]
	if st != nil {
		st.syscallInProgress = nil
	}
	m.mu.Unlock()
	unix.PtraceCont(pid, 0)
}

func (m *TraceMonitor) eventPtraceExit(pid int) {
	unix.PtraceCont(pid, 0)
}

func (m *TraceMonitor) eventExit(pid int, exitStatus int, signaled bool, signal int) {
	m.mu.Lock()
	delete(m.pids, pid)
	m.mu.Unlock()

	if pid != m.Process().MainPID {
		return
	}
	switch {
	case m.killed && m.NetworkViolationPending():
		m.Finalize(result.Violation, 0)
	case m.killed:
		m.Finalize(result.ExternalKill, 0)
	case m.timedOut:
		m.Finalize(result.Timeout, 0)
	case signaled:
		m.Finalize(result.Signaled, int64(signal))
	default:
		m.Finalize(result.OK, int64(exitStatus))
	}
}

func (m *TraceMonitor) eventNewProcess(pid int) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return
	}
	child := int(msg)
	// Best-effort: the child may not have reached its own initial stop
	// yet. It is still traced, via PTRACE_O_TRACE{FORK,VFORK,CLONE}
	// inherited from the parent's seize.
	unix.PtraceSetOptions(child, traceOpts)
	m.mu.Lock()
	m.pids[child] = &pidState{attached: true}
	m.mu.Unlock()
	unix.PtraceCont(pid, 0)
}

func (m *TraceMonitor) recordViolation(pid int, arch *regs.Arch, sc *regs.Syscall) {
	m.SetSyscall(*arch, sc)
	if trace := CollectStackTrace(pid); len(trace) > 0 {
		m.SetStackTrace(trace)
	}
	// PTRACE_KILL is deprecated and unreliable on modern kernels;
	// SIGKILL via the tracer's own privilege is the documented
	// replacement.
	unix.Kill(pid, unix.SIGKILL)
	m.Finalize(result.Violation, sc.Number)
}

func (m *TraceMonitor) violate(pid int, status result.FinalStatus, reason int64) {
	unix.Kill(pid, unix.SIGKILL)
	m.Finalize(status, reason)
}

func (m *TraceMonitor) finalizeIfPending(status result.FinalStatus, reason int64) {
	m.Finalize(status, reason)
}
