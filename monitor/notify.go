package monitor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandbox2-go/sandbox2/regs"
	"github.com/sandbox2-go/sandbox2/result"
)

// minWakeupInterval bounds how long a poll() call blocks even with no
// deadline armed, so SetWallTimeLimit racing in just after a poll()
// started is never delayed by more than this.
const minWakeupInterval = 30 * time.Second

// NotifyMonitor drives a sandboxed run with SECCOMP_RET_USER_NOTIF: it
// blocks in poll(2) over the status pipe, the seccomp notify fd the
// sandboxee hands back during bring-up, and its own eventfd waker,
// answering each notification inline instead of following the tracee
// with ptrace.
type NotifyMonitor struct {
	*Base

	mu       sync.Mutex
	notifyFD int
	wakerFD  int
	killed   bool
	timedOut bool
}

// NewNotifyMonitor constructs a NotifyMonitor ready for Launch.
func NewNotifyMonitor(cfg Config) *NotifyMonitor {
	m := &NotifyMonitor{Base: NewBase(cfg), notifyFD: -1, wakerFD: -1}
	m.SetWaker(m.wake)
	return m
}

// Launch runs the shared bring-up sequence (which hands the sandboxee
// its policy) and starts the poll loop on its own goroutine. The poll
// loop's first action is the notify-specific half of bring-up: only
// once the sandboxee has the filter can it install it and hand back
// its listener fd.
func (m *NotifyMonitor) Launch() error {
	return m.Base.Launch(m.run)
}

// initNotifyFD receives the sandboxee's seccomp-notify listener fd
// over Comms (sent back once the sandboxee itself has called
// seccomp(2) with SECCOMP_FILTER_FLAG_NEW_LISTENER using the policy
// initSendPolicy already delivered) and arms the eventfd waker.
func (m *NotifyMonitor) initNotifyFD() error {
	fd, err := m.Base.comms.RecvFD()
	if err != nil {
		return fmt.Errorf("recv seccomp notify fd: %w", err)
	}
	m.notifyFD = fd

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	m.mu.Lock()
	m.wakerFD = wfd
	m.mu.Unlock()
	return nil
}

func (m *NotifyMonitor) wake() {
	m.mu.Lock()
	fd := m.wakerFD
	m.mu.Unlock()
	if fd < 0 {
		return
	}
	var v uint64 = 1
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	unix.Write(fd, buf)
}

// Kill requests that the sandboxee be killed with SIGKILL.
func (m *NotifyMonitor) Kill() {
	m.RequestKill()
}

// DumpStackTrace requests a best-effort stack trace of the main pid,
// obtained by a short ptrace attach/detach since this variant never
// holds the tracee stopped under ptrace on its own.
func (m *NotifyMonitor) DumpStackTrace() {
	m.RequestDumpStack()
}

func (m *NotifyMonitor) run() {
	if err := m.initNotifyFD(); err != nil {
		m.Finalize(result.SetupError, 0)
		return
	}

	statusFD := int(m.Process().StatusFD.Fd())
	for m.Result().FinalStatus == result.Pending {
		remaining := m.timeUntilDeadline()
		if remaining < 0 {
			m.timedOut = true
			m.maybeGetStackTrace(result.Timeout)
			m.killSandboxee()
			m.finalizeFromStatusPipe()
			break
		}

		if m.KillRequested() && !m.killed {
			m.killed = true
			m.maybeGetStackTrace(result.ExternalKill)
			m.killSandboxee()
			m.finalizeFromStatusPipe()
			break
		}

		if m.TakeDumpStackRequest() {
			if trace := attachAndCollectStackTrace(m.Process().MainPID); len(trace) > 0 {
				m.SetStackTrace(trace)
			}
		}

		timeoutMillis := int(minWakeupInterval / time.Millisecond)
		if remaining > 0 && int(remaining/time.Millisecond) < timeoutMillis {
			timeoutMillis = int(remaining / time.Millisecond)
		}

		fds := []unix.PollFd{
			{Fd: int32(statusFD), Events: unix.POLLIN},
			{Fd: int32(m.notifyFD), Events: unix.POLLIN},
			{Fd: int32(m.wakerFD), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, timeoutMillis)
		if n == 0 || (err != nil && err == unix.EINTR) {
			continue
		}
		if err != nil {
			m.Finalize(result.InternalError, 0)
			break
		}

		if fds[2].Revents&unix.POLLIN != 0 {
			drain := make([]byte, 8)
			unix.Read(m.wakerFD, drain)
			continue
		}
		// A clean exit closes the status pipe's sole writer with no
		// payload, so the kernel reports POLLHUP without POLLIN; either
		// one means the sandboxee tree is gone and it's time to reap it.
		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			m.finalizeFromStatusPipe()
			break
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			m.handleNotify()
		}
	}
}

func (m *NotifyMonitor) timeUntilDeadline() time.Duration {
	remaining := m.DeadlineRemaining()
	if remaining == 0 {
		return minWakeupInterval
	}
	return remaining
}

func (m *NotifyMonitor) handleNotify() {
	var req seccompNotif
	if err := seccompNotifRecv(m.notifyFD, &req); err != nil {
		if err == unix.ENOENT {
			return
		}
		m.Finalize(result.InternalError, 0)
		return
	}

	if err := seccompNotifIDValid(m.notifyFD, req.ID); err != nil {
		// The syscall was interrupted (signal, thread exit) before we
		// got to it; nothing to respond to or classify.
		return
	}

	arch := auditArchToRegsArch(req.Data.Arch)
	sc := regs.Syscall{
		Number: int64(req.Data.Nr),
		Args:   req.Data.Args,
		Arch:   arch,
	}

	pol := m.Policy()
	if pol != nil && pol.NotifySyscalls[uintptr(sc.Number)] {
		m.allowViaNotify(req.ID)
		return
	}

	m.SetSyscall(arch, &sc)
	m.maybeGetStackTrace(result.Violation)
	m.killSandboxee()
	m.finalizeFromStatusPipe()
}

func (m *NotifyMonitor) allowViaNotify(id uint64) {
	resp := seccompNotifResp{ID: id, Flags: seccompUserNotifFlagContinue}
	if err := seccompNotifSend(m.notifyFD, &resp); err != nil && err != unix.ENOENT {
		m.Finalize(result.InternalError, 0)
	}
}

func (m *NotifyMonitor) killSandboxee() {
	unix.Kill(m.Process().MainPID, unix.SIGKILL)
}

// finalizeFromStatusPipe blocks for the status pipe's sole open copy
// (held by the sandboxee's exec'd image) to close, signaling that the
// full process tree has exited, then reaps the main pid directly: the
// executor forks the sandboxee as this process's own child, so wait4
// needs no auxiliary status-pipe payload the way the original's
// cross-pid-namespace monitor does.
func (m *NotifyMonitor) finalizeFromStatusPipe() {
	buf := make([]byte, 1)
	m.Process().StatusFD.Read(buf)

	var ws unix.WaitStatus
	unix.Wait4(m.Process().MainPID, &ws, 0, nil)

	switch {
	case m.Result().FinalStatus != result.Pending:
		return
	case m.killed && m.NetworkViolationPending():
		m.Finalize(result.Violation, 0)
	case m.killed:
		m.Finalize(result.ExternalKill, 0)
	case m.timedOut:
		m.Finalize(result.Timeout, 0)
	case ws.Signaled():
		m.Finalize(result.Signaled, int64(ws.Signal()))
	default:
		m.Finalize(result.OK, int64(ws.ExitStatus()))
	}
}

func (m *NotifyMonitor) maybeGetStackTrace(status result.FinalStatus) {
	if status != result.Violation && status != result.Timeout && status != result.ExternalKill {
		return
	}
	if trace := attachAndCollectStackTrace(m.Process().MainPID); len(trace) > 0 {
		m.SetStackTrace(trace)
	}
}

// attachAndCollectStackTrace PTRACE_ATTACHes to a pid this monitor was
// never tracing, waits for the resulting group-stop, walks its frame
// pointers, and detaches, mirroring UnotifyMonitor::GetStackTrace's
// attach/collect/detach pattern for a variant that otherwise never
// holds its sandboxee under ptrace.
func attachAndCollectStackTrace(pid int) []string {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil
	}
	defer unix.PtraceDetach(pid)

	var status unix.WaitStatus
	for i := 0; i < 1000; i++ {
		wpid, err := unix.Wait4(pid, &status, unix.WALL|unix.WNOHANG, nil)
		if err != nil {
			return nil
		}
		if wpid == pid && status.Stopped() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !status.Stopped() {
		return nil
	}
	return CollectStackTrace(pid)
}

func auditArchToRegsArch(auditArch uint32) regs.Arch {
	switch auditArch {
	case unix.AUDIT_ARCH_X86_64:
		return regs.ArchAmd64
	case unix.AUDIT_ARCH_AARCH64:
		return regs.ArchArm64
	default:
		return regs.ArchUnknown
	}
}
