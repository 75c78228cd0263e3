// Package monitor implements the shared supervisor lifecycle and the
// two concrete event loops (ptrace-based and seccomp-unotify-based)
// that drive a sandboxed run from launch to a finalized Result.
package monitor

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandbox2-go/sandbox2/comms"
	"github.com/sandbox2-go/sandbox2/executor"
	"github.com/sandbox2-go/sandbox2/networkproxy"
	"github.com/sandbox2-go/sandbox2/pkg/rlimit"
	"github.com/sandbox2-go/sandbox2/pkg/unixsocket"
	"github.com/sandbox2-go/sandbox2/policy"
	"github.com/sandbox2-go/sandbox2/regs"
	"github.com/sandbox2-go/sandbox2/result"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func newCommsFromFD(fd int) (*comms.Comms, error) {
	sock, err := unixsocket.NewSocket(fd)
	if err != nil {
		return nil, err
	}
	return comms.NewFromSocket(sock), nil
}

// Notify carries the user hooks invoked by the monitor goroutine at
// specific points in a run. A nil Notify is valid; every call is
// optional.
type Notify struct {
	OnSyscallViolation func(syscall result.FinalStatus, reasonCode int64)
	OnSignaled         func(signal int)
	OnDone             func(r *result.Result)
}

// IPC lists the supervisor-side descriptors the sandboxee should
// receive during bring-up, forwarded in order over the main Comms
// channel before the sandboxee's own code starts running.
type IPC struct {
	Files []*os.File
}

// Config bundles everything a concrete monitor needs to run, mirroring
// the fields MonitorBase's constructor takes from the Sandbox2 object
// in the original design.
type Config struct {
	Process       *executor.Process
	Policy        *policy.Policy
	Notify        Notify
	Cwd           string
	RLimits       rlimit.RLimits
	IPC           *IPC
	AllowedHosts  networkproxy.AllowedHosts // non-nil enables the network proxy
	WallTimeLimit time.Duration
}

// Base is the shared launch sequence, result bookkeeping, and
// kill/dump-stack/deadline latches common to TraceMonitor and
// NotifyMonitor. It is embedded, not wrapped: concrete monitors call
// into it directly rather than through an interface.
type Base struct {
	process *executor.Process
	pol     *policy.Policy
	notify  Notify
	cwd     string
	rlimits rlimit.RLimits
	ipc     *IPC

	comms *comms.Comms

	mu     sync.Mutex
	result result.Result
	done   *result.Notification

	deadlineMillis atomic.Int64
	killRequested  atomic.Bool
	dumpRequested  atomic.Bool

	// wake is set by the concrete monitor so RequestKill/RequestDumpStack
	// /SetWallTimeLimit can interrupt a blocked event loop. nil is a
	// valid no-op (the loop will notice the latch on its next timeout).
	wake func()

	allowedHosts     networkproxy.AllowedHosts
	networkProxy     *networkproxy.Server
	networkProxyDone chan struct{}
}

// NewBase constructs a Base ready for Launch. It does not start any
// goroutine.
func NewBase(cfg Config) *Base {
	b := &Base{
		process:      cfg.Process,
		pol:          cfg.Policy,
		notify:       cfg.Notify,
		cwd:          cfg.Cwd,
		rlimits:      cfg.RLimits,
		ipc:          cfg.IPC,
		comms:        cfg.Process.Comms(),
		done:         result.NewNotification(),
		allowedHosts: cfg.AllowedHosts,
	}
	if cfg.WallTimeLimit > 0 {
		b.SetWallTimeLimit(cfg.WallTimeLimit)
	}
	return b
}

// SetWaker installs the callback used to interrupt a blocked event
// loop after RequestKill, RequestDumpStack, or SetWallTimeLimit latch
// a new request. Concrete monitors call this before Launch.
func (b *Base) SetWaker(wake func()) {
	b.wake = wake
}

// Process returns the launched sandboxee record.
func (b *Base) Process() *executor.Process {
	return b.process
}

// Policy returns the compiled filter this run was launched with.
func (b *Base) Policy() *policy.Policy {
	return b.pol
}

// Launch runs the six-step bring-up sequence synchronously; on success
// it starts run on its own goroutine and returns nil. On failure it
// finalizes the Result as SetupError, fires the done-notification, and
// returns the error without starting run.
func (b *Base) Launch(run func()) error {
	if err := b.initSendPolicy(); err != nil {
		return b.setupFailed("send policy", err)
	}
	if err := b.waitForSandboxReady(); err != nil {
		return b.setupFailed("await sandbox ready", err)
	}
	if err := b.initSendIPC(); err != nil {
		return b.setupFailed("send ipc", err)
	}
	if err := b.initSendCwd(); err != nil {
		return b.setupFailed("send cwd", err)
	}
	if err := b.initApplyLimits(); err != nil {
		return b.setupFailed("apply limits", err)
	}
	if b.allowedHosts != nil {
		go func() {
			if err := b.EnableNetworkProxyServer(b.allowedHosts); err != nil {
				b.Finalize(result.InternalError, 0)
			}
		}()
	}
	go run()
	return nil
}

func (b *Base) setupFailed(step string, err error) error {
	wrapped := fmt.Errorf("monitor: %s: %w", step, err)
	b.Finalize(result.SetupError, 0)
	return wrapped
}

func (b *Base) initSendPolicy() error {
	return b.comms.SendBytes(b.pol.MarshalProgram())
}

func (b *Base) waitForSandboxReady() error {
	ready, err := b.comms.RecvBool()
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("monitor: sandboxee reported not-ready")
	}
	return nil
}

func (b *Base) initSendIPC() error {
	if b.ipc == nil {
		return b.comms.SendInt32(0)
	}
	if err := b.comms.SendInt32(int32(len(b.ipc.Files))); err != nil {
		return err
	}
	for _, f := range b.ipc.Files {
		if err := b.comms.SendFD(int(f.Fd())); err != nil {
			return err
		}
	}
	return nil
}

func (b *Base) initSendCwd() error {
	return b.comms.SendString(b.cwd)
}

func (b *Base) initApplyLimits() error {
	for _, rl := range b.rlimits.PrepareRLimit() {
		lim := unix.Rlimit{Cur: rl.Rlim.Cur, Max: rl.Rlim.Max}
		if err := unix.Prlimit(b.process.MainPID, rl.Res, &lim, nil); err != nil {
			return fmt.Errorf("prlimit(resource=%d): %w", rl.Res, err)
		}
	}
	return nil
}

// EnableNetworkProxyServer receives the sandboxee's proxy-request
// socket (sent as a single FD frame on the main Comms channel during
// bring-up) and starts the broker loop on its own goroutine.
func (b *Base) EnableNetworkProxyServer(allowed networkproxy.AllowedHosts) error {
	fd, err := b.comms.RecvFD()
	if err != nil {
		return fmt.Errorf("monitor: network proxy: recv socket: %w", err)
	}
	sock, err := newCommsFromFD(fd)
	if err != nil {
		return fmt.Errorf("monitor: network proxy: %w", err)
	}
	b.networkProxy = networkproxy.New(sock, allowed, b.onNetworkViolation)
	b.networkProxyDone = make(chan struct{})
	go func() {
		defer close(b.networkProxyDone)
		b.networkProxy.Run()
	}()
	return nil
}

func (b *Base) onNetworkViolation(msg string) {
	b.mu.Lock()
	b.result.NetworkViolationMsg = msg
	b.mu.Unlock()
	b.RequestKill()
}

// NetworkViolationPending reports whether a network-proxy violation
// has attached a message to the in-progress Result, letting a
// concrete monitor tell an external RequestKill apart from one the
// network proxy triggered once both collapse into the same kill latch.
func (b *Base) NetworkViolationPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result.NetworkViolationMsg != ""
}

// RequestKill latches an external-kill request and wakes the event
// loop. Asynchronous: the caller observes completion via
// AwaitResultWithTimeout.
func (b *Base) RequestKill() {
	b.killRequested.Store(true)
	b.notifyWake()
}

// KillRequested reports whether RequestKill has been called.
func (b *Base) KillRequested() bool {
	return b.killRequested.Load()
}

// RequestDumpStack latches a stack-dump request and wakes the event
// loop.
func (b *Base) RequestDumpStack() {
	b.dumpRequested.Store(true)
	b.notifyWake()
}

// TakeDumpStackRequest reports and clears a pending dump-stack
// request, for use by the event loop's per-iteration latch check.
func (b *Base) TakeDumpStackRequest() bool {
	return b.dumpRequested.CompareAndSwap(true, false)
}

// SetWallTimeLimit arms or disarms the wall-clock deadline. A zero
// duration disarms it.
func (b *Base) SetWallTimeLimit(d time.Duration) {
	if d <= 0 {
		b.deadlineMillis.Store(0)
	} else {
		b.deadlineMillis.Store(nowMillis() + d.Milliseconds())
	}
	b.notifyWake()
}

// DeadlineExceeded reports whether a deadline is armed and has
// passed.
func (b *Base) DeadlineExceeded() bool {
	d := b.deadlineMillis.Load()
	return d != 0 && nowMillis() >= d
}

// DeadlineRemaining returns how long until the armed deadline, 0 if no
// deadline is armed, or a negative duration once it has passed.
func (b *Base) DeadlineRemaining() time.Duration {
	d := b.deadlineMillis.Load()
	if d == 0 {
		return 0
	}
	remaining := d - nowMillis()
	if remaining <= 0 {
		return -1
	}
	return time.Duration(remaining) * time.Millisecond
}

func (b *Base) notifyWake() {
	if b.wake != nil {
		b.wake()
	}
}

// Finalize writes the terminal Result fields and fires the
// done-notification exactly once; subsequent calls are no-ops, so
// event loops may call it from more than one exit path without
// coordinating among themselves.
func (b *Base) Finalize(status result.FinalStatus, reasonCode int64) {
	b.mu.Lock()
	if b.result.FinalStatus != result.Pending {
		b.mu.Unlock()
		return
	}
	b.result.FinalStatus = status
	b.result.ReasonCode = reasonCode
	r := b.result
	b.mu.Unlock()

	if b.networkProxy != nil {
		b.comms.Terminate()
	}
	if b.notify.OnDone != nil {
		b.notify.OnDone(&r)
	}
	b.done.Fire()
}

// SetStackTrace attaches a best-effort stack trace to the in-progress
// Result. It is a no-op once the Result has already been finalized.
func (b *Base) SetStackTrace(trace []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result.FinalStatus != result.Pending {
		return
	}
	b.result.StackTrace = trace
}

// SetSyscall attaches the decoded violating syscall to the
// in-progress Result. No-op once finalized.
func (b *Base) SetSyscall(arch regs.Arch, sc *regs.Syscall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result.FinalStatus != result.Pending {
		return
	}
	b.result.SyscallArch = arch
	b.result.Syscall = sc
}

// AwaitResultWithTimeout blocks until the done-notification fires or
// timeout elapses, whichever comes first. On timeout it returns an
// error without touching the Result.
func (b *Base) AwaitResultWithTimeout(timeout time.Duration) (*result.Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done.Done():
		b.mu.Lock()
		r := b.result
		b.mu.Unlock()
		return &r, nil
	case <-timer.C:
		return nil, fmt.Errorf("monitor: deadline exceeded waiting for result")
	}
}

// Result returns a snapshot of the Result as currently known. Safe to
// call at any time; the FinalStatus field tells the caller whether it
// is final.
func (b *Base) Result() result.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}
