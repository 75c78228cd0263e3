// Package executor forks and execs the sandboxee, wiring the two
// reserved descriptors from the external contract (comms channel at
// 1023, fork-server target image at 1022) into the child's FD table
// and returning the Process record the monitor consumes.
package executor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/sandbox2-go/sandbox2/pkg/forkexec"
	"github.com/sandbox2-go/sandbox2/pkg/memfd"
	"github.com/sandbox2-go/sandbox2/pkg/mount"
	"github.com/sandbox2-go/sandbox2/pkg/pipe"
	"github.com/sandbox2-go/sandbox2/pkg/rlimit"
	"github.com/sandbox2-go/sandbox2/pkg/unixsocket"

	"github.com/sandbox2-go/sandbox2/comms"
)

// defaultCaptureMax bounds how much of stdout/stderr Start buffers in
// the supervisor when Spec requests capture, mirroring the teacher's
// pipe.Buffer tests' own cap style.
const defaultCaptureMax = 4 << 20

// CommsFD is the well-known sandboxee-side comms descriptor, overridable
// by the SANDBOX2_COMMS_FD environment variable.
func CommsFD() uintptr {
	if v := os.Getenv(comms.CommsFDEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return uintptr(n)
		}
	}
	return comms.ClientCommsFD
}

// ExecFD is the reserved fork-server target executable image descriptor.
const ExecFD = comms.TargetExecFD

// Namespace configures the mount/uid/gid/uts unsharing forkexec.Runner
// already supports; nil disables namespace isolation entirely.
type Namespace struct {
	CloneFlags  uintptr
	Mounts      []mount.Mount
	PivotRoot   string
	HostName    string
	DomainName  string
	UIDMappings []syscall.SysProcIDMap
	GIDMappings []syscall.SysProcIDMap
}

// Spec describes one sandboxed run for the Executor to launch.
type Spec struct {
	Args        []string
	Env         []string
	WorkDir     string
	RLimits     rlimit.RLimits
	Credential  *syscall.Credential
	Namespace   *Namespace
	NoNewPrivs  bool
	// Seccomp is the compiled filter; nil runs unfiltered (setup only,
	// never a real sandboxed run).
	Seccomp *syscall.SockFprog

	// CaptureStdout/CaptureStderr redirect the sandboxee's stdout/stderr
	// into a bounded in-process buffer instead of inheriting the
	// supervisor's own, for inclusion in the Result. MaxStdout/MaxStderr
	// cap the bytes retained; 0 uses defaultCaptureMax.
	CaptureStdout bool
	CaptureStderr bool
	MaxStdout     int64
	MaxStderr     int64

	// ExecImage, when set, is read into a sealed memfd and the
	// sandboxee is launched from that fd via execveat(2) instead of
	// Args[0]'s path, so the binary never exists as an attacker-visible
	// file the sandboxee could reopen writable.
	ExecImage io.Reader
}

// Process is the external contract MonitorBase consumes: the main
// pid, a status-signaling descriptor closed by the kernel when the
// child exits, and the supervisor-side comms descriptor number.
type Process struct {
	MainPID  int
	StatusFD *os.File
	CommsFD  int

	// Stdout/Stderr are non-nil only when the matching Spec.Capture*
	// flag was set; Buffer.Buffer fills as the sandboxee runs and is
	// safe to read only after Buffer.Done closes.
	Stdout *pipe.Buffer
	Stderr *pipe.Buffer

	commsSupervisorSide *comms.Comms
}

// Comms returns the supervisor-side Comms endpoint connected to the
// sandboxee's fixed comms descriptor.
func (p *Process) Comms() *comms.Comms {
	return p.commsSupervisorSide
}

// Start forks the sandboxee per spec, placing the supervisor's comms
// socketpair half at the reserved comms descriptor in the child's FD
// table and arming a status pipe the caller's StatusFD half signals
// EOF on once the child has exited (NotifyMonitor's status_pipe_fd).
func Start(spec *Spec) (*Process, error) {
	supervisorSock, childSock, err := newCommsPair()
	if err != nil {
		return nil, fmt.Errorf("executor: comms socketpair: %w", err)
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		childSock.Terminate()
		supervisorSock.Terminate()
		return nil, fmt.Errorf("executor: status pipe: %w", err)
	}

	childFile := childSock.Underlying()
	if childFile == nil {
		statusR.Close()
		statusW.Close()
		childSock.Terminate()
		supervisorSock.Terminate()
		return nil, fmt.Errorf("executor: child comms fd unavailable")
	}

	var stdout, stderr *pipe.Buffer
	if spec.CaptureStdout {
		stdout, err = pipe.NewBuffer(captureMax(spec.MaxStdout))
		if err != nil {
			statusR.Close()
			statusW.Close()
			childFile.Close()
			childSock.Terminate()
			supervisorSock.Terminate()
			return nil, fmt.Errorf("executor: stdout buffer: %w", err)
		}
	}
	if spec.CaptureStderr {
		stderr, err = pipe.NewBuffer(captureMax(spec.MaxStderr))
		if err != nil {
			statusR.Close()
			statusW.Close()
			childFile.Close()
			childSock.Terminate()
			supervisorSock.Terminate()
			if stdout != nil {
				stdout.W.Close()
			}
			return nil, fmt.Errorf("executor: stderr buffer: %w", err)
		}
	}

	// statusFD has no fixed number in the external contract; it only
	// needs to survive execve so its sole open copy closes exactly
	// when the whole sandboxed process tree has exited. It is placed
	// one slot past the comms fd.
	statusFD := CommsFD() + 1
	files := make([]uintptr, statusFD+1)
	for i := range files {
		files[i] = invalidFD
	}
	files[0], files[1], files[2] = 0, 1, 2
	if stdout != nil {
		files[1] = stdout.W.Fd()
	}
	if stderr != nil {
		files[2] = stderr.W.Fd()
	}
	files[CommsFD()] = childFile.Fd()
	files[statusFD] = statusW.Fd()

	runner := &forkexec.Runner{
		Args:    spec.Args,
		Env:     spec.Env,
		WorkDir: spec.WorkDir,
		Files:   files,
		RLimits: spec.RLimits.PrepareRLimit(),

		Credential: spec.Credential,
		NoNewPrivs: spec.NoNewPrivs || spec.Seccomp != nil,
		Seccomp:    spec.Seccomp,

		// The child self-stops with SIGSTOP right before loading the
		// seccomp filter. PTRACE_SEIZE is the supervisor's job, done
		// by the monitor after Start returns a pid, not PTRACE_TRACEME
		// in the child (Ptrace stays false here on purpose); SIGCONT
		// releases the child once the tracer has attached.
		StopBeforeSeccomp: spec.Seccomp != nil,
	}
	if spec.Namespace != nil {
		runner.CloneFlags = spec.Namespace.CloneFlags
		runner.PivotRoot = spec.Namespace.PivotRoot
		runner.HostName = spec.Namespace.HostName
		runner.DomainName = spec.Namespace.DomainName
		runner.UIDMappings = spec.Namespace.UIDMappings
		runner.GIDMappings = spec.Namespace.GIDMappings
		for _, m := range spec.Namespace.Mounts {
			sp, err := m.ToSyscall()
			if err != nil {
				statusR.Close()
				statusW.Close()
				childFile.Close()
				childSock.Terminate()
				supervisorSock.Terminate()
				if stdout != nil {
					stdout.W.Close()
				}
				if stderr != nil {
					stderr.W.Close()
				}
				return nil, fmt.Errorf("executor: mount %q: %w", m.Target, err)
			}
			runner.Mounts = append(runner.Mounts, *sp)
		}
	}

	var execImage *os.File
	if spec.ExecImage != nil {
		if c, ok := spec.ExecImage.(io.Closer); ok {
			defer c.Close()
		}
		execImage, err = memfd.DupToMemfd("sandbox2_exec", spec.ExecImage)
		if err != nil {
			statusR.Close()
			statusW.Close()
			childFile.Close()
			childSock.Terminate()
			supervisorSock.Terminate()
			if stdout != nil {
				stdout.W.Close()
			}
			if stderr != nil {
				stderr.W.Close()
			}
			return nil, fmt.Errorf("executor: exec image: %w", err)
		}
		defer execImage.Close()
		runner.ExecFile = execImage.Fd()
	}

	pid, err := runner.Start()
	childFile.Close()
	childSock.Terminate()
	statusW.Close()
	if stdout != nil {
		stdout.W.Close()
	}
	if stderr != nil {
		stderr.W.Close()
	}
	if err != nil {
		statusR.Close()
		supervisorSock.Terminate()
		return nil, fmt.Errorf("executor: start: %w", err)
	}

	return &Process{
		MainPID:             pid,
		StatusFD:            statusR,
		CommsFD:             int(CommsFD()),
		Stdout:              stdout,
		Stderr:              stderr,
		commsSupervisorSide: supervisorSock,
	}, nil
}

func captureMax(n int64) int64 {
	if n > 0 {
		return n
	}
	return defaultCaptureMax
}

const invalidFD = ^uintptr(0)

func newCommsPair() (*comms.Comms, *comms.Comms, error) {
	a, b, err := unixsocket.NewSocketPair()
	if err != nil {
		return nil, nil, err
	}
	return comms.NewFromSocket(a), comms.NewFromSocket(b), nil
}
