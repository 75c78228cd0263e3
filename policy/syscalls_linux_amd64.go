//go:build linux && amd64

package policy

import "golang.org/x/sys/unix"

// syscallNumbers is a curated name-to-number table for the syscalls
// this module's default profiles and violation scenarios care about.
// go-seccomp-bpf resolves the full syscall table internally when
// assembling the filter; this smaller table exists only so Build can
// turn the names given to TraceSyscalls/NotifySyscalls into the
// syscall-number sets the monitor checks events against, without
// reaching into the assembler's unexported internals.
var syscallNumbers = map[string]uintptr{
	"read": unix.SYS_READ, "write": unix.SYS_WRITE,
	"readv": unix.SYS_READV, "writev": unix.SYS_WRITEV,
	"close": unix.SYS_CLOSE, "fstat": unix.SYS_FSTAT, "lseek": unix.SYS_LSEEK,
	"dup": unix.SYS_DUP, "dup2": unix.SYS_DUP2, "dup3": unix.SYS_DUP3,
	"ioctl": unix.SYS_IOCTL, "fcntl": unix.SYS_FCNTL, "fadvise64": unix.SYS_FADVISE64,
	"mmap": unix.SYS_MMAP, "mprotect": unix.SYS_MPROTECT, "munmap": unix.SYS_MUNMAP,
	"brk": unix.SYS_BRK, "mremap": unix.SYS_MREMAP, "msync": unix.SYS_MSYNC,
	"mincore": unix.SYS_MINCORE, "madvise": unix.SYS_MADVISE,
	"rt_sigaction": unix.SYS_RT_SIGACTION, "rt_sigprocmask": unix.SYS_RT_SIGPROCMASK,
	"rt_sigreturn": unix.SYS_RT_SIGRETURN, "rt_sigpending": unix.SYS_RT_SIGPENDING,
	"sigaltstack": unix.SYS_SIGALTSTACK,
	"getcwd": unix.SYS_GETCWD, "exit": unix.SYS_EXIT, "exit_group": unix.SYS_EXIT_GROUP,
	"arch_prctl":   unix.SYS_ARCH_PRCTL,
	"gettimeofday": unix.SYS_GETTIMEOFDAY, "getrlimit": unix.SYS_GETRLIMIT,
	"getrusage": unix.SYS_GETRUSAGE, "times": unix.SYS_TIMES, "time": unix.SYS_TIME,
	"clock_gettime": unix.SYS_CLOCK_GETTIME, "restart_syscall": unix.SYS_RESTART_SYSCALL,

	"execve": unix.SYS_EXECVE, "open": unix.SYS_OPEN, "openat": unix.SYS_OPENAT,
	"unlink": unix.SYS_UNLINK, "unlinkat": unix.SYS_UNLINKAT,
	"readlink": unix.SYS_READLINK, "readlinkat": unix.SYS_READLINKAT,
	"lstat": unix.SYS_LSTAT, "stat": unix.SYS_STAT,
	"access": unix.SYS_ACCESS, "faccessat": unix.SYS_FACCESSAT,

	"ptrace": unix.SYS_PTRACE, "bpf": unix.SYS_BPF, "seccomp": unix.SYS_SECCOMP,
	"clone": unix.SYS_CLONE, "clone3": unix.SYS_CLONE3, "fork": unix.SYS_FORK,
	"vfork": unix.SYS_VFORK, "kill": unix.SYS_KILL, "connect": unix.SYS_CONNECT,
	"socket": unix.SYS_SOCKET, "set_tid_address": unix.SYS_SET_TID_ADDRESS,
	"set_robust_list": unix.SYS_SET_ROBUST_LIST, "rseq": unix.SYS_RSEQ,
}
