//go:build linux && arm64

package policy

import "golang.org/x/sys/unix"

// See syscalls_linux_amd64.go for why this table exists and is
// intentionally a curated subset rather than the full syscall table.
var syscallNumbers = map[string]uintptr{
	"read": unix.SYS_READ, "write": unix.SYS_WRITE,
	"readv": unix.SYS_READV, "writev": unix.SYS_WRITEV,
	"close": unix.SYS_CLOSE, "fstat": unix.SYS_FSTAT, "lseek": unix.SYS_LSEEK,
	"dup": unix.SYS_DUP, "dup3": unix.SYS_DUP3,
	"ioctl": unix.SYS_IOCTL, "fcntl": unix.SYS_FCNTL, "fadvise64": unix.SYS_FADVISE64,
	"mmap": unix.SYS_MMAP, "mprotect": unix.SYS_MPROTECT, "munmap": unix.SYS_MUNMAP,
	"brk": unix.SYS_BRK, "mremap": unix.SYS_MREMAP, "msync": unix.SYS_MSYNC,
	"madvise": unix.SYS_MADVISE,
	"rt_sigaction": unix.SYS_RT_SIGACTION, "rt_sigprocmask": unix.SYS_RT_SIGPROCMASK,
	"rt_sigreturn": unix.SYS_RT_SIGRETURN, "rt_sigpending": unix.SYS_RT_SIGPENDING,
	"sigaltstack": unix.SYS_SIGALTSTACK,
	"getcwd": unix.SYS_GETCWD, "exit": unix.SYS_EXIT, "exit_group": unix.SYS_EXIT_GROUP,
	"gettimeofday": unix.SYS_GETTIMEOFDAY, "getrlimit": unix.SYS_GETRLIMIT,
	"getrusage": unix.SYS_GETRUSAGE, "times": unix.SYS_TIMES,
	"clock_gettime": unix.SYS_CLOCK_GETTIME, "restart_syscall": unix.SYS_RESTART_SYSCALL,

	"execve": unix.SYS_EXECVE, "openat": unix.SYS_OPENAT,
	"unlinkat": unix.SYS_UNLINKAT, "readlinkat": unix.SYS_READLINKAT,
	"faccessat": unix.SYS_FACCESSAT,

	"ptrace": unix.SYS_PTRACE, "bpf": unix.SYS_BPF, "seccomp": unix.SYS_SECCOMP,
	"clone": unix.SYS_CLONE, "clone3": unix.SYS_CLONE3,
	"kill": unix.SYS_KILL, "connect": unix.SYS_CONNECT,
	"socket": unix.SYS_SOCKET, "set_tid_address": unix.SYS_SET_TID_ADDRESS,
	"set_robust_list": unix.SYS_SET_ROBUST_LIST, "rseq": unix.SYS_RSEQ,
}
