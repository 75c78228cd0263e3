package policy

import "testing"

func TestBuildFilter(t *testing.T) {
	b := &Builder{Default: DefaultKill}
	b.AllowSyscalls("read", "write", "exit", "exit_group").
		TraceSyscalls("execve", "openat")

	pol, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(pol.Prog) == 0 {
		t.Error("expected a non-empty compiled program")
	}
	if !pol.TraceSyscalls[syscallNumbers["execve"]] {
		t.Error("execve should be in TraceSyscalls")
	}
	if pol.TraceSyscalls[syscallNumbers["read"]] {
		t.Error("read should not be in TraceSyscalls")
	}
}

func TestBuildFilterUnknownSyscallFails(t *testing.T) {
	b := &Builder{Default: DefaultKill}
	b.TraceSyscalls("not_a_real_syscall_name")

	if _, err := b.Build(); err == nil {
		t.Error("Build should fail for an unresolvable syscall name")
	}
}

func TestSockFprog(t *testing.T) {
	b := &Builder{Default: DefaultKill}
	b.AllowSyscalls("read", "write")

	pol, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	prog := pol.SockFprog()
	if prog == nil || prog.Filter == nil {
		t.Fatal("SockFprog returned a nil program")
	}
	if int(prog.Len) != len(pol.Prog) {
		t.Errorf("SockFprog.Len = %d, want %d", prog.Len, len(pol.Prog))
	}
}
