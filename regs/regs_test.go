package regs

import "testing"

func TestArchString(t *testing.T) {
	tests := []struct {
		arch Arch
		want string
	}{
		{ArchAmd64, "amd64"},
		{ArchArm64, "arm64"},
		{ArchUnknown, "unknown"},
		{Arch(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.arch.String(); got != tt.want {
			t.Errorf("Arch(%d).String() = %q, want %q", tt.arch, got, tt.want)
		}
	}
}

func TestRegsSyscall(t *testing.T) {
	r := &Regs{
		Arch:          ArchAmd64,
		SyscallNumber: 59,
		Args:          [6]uint64{1, 2, 3, 4, 5, 6},
	}
	sc := r.Syscall()
	if sc.Number != 59 {
		t.Errorf("Number = %d, want 59", sc.Number)
	}
	if sc.Arch != ArchAmd64 {
		t.Errorf("Arch = %v, want %v", sc.Arch, ArchAmd64)
	}
	if sc.Args != r.Args {
		t.Errorf("Args = %v, want %v", sc.Args, r.Args)
	}
}
