package config

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func writeProfile(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeProfile(t, `
args: ["/bin/echo", "hi"]
work_dir: /tmp
namespaces: [pid, net]
syscalls:
  default: kill
  allow: [read, write, exit, exit_group]
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Args) != 2 || p.Args[0] != "/bin/echo" {
		t.Errorf("unexpected args: %v", p.Args)
	}
	if len(p.Namespaces) != 2 {
		t.Errorf("unexpected namespaces: %v", p.Namespaces)
	}
}

func TestLoad_MissingArgs(t *testing.T) {
	path := writeProfile(t, `work_dir: /tmp`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing args")
	}
}

func TestLoad_RelativeWorkDir(t *testing.T) {
	path := writeProfile(t, `
args: ["/bin/true"]
work_dir: rel/path
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for relative work_dir")
	}
}

func TestProfile_CloneFlags(t *testing.T) {
	p := &Profile{Namespaces: []string{"pid", "net", "uts"}}
	flags, err := p.cloneFlags()
	if err != nil {
		t.Fatalf("cloneFlags: %v", err)
	}
	want := uintptr(unix.CLONE_NEWPID | unix.CLONE_NEWNET | unix.CLONE_NEWUTS)
	if flags != want {
		t.Errorf("cloneFlags = %x, want %x", flags, want)
	}
}

func TestProfile_CloneFlags_Unknown(t *testing.T) {
	p := &Profile{Namespaces: []string{"bogus"}}
	if _, err := p.cloneFlags(); err == nil {
		t.Fatalf("expected error for unknown namespace")
	}
}

func TestProfile_ToSpec(t *testing.T) {
	p := &Profile{
		Args:       []string{"/bin/true"},
		Namespaces: []string{"ns"},
		Mounts: []Mount{
			{Source: "/lib", Target: "lib", FsType: "none", Flags: 0},
		},
	}
	spec, err := p.ToSpec(nil)
	if err != nil {
		t.Fatalf("ToSpec: %v", err)
	}
	if spec.Namespace == nil {
		t.Fatalf("expected namespace to be set")
	}
	if spec.Namespace.CloneFlags != uintptr(unix.CLONE_NEWNS) {
		t.Errorf("CloneFlags = %x, want CLONE_NEWNS", spec.Namespace.CloneFlags)
	}
	if len(spec.Namespace.Mounts) != 1 {
		t.Errorf("expected 1 mount, got %d", len(spec.Namespace.Mounts))
	}
}

func TestSyscallRules_BuildPolicy(t *testing.T) {
	rules := SyscallRules{Default: "kill", Allow: []string{"read", "write"}}
	pol, err := rules.BuildPolicy()
	if err != nil {
		t.Fatalf("BuildPolicy: %v", err)
	}
	if len(pol.Prog) == 0 {
		t.Errorf("expected a non-empty compiled program")
	}
}

func TestProfile_BuildAllowedHosts_Empty(t *testing.T) {
	p := &Profile{}
	hosts, err := p.BuildAllowedHosts()
	if err != nil {
		t.Fatalf("BuildAllowedHosts: %v", err)
	}
	if hosts != nil {
		t.Errorf("expected nil AllowedHosts for an empty list")
	}
}
