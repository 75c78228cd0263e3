// Package config loads a Profile describing one sandboxed run from
// YAML, the Go-native replacement for a hand-authored policy.Builder
// call and executor.Spec literal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/sandbox2-go/sandbox2/executor"
	"github.com/sandbox2-go/sandbox2/networkproxy"
	"github.com/sandbox2-go/sandbox2/pkg/mount"
	"github.com/sandbox2-go/sandbox2/pkg/rlimit"
	"github.com/sandbox2-go/sandbox2/policy"
)

// Profile is one sandboxed-run description, loaded from a YAML file
// the caller hands to a CLI front end or an embedding program.
type Profile struct {
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"work_dir"`

	Namespaces []string `yaml:"namespaces"` // any of: ns, pid, net, uts, ipc, user, cgroup

	// ExecImagePath, when set, is read into a sealed memfd and execed
	// from there instead of Args[0]'s filesystem path.
	ExecImagePath string `yaml:"exec_image_path"`

	Limits RLimits `yaml:"limits"`
	Mounts []Mount `yaml:"mounts"`

	Syscalls SyscallRules `yaml:"syscalls"`

	AllowedHosts []string      `yaml:"allowed_hosts"`
	WallTime     time.Duration `yaml:"wall_time"`

	CaptureStdout bool  `yaml:"capture_stdout"`
	CaptureStderr bool  `yaml:"capture_stderr"`
	MaxStdout     int64 `yaml:"max_stdout_bytes"`
	MaxStderr     int64 `yaml:"max_stderr_bytes"`
}

// RLimits mirrors pkg/rlimit.RLimits with YAML tags; CPU/CPUHard are
// seconds, the rest bytes, matching PrepareRLimit's own units.
type RLimits struct {
	CPUSeconds     uint64 `yaml:"cpu_seconds"`
	CPUHardSeconds uint64 `yaml:"cpu_hard_seconds"`
	DataBytes      uint64 `yaml:"data_bytes"`
	FileSizeBytes  uint64 `yaml:"file_size_bytes"`
	StackBytes     uint64 `yaml:"stack_bytes"`
	AddressSpace   uint64 `yaml:"address_space_bytes"`
	DisableCore    bool   `yaml:"disable_core"`
}

// ToRLimits converts to the pkg/rlimit type the Executor and
// monitor.Base consume.
func (r RLimits) ToRLimits() rlimit.RLimits {
	return rlimit.RLimits{
		CPU:          r.CPUSeconds,
		CPUHard:      r.CPUHardSeconds,
		Data:         r.DataBytes,
		FileSize:     r.FileSizeBytes,
		Stack:        r.StackBytes,
		AddressSpace: r.AddressSpace,
		DisableCore:  r.DisableCore,
	}
}

// Mount mirrors pkg/mount.Mount with YAML tags.
type Mount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	FsType string `yaml:"fs_type"`
	Data   string `yaml:"data"`
	Flags  uint64 `yaml:"flags"`
}

// ToMount converts to the pkg/mount type Namespace.Mounts consumes.
func (m Mount) ToMount() mount.Mount {
	return mount.Mount{
		Source: m.Source,
		Target: m.Target,
		FsType: m.FsType,
		Data:   m.Data,
		Flags:  uintptr(m.Flags),
	}
}

// SyscallRules is the YAML surface over policy.Builder: every syscall
// named here falls under exactly one of the four dispositions, plus
// the Default applied to everything else.
type SyscallRules struct {
	Default              string   `yaml:"default"` // "kill" (default), "trace", "allow", "errno"
	Allow                []string `yaml:"allow"`
	Trace                []string `yaml:"trace"`
	Notify               []string `yaml:"notify"`
	Errno                []string `yaml:"errno"`
	AllowStartupSyscalls bool     `yaml:"allow_startup_syscalls"`
}

// BuildPolicy compiles this profile's syscall rules into a Policy.
func (s SyscallRules) BuildPolicy() (*policy.Policy, error) {
	b := &policy.Builder{
		Default:                  defaultAction(s.Default),
		DangerDefaultAllowStatic: s.AllowStartupSyscalls,
	}
	b.AllowSyscalls(s.Allow...)
	b.TraceSyscalls(s.Trace...)
	b.NotifySyscalls(s.Notify...)
	b.ErrnoSyscalls(s.Errno...)
	return b.Build()
}

func defaultAction(name string) policy.DefaultAction {
	switch name {
	case "trace":
		return policy.DefaultTrace
	case "allow":
		return policy.DefaultAllow
	case "errno":
		return policy.DefaultErrno
	default:
		return policy.DefaultKill
	}
}

// namespaceFlags maps the YAML-friendly namespace names accepted by
// Profile.Namespaces to their CLONE_NEW* flag, the same flags that
// pkg/forkexec's UnshareFlags mask admits from Runner.CloneFlags; a
// Profile picks which of them to unshare.
var namespaceFlags = map[string]uintptr{
	"ns":     unix.CLONE_NEWNS,
	"pid":    unix.CLONE_NEWPID,
	"net":    unix.CLONE_NEWNET,
	"uts":    unix.CLONE_NEWUTS,
	"ipc":    unix.CLONE_NEWIPC,
	"user":   unix.CLONE_NEWUSER,
	"cgroup": unix.CLONE_NEWCGROUP,
}

// cloneFlags ORs together the CLONE_NEW* flags named by Namespaces,
// or 0 (no namespace isolation) if Namespaces is empty.
func (p *Profile) cloneFlags() (uintptr, error) {
	var flags uintptr
	for _, name := range p.Namespaces {
		flag, ok := namespaceFlags[name]
		if !ok {
			return 0, fmt.Errorf("unknown namespace %q", name)
		}
		flags |= flag
	}
	return flags, nil
}

// BuildAllowedHosts compiles the profile's host allowlist, or nil (no
// network proxy) when the list is empty.
func (p *Profile) BuildAllowedHosts() (networkproxy.AllowedHosts, error) {
	if len(p.AllowedHosts) == 0 {
		return nil, nil
	}
	return networkproxy.NewStaticAllowedHosts(p.AllowedHosts)
}

// ToSpec converts the profile into an executor.Spec, given the
// compiled seccomp program to install pre-exec. The returned Spec may
// hold an open file (ExecImage); callers only need this when
// ExecImagePath was set, and executor.Start reads it synchronously.
func (p *Profile) ToSpec(prog *policy.Policy) (*executor.Spec, error) {
	spec := &executor.Spec{
		Args:          p.Args,
		Env:           p.Env,
		WorkDir:       p.WorkDir,
		RLimits:       p.Limits.ToRLimits(),
		CaptureStdout: p.CaptureStdout,
		CaptureStderr: p.CaptureStderr,
		MaxStdout:     p.MaxStdout,
		MaxStderr:     p.MaxStderr,
	}
	if prog != nil {
		spec.Seccomp = prog.SockFprog()
	}
	if p.ExecImagePath != "" {
		f, err := os.Open(p.ExecImagePath)
		if err != nil {
			return nil, fmt.Errorf("exec_image_path: %w", err)
		}
		spec.ExecImage = f
	}

	flags, err := p.cloneFlags()
	if err != nil {
		return nil, err
	}
	if flags != 0 || len(p.Mounts) > 0 {
		ns := &executor.Namespace{CloneFlags: flags}
		for _, m := range p.Mounts {
			ns.Mounts = append(ns.Mounts, m.ToMount())
		}
		spec.Namespace = ns
	}
	return spec, nil
}

// Load reads and validates a Profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects profiles that would fail later in a less legible
// way (empty argv, a relative work dir, a malformed host allowlist).
func (p *Profile) Validate() error {
	if len(p.Args) == 0 {
		return fmt.Errorf("args must name at least the binary to run")
	}
	if p.WorkDir != "" && !filepath.IsAbs(p.WorkDir) {
		return fmt.Errorf("work_dir must be an absolute path, got %q", p.WorkDir)
	}
	if _, err := p.BuildAllowedHosts(); err != nil {
		return fmt.Errorf("allowed_hosts: %w", err)
	}
	if _, err := p.cloneFlags(); err != nil {
		return fmt.Errorf("namespaces: %w", err)
	}
	return nil
}
