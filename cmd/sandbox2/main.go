// Command sandbox2 launches one sandboxed run described by a
// config.Profile YAML file and prints its Result.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sandbox2-go/sandbox2/config"
	"github.com/sandbox2-go/sandbox2/executor"
	"github.com/sandbox2-go/sandbox2/monitor"
	"github.com/sandbox2-go/sandbox2/result"
)

var (
	profilePath string
	notify      bool
	showDetails bool
	wallTime    time.Duration
)

func init() {
	flag.StringVar(&profilePath, "profile", "", "Path to the sandbox run profile (YAML)")
	flag.BoolVar(&notify, "notify", false, "Use SECCOMP_RET_USER_NOTIF (NotifyMonitor) instead of ptrace (TraceMonitor)")
	flag.BoolVar(&showDetails, "show-trace-details", false, "Print the compiled seccomp filter's disassembly before running")
	flag.DurationVar(&wallTime, "tl", 0, "Wall-clock time limit, e.g. 5s (0 disables)")
}

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -profile <profile.yaml> [options]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

// sandboxMonitor is the common surface both TraceMonitor and
// NotifyMonitor expose through their embedded *monitor.Base, plus
// their own overridden Launch.
type sandboxMonitor interface {
	Launch() error
	AwaitResultWithTimeout(time.Duration) (*result.Result, error)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()
	if profilePath == "" {
		printUsage()
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox2:", err)
		os.Exit(1)
	}
}

func run() error {
	profile, err := config.Load(profilePath)
	if err != nil {
		return err
	}

	pol, err := profile.Syscalls.BuildPolicy()
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}
	if showDetails {
		for _, line := range pol.Disassemble() {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	spec, err := profile.ToSpec(pol)
	if err != nil {
		return fmt.Errorf("build spec: %w", err)
	}

	allowedHosts, err := profile.BuildAllowedHosts()
	if err != nil {
		return fmt.Errorf("build allowed hosts: %w", err)
	}

	proc, err := executor.Start(spec)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	limit := wallTime
	if limit == 0 {
		limit = profile.WallTime
	}

	cfg := monitor.Config{
		Process:       proc,
		Policy:        pol,
		Cwd:           profile.WorkDir,
		RLimits:       profile.Limits.ToRLimits(),
		AllowedHosts:  allowedHosts,
		WallTimeLimit: limit,
	}

	useNotify := notify || len(profile.Syscalls.Notify) > 0
	var mon sandboxMonitor
	if useNotify {
		mon = monitor.NewNotifyMonitor(cfg)
	} else {
		mon = monitor.NewTraceMonitor(cfg)
	}

	if err := mon.Launch(); err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	r, err := mon.AwaitResultWithTimeout(awaitTimeout(limit))
	if err != nil {
		return fmt.Errorf("await result: %w", err)
	}

	printResult(r)
	if r.FinalStatus != result.OK {
		os.Exit(1)
	}
	return nil
}

// awaitTimeout bounds AwaitResultWithTimeout comfortably past any
// armed wall-clock deadline; with none armed it falls back to a
// generous ceiling rather than blocking forever on a hung sandboxee.
func awaitTimeout(wallLimit time.Duration) time.Duration {
	if wallLimit <= 0 {
		return 10 * time.Minute
	}
	return wallLimit + 30*time.Second
}

func printResult(r *result.Result) {
	fmt.Printf("status=%s reason=%d", r.FinalStatus, r.ReasonCode)
	if r.Syscall != nil {
		fmt.Printf(" syscall=%d arch=%s", r.Syscall.Number, r.SyscallArch)
	}
	if r.NetworkViolationMsg != "" {
		fmt.Printf(" network_violation=%q", r.NetworkViolationMsg)
	}
	fmt.Println()
	for _, frame := range r.StackTrace {
		fmt.Println("  " + frame)
	}
}
