// Package launcher translates a normalized sandboxspec.Spec into a running
// (or detached) editor process: it locates the sandbox helper, builds its
// argv, attaches the seccomp filter, spawns the child, and manages its
// lifecycle — attached (wait synchronously, forward signals) or detached
// (double-fork equivalent, return immediately).
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/skeld-go/skeld/sandboxspec"
	"github.com/skeld-go/skeld/seccomp"
)

// firstExtraFD is the FD number the seccomp filter lands on inside the
// child: 0-2 are stdin/stdout/stderr, so the first file in cmd.ExtraFiles is
// always 3.
const firstExtraFD = 3

// State is one node of the launcher's state machine: Preparing → Spawning →
// Running → Exited{code}, with an error edge from any state to Failed{kind}.
type State int

const (
	Preparing State = iota + 1
	Spawning
	Running
	Exited
	Failed
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "Preparing"
	case Spawning:
		return "Spawning"
	case Running:
		return "Running"
	case Exited:
		return "Exited"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Kind identifies a class of preparation or runtime failure.
type Kind int

const (
	// SandboxPrepError is returned when a mandatory whitelist entry's host
	// path does not exist at prepare time.
	SandboxPrepError Kind = iota + 1
	// HelperNotFound is returned when the sandbox helper cannot be located
	// on PATH.
	HelperNotFound
	// SpawnFailed is returned when starting the child process fails.
	SpawnFailed
	// ChildSignalled is returned when the child terminates due to a signal
	// rather than an exit code.
	ChildSignalled
)

// Error reports a preparation or runtime failure.
type Error struct {
	Kind   Kind
	Path   string
	Signal string
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case SandboxPrepError:
		return fmt.Sprintf("launcher: mandatory path %q does not exist", e.Path)
	case HelperNotFound:
		return "launcher: sandbox helper not found on PATH: " + e.Detail
	case SpawnFailed:
		return "launcher: failed to spawn: " + e.Detail
	case ChildSignalled:
		return "launcher: child terminated by signal " + e.Signal
	default:
		return "launcher: error"
	}
}

// secondSignalWindow is how long after the first forwarded SIGINT/SIGTERM a
// second delivery is treated as "abort immediately" rather than "forward
// again".
const secondSignalWindow = 1 * time.Second

// helperName is the sandbox helper's binary name, looked up on PATH.
const helperName = "bwrap"

// LaunchPlan is the materialized result of Prepare: a ready-to-exec argv,
// an optional seccomp filter, and the working directory/editor-detach
// policy carried over from the spec.
type LaunchPlan struct {
	// Argv is the full process argv: either the helper invocation (spec
	// §4.4) or, when NoSandbox is set, the bare editor argv.
	Argv []string
	// Seccomp is the raw BPF program to attach before the child execs the
	// editor. Nil when NoSandbox is set.
	Seccomp []byte
	Dir     string
	Detach  bool
}

// StatFunc matches os.Stat's signature closely enough for Prepare's
// existence checks to be substituted in tests.
type StatFunc func(path string) (os.FileInfo, error)

// ReadlinkFunc matches os.Readlink; used to resolve a Symlink entry's
// target before it is handed to sandboxspec.ToHelperArgv.
type ReadlinkFunc func(path string) (string, error)

// LookPathFunc matches exec.LookPath; used to locate the sandbox helper.
type LookPathFunc func(file string) (string, error)

// Preparer resolves a Spec into a LaunchPlan. Its function fields default
// to the real os/exec package; tests substitute fakes so Prepare needs no
// filesystem.
type Preparer struct {
	Stat     StatFunc
	Readlink ReadlinkFunc
	LookPath LookPathFunc
	// BuildSeccomp builds the BPF filter; defaults to seccomp.Build but is
	// swappable so tests do not need a real libseccomp-capable kernel.
	BuildSeccomp func() ([]byte, error)
}

// NewPreparer returns a Preparer wired to the real OS.
func NewPreparer() *Preparer {
	return &Preparer{
		Stat:         os.Stat,
		Readlink:     os.Readlink,
		LookPath:     exec.LookPath,
		BuildSeccomp: seccomp.Build,
	}
}

// Prepare pre-verifies every mandatory bind source, resolves symlink
// targets, locates the helper, and builds the helper argv and seccomp
// filter, per spec §4.6.
func (p *Preparer) Prepare(spec *sandboxspec.Spec) (*LaunchPlan, error) {
	if spec.NoSandbox {
		return &LaunchPlan{
			Argv:   spec.Editor.Argv,
			Dir:    spec.ProjectDir,
			Detach: spec.Editor.Detach,
		}, nil
	}

	kept := make([]sandboxspec.WhitelistEntry, 0, len(spec.Entries))

	for _, e := range spec.Entries {
		if e.Level == sandboxspec.Symlink {
			target, err := p.Readlink(e.Path)
			if err != nil {
				if e.Optional {
					continue
				}

				return nil, &Error{Kind: SandboxPrepError, Path: e.Path}
			}

			e.SymlinkTarget = target
			kept = append(kept, e)

			continue
		}

		if _, err := p.Stat(e.Path); err != nil {
			if e.Optional {
				continue
			}

			return nil, &Error{Kind: SandboxPrepError, Path: e.Path}
		}

		kept = append(kept, e)
	}

	resolvedSpec := *spec
	resolvedSpec.Entries = kept

	if spec.Network {
		resolvedSpec.DNSCompatDir = resolveDNSCompatDir(p.Readlink, p.Stat)
	}

	helperPath, err := p.LookPath(helperName)
	if err != nil {
		return nil, &Error{Kind: HelperNotFound, Detail: err.Error()}
	}

	argv, err := resolvedSpec.ToHelperArgv(helperPath)
	if err != nil {
		return nil, err
	}

	filter, err := p.BuildSeccomp()
	if err != nil {
		return nil, err
	}

	return &LaunchPlan{
		Argv:    argv,
		Seccomp: filter,
		Dir:     spec.ProjectDir,
		Detach:  spec.Editor.Detach,
	}, nil
}

// ExitOutcome is the externally observable result of an attached launch.
type ExitOutcome struct {
	State    State
	Code     int
	FailKind Kind
}

// Launcher runs a LaunchPlan to completion (attached) or hands it off
// (detached).
type Launcher struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Launch starts plan.Argv[0] with plan.Argv[1:], per spec §4.6.
//
// Attached (plan.Detach == false): the launcher waits synchronously,
// forwarding every signal received on sigCh to the child; a second signal
// within secondSignalWindow of the first makes the launcher return
// immediately without waiting further (the helper's --die-with-parent still
// tears the sandbox down).
//
// Detached (plan.Detach == true): the child is started with its own
// session (Setsid) and stdio redirected to /dev/null, approximating a
// double-fork in a way that is safe inside a multithreaded Go runtime; once
// Start succeeds the child is reparented to the nearest subreaper as this
// process exits, and Launch returns immediately.
func (l *Launcher) Launch(ctx context.Context, plan *LaunchPlan, sigCh <-chan os.Signal) (ExitOutcome, error) {
	if len(plan.Argv) == 0 {
		return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: "empty argv"}
	}

	argv := plan.Argv

	var seccompFile *os.File

	if len(plan.Seccomp) > 0 {
		f, err := stageSeccompBlob(plan.Seccomp)
		if err != nil {
			return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: err.Error()}
		}

		seccompFile = f
		argv = spliceSeccompArg(argv, firstExtraFD)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = plan.Dir

	if seccompFile != nil {
		cmd.ExtraFiles = []*os.File{seccompFile}

		defer seccompFile.Close()
	}

	if plan.Detach {
		return l.launchDetached(cmd)
	}

	return l.launchAttached(cmd, sigCh)
}

// spliceSeccompArg inserts "--seccomp <fd>" immediately before the "--"
// argv terminator emitted by sandboxspec.ToHelperArgv, since the FD number
// is only known once ExtraFiles has been assembled at launch time.
func spliceSeccompArg(argv []string, fd int) []string {
	for i, a := range argv {
		if a == "--" {
			out := make([]string, 0, len(argv)+2)
			out = append(out, argv[:i]...)
			out = append(out, "--seccomp", strconv.Itoa(fd))
			out = append(out, argv[i:]...)

			return out
		}
	}

	return argv
}

func (l *Launcher) launchAttached(cmd *exec.Cmd, sigCh <-chan os.Signal) (ExitOutcome, error) {
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: err.Error()}
	}

	done := make(chan error, 1)

	go func() {
		done <- cmd.Wait()
	}()

	var firstSignalAt time.Time

	for {
		select {
		case err := <-done:
			return outcomeFromWait(err)
		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil

				continue
			}

			now := time.Now()

			if !firstSignalAt.IsZero() && now.Sub(firstSignalAt) < secondSignalWindow {
				return ExitOutcome{State: Exited, Code: 130}, nil
			}

			firstSignalAt = now

			if cmd.Process != nil {
				_ = cmd.Process.Signal(sig.(os.Signal))
			}
		}
	}
}

func (l *Launcher) launchDetached(cmd *exec.Cmd) (ExitOutcome, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: err.Error()}
	}
	defer devNull.Close()

	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: err.Error()}
	}

	// The launcher intentionally never calls Wait here: once exec'd the
	// child is expected to be reparented to the nearest subreaper (or pid
	// 1) when this process exits, which is the externally observable
	// contract a true double-fork would also provide.
	return ExitOutcome{State: Running}, nil
}

func outcomeFromWait(err error) (ExitOutcome, error) {
	if err == nil {
		return ExitOutcome{State: Exited, Code: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() >= 0 {
			return ExitOutcome{State: Exited, Code: exitErr.ExitCode()}, nil
		}

		return ExitOutcome{State: Failed, FailKind: ChildSignalled}, &Error{
			Kind:   ChildSignalled,
			Signal: exitErr.String(),
		}
	}

	return ExitOutcome{State: Failed, FailKind: SpawnFailed}, &Error{Kind: SpawnFailed, Detail: err.Error()}
}
