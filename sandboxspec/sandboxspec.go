// Package sandboxspec holds the canonical, normalized description of a
// sandbox to be launched — the output of config.Resolve and the input to
// launcher.Prepare.
//
// Spec is a pure data container: its only real behavior is ToHelperArgv,
// which renders it into the sandbox helper's argv grammar in a fixed,
// deterministic order so identical specs produce byte-identical argvs.
package sandboxspec

import (
	"fmt"
	"sort"
)

// AccessLevel is the semantic class of a whitelist mount entry.
type AccessLevel int

const (
	// ReadOnly makes a path visible and readable; writes fail.
	ReadOnly AccessLevel = iota + 1
	// ReadWrite makes a path visible and fully writable on the host.
	ReadWrite
	// Device is like ReadWrite but additionally permits device-node access.
	Device
	// Symlink replicates a host symlink inside the sandbox with its target
	// string copied verbatim.
	Symlink
	// Tmpfs mounts an in-memory empty filesystem at the path.
	Tmpfs
)

func (a AccessLevel) String() string {
	switch a {
	case ReadOnly:
		return "ReadOnly"
	case ReadWrite:
		return "ReadWrite"
	case Device:
		return "Device"
	case Symlink:
		return "Symlink"
	case Tmpfs:
		return "Tmpfs"
	default:
		return fmt.Sprintf("AccessLevel(%d)", int(a))
	}
}

// argvOrder is the fixed access-level ordering used by ToHelperArgv. Tmpfs
// is emitted in its own pass (step 3 of the argv grammar) and is not part of
// this table.
var argvOrder = map[AccessLevel]int{
	Symlink:   0,
	ReadOnly:  1,
	ReadWrite: 2,
	Device:    3,
}

// WhitelistEntry is one resolved (Path, AccessLevel) bind rule.
type WhitelistEntry struct {
	// Path is the fully resolved, canonicalized absolute host path.
	Path  string
	Level AccessLevel
	// Optional, when true, makes the entry's absence at launch time
	// non-fatal (it is silently dropped) and renders with the helper's
	// "-try" mount variant.
	Optional bool
	// SymlinkTarget is the verbatim target string of the host symlink at
	// Path. It is populated by launcher.Prepare before ToHelperArgv is
	// called; it is meaningless for any Level other than Symlink.
	SymlinkTarget string
}

// EnvPolicy is the sandbox's environment-variable policy.
type EnvPolicy struct {
	// PassAll, when true, inherits the full host environment and makes
	// Allowlist irrelevant. Once any merged fragment sets pass-all, the
	// merged policy is pass-all (see config.mergeUnion).
	PassAll bool
	// Allowlist is the union of variable names gathered from every merged
	// fragment.
	Allowlist []string
	// Values is the environment snapshot taken at resolve time, restricted
	// to the names that actually exist in it. ToHelperArgv only emits
	// --setenv for names found here, which keeps argv construction a pure
	// function of Spec rather than of the process's live environment.
	Values map[string]string
}

// EditorSpec is the resolved editor invocation.
type EditorSpec struct {
	// Argv is the fully $(FILE)-resolved, interpolated argv to run inside
	// the sandbox.
	Argv []string
	// Detach, when true, tells the launcher to start the editor in its own
	// session with stdio on /dev/null and return without waiting, rather
	// than wait synchronously.
	Detach bool
}

// Spec is the canonical, merged description of one sandbox launch.
type Spec struct {
	Entries []WhitelistEntry
	// Tmpfs is the de-duplicated list of tmpfs mount paths, in merge order;
	// ToHelperArgv sorts it when rendering.
	Tmpfs []string
	Env   EnvPolicy
	// ProjectDir is the sandbox's working directory. config.Resolve adds it
	// to Entries as a ReadWrite entry unless a whitelist (or add-tmpfs)
	// already names that path, in which case that existing level is kept.
	ProjectDir string
	Editor     EditorSpec
	// NoSandbox, when true, tells the launcher to exec the editor directly,
	// skipping both the helper and the seccomp filter.
	NoSandbox bool
	// Network, when true (the default), shares the host network namespace.
	// When false, ToHelperArgv adds --unshare-net.
	Network bool
	// TempDir, when non-empty, is bind-mounted to /tmp inside the sandbox
	// with TMPDIR set to match, normalizing temp-dir behavior regardless of
	// the host's own TMPDIR.
	TempDir string
	// DNSCompatDir is the host directory launcher.Prepare resolves
	// /etc/resolv.conf's symlink target into (systemd-resolved's common
	// /run/systemd/resolve layout). It is only meaningful when Network is
	// true, and is left empty when no such compatibility bind is needed;
	// populating it is a filesystem-dependent step that happens before
	// ToHelperArgv, keeping ToHelperArgv itself a pure function of Spec.
	DNSCompatDir string
}

// Kind identifies a class of argv-construction failure.
type Kind int

const (
	// UnresolvedSymlinkTarget is returned when ToHelperArgv encounters a
	// Symlink entry whose SymlinkTarget has not been populated.
	UnresolvedSymlinkTarget Kind = iota + 1
)

// Error reports an argv-construction failure.
type Error struct {
	Kind Kind
	Path string
}

func (e *Error) Error() string {
	switch e.Kind {
	case UnresolvedSymlinkTarget:
		return fmt.Sprintf("sandboxspec: symlink target for %q was never resolved", e.Path)
	default:
		return "sandboxspec: argv construction error"
	}
}

// ToHelperArgv renders the spec into the sandbox helper's argv, starting
// with helperPath as argv[0]. See spec §4.4 for the grammar this follows
// step by step.
func (s *Spec) ToHelperArgv(helperPath string) ([]string, error) {
	argv := []string{helperPath}

	entries := make([]WhitelistEntry, len(s.Entries))
	copy(entries, s.Entries)

	sort.SliceStable(entries, func(i, j int) bool {
		oi, oj := argvOrder[entries[i].Level], argvOrder[entries[j].Level]
		if oi != oj {
			return oi < oj
		}

		return entries[i].Path < entries[j].Path
	})

	for _, e := range entries {
		args, err := mountArgs(e)
		if err != nil {
			return nil, err
		}

		argv = append(argv, args...)
	}

	tmpfs := make([]string, len(s.Tmpfs))
	copy(tmpfs, s.Tmpfs)
	sort.Strings(tmpfs)

	for _, p := range tmpfs {
		argv = append(argv, "--tmpfs", p)
	}

	if s.Network && s.DNSCompatDir != "" {
		argv = append(argv, "--dir", s.DNSCompatDir, "--ro-bind", s.DNSCompatDir, s.DNSCompatDir)
	}

	if s.TempDir != "" {
		argv = append(argv, "--bind", s.TempDir, "/tmp", "--setenv", "TMPDIR", "/tmp")
	}

	argv = append(argv,
		"--unshare-user",
		"--unshare-ipc",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-cgroup",
	)

	if !s.Network {
		argv = append(argv, "--unshare-net")
	}

	argv = append(argv,
		"--proc", "/proc",
		"--dev", "/dev",
		"--die-with-parent",
		"--new-session",
	)

	if !s.Env.PassAll {
		argv = append(argv, "--clearenv")

		allow := make([]string, len(s.Env.Allowlist))
		copy(allow, s.Env.Allowlist)
		sort.Strings(allow)

		for _, name := range allow {
			if val, ok := s.Env.Values[name]; ok {
				argv = append(argv, "--setenv", name, val)
			}
		}
	}

	argv = append(argv, "--chdir", s.ProjectDir)
	argv = append(argv, "--")
	argv = append(argv, s.Editor.Argv...)

	return argv, nil
}

func mountArgs(e WhitelistEntry) ([]string, error) {
	switch e.Level {
	case ReadOnly:
		return []string{flagTry("--ro-bind", e.Optional), e.Path, e.Path}, nil
	case ReadWrite:
		return []string{flagTry("--bind", e.Optional), e.Path, e.Path}, nil
	case Device:
		return []string{flagTry("--dev-bind", e.Optional), e.Path, e.Path}, nil
	case Symlink:
		if e.SymlinkTarget == "" {
			return nil, &Error{Kind: UnresolvedSymlinkTarget, Path: e.Path}
		}

		return []string{"--symlink", e.SymlinkTarget, e.Path}, nil
	default:
		return nil, fmt.Errorf("sandboxspec: unsupported access level %v for %q", e.Level, e.Path)
	}
}

func flagTry(base string, optional bool) string {
	if optional {
		return base + "-try"
	}

	return base
}
