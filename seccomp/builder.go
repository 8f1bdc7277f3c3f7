// Package seccomp builds the binary seccomp-BPF filter attached to the
// editor process before exec, per the fixed syscall allowlist in
// allowlist.go.
package seccomp

import (
	"bytes"
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
)

// Kind identifies a class of seccomp build/install failure.
type Kind int

const (
	// SeccompBuild is returned when constructing or serializing the filter
	// fails.
	SeccompBuild Kind = iota + 1
	// SeccompInstall is returned when attaching an already-built filter to
	// a process fails.
	SeccompInstall
)

// Error reports a seccomp build or install failure.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case SeccompBuild:
		return "seccomp: build failed: " + e.Detail
	case SeccompInstall:
		return "seccomp: install failed: " + e.Detail
	default:
		return "seccomp: error"
	}
}

// denyErrno is the errno returned for any syscall not on the allowlist.
// EPERM rather than a kill lets a denied process observe and handle the
// failure the way it would for a real permission error.
const denyErrno = 1 // EPERM

// Build constructs the filter described by §4.5 and serializes it to raw
// BPF bytecode: default action EPERM, a fixed allowlist of ScmpAction.Allow
// rules, and an architecture guard that kills the process on a syscall from
// an ABI the filter was never built for.
func Build() ([]byte, error) {
	defaultAction, err := libseccomp.ActErrno.SetReturnCode(int16(denyErrno))
	if err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}
	defer filter.Release()

	nativeArch, err := libseccomp.GetNativeArch()
	if err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}

	if err := filter.AddArch(nativeArch); err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}

	if err := filter.SetBadArchAction(libseccomp.ActKill); err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}

	for _, name := range allowedSyscalls {
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			// Some names in the table are newer than the kernel/libseccomp
			// headers this binary was built against (e.g. clone3 on older
			// systems); skipping an unresolvable name is safe, since the
			// filter's default action denies it anyway.
			continue
		}

		if err := filter.AddRuleExact(call, libseccomp.ActAllow); err != nil {
			return nil, &Error{Kind: SeccompBuild, Detail: fmt.Sprintf("allow %s: %s", name, err)}
		}
	}

	var buf bytes.Buffer

	if err := filter.ExportBPF(&buf); err != nil {
		return nil, &Error{Kind: SeccompBuild, Detail: err.Error()}
	}

	return buf.Bytes(), nil
}

// Denies reports whether name is absent from the allowlist, i.e. would fall
// through to the filter's default EPERM action. It exists for tests that
// enumerate the required-deny set from spec §4.5 without constructing a
// real filter.
func Denies(name string) bool {
	for _, allowed := range allowedSyscalls {
		if allowed == name {
			return false
		}
	}

	return true
}
