// Package fragment parses a single skeld configuration file into a Fragment
// — the in-memory, pre-merge representation of one TOML source.
//
// Parsing is schema-strict: unknown top-level or editor-table keys are
// rejected with a diagnostic carrying the offending key's source position,
// via github.com/BurntSushi/toml's MetaData.Undecoded.
package fragment

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Editor is the optional editor block of a fragment. Each field tracks its
// own presence so the merger (config.mergeScalarsOverride and
// config.mergeScalarsFillHoles) can tell "absent" from
// "present with zero value" per field, independently of the others.
type Editor struct {
	CmdWithFile       []string
	HasCmdWithFile    bool
	CmdWithoutFile    []string
	HasCmdWithoutFile bool
	Detach            bool
	HasDetach         bool
}

// Fragment is the parsed, unmerged form of one configuration file.
//
// Every string field here is a Path Term (or plain string, for non-path
// fields such as envvar names) — callers run whitelist/tmpfs/include entries and
// the editor argv through interp.Expand / interp.ExpandArgv before using
// them; fragment itself never touches interp.
type Fragment struct {
	ProjectDir    string
	HasProjectDir bool

	InitialFile    string
	HasInitialFile bool

	AutoNixshell    bool
	HasAutoNixshell bool

	NoSandbox    bool
	HasNoSandbox bool

	// Network is whether the sandbox shares the host network namespace. Its
	// spec-mandated default (true) is applied by config.normalize, not here;
	// HasNetwork only says whether this fragment spoke to the key at all.
	Network    bool
	HasNetwork bool

	TempDir    string
	HasTempDir bool

	WhitelistRO  []string
	WhitelistRW  []string
	WhitelistDev []string
	WhitelistLn  []string
	AddTmpfs     []string

	WhitelistAllEnvvars bool
	WhitelistEnvvar     []string

	Include []string

	Editor    Editor
	HasEditor bool

	// Source is the path this fragment was parsed from, kept for diagnostics
	// raised by later pipeline stages (include resolution, merge conflicts).
	Source string
}

// rawFragment mirrors the on-disk TOML shape. All fields are pointers or
// slices so that "key absent" is distinguishable from "key present with zero
// value", which the merge step (config.mergeScalarsOverride /
// config.mergeScalarsFillHoles) needs for last-writer-wins
// scalars.
type rawFragment struct {
	ProjectDir   *string  `toml:"project-dir"`
	InitialFile  *string  `toml:"initial-file"`
	AutoNixshell *bool    `toml:"auto-nixshell"`
	NoSandbox    *bool    `toml:"no-sandbox"`
	Network      *bool    `toml:"network"`
	TempDir      *string  `toml:"temp-dir"`
	WhitelistRO  []string `toml:"whitelist-ro"`
	WhitelistRW  []string `toml:"whitelist-rw"`
	WhitelistDev []string `toml:"whitelist-dev"`
	WhitelistLn  []string `toml:"whitelist-ln"`
	AddTmpfs     []string `toml:"add-tmpfs"`

	WhitelistAllEnvvars *bool    `toml:"whitelist-all-envvars"`
	WhitelistEnvvar     []string `toml:"whitelist-envvar"`

	Include []string `toml:"include"`

	Editor *rawEditor `toml:"editor"`
}

type rawEditor struct {
	CmdWithFile    []string `toml:"cmd-with-file"`
	CmdWithoutFile []string `toml:"cmd-without-file"`
	Detach         *bool    `toml:"detach"`
}

// Kind identifies a class of fragment parse/schema failure.
type Kind int

const (
	// ParseError is a TOML syntax error.
	ParseError Kind = iota + 1
	// UnknownKey is a recognized-table key that this schema does not define.
	UnknownKey
	// TypeMismatch is a key whose declared type does not match its TOML value.
	TypeMismatch
	// EmptyEditorArgv is an editor.cmd-with-file or cmd-without-file present
	// but zero-length.
	EmptyEditorArgv
)

// Error reports a fragment parse or schema failure. Line and Column are
// 1-based source positions; they are zero when the underlying failure has no
// position (e.g. a hand-checked post-decode invariant).
type Error struct {
	Kind   Kind
	Source string
	Key    string
	Line   int
	Column int
	// Detail is the underlying message (e.g. the toml decoder's own text).
	Detail string
}

func (e *Error) Error() string {
	pos := ""
	if e.Line > 0 {
		pos = fmt.Sprintf(":%d:%d", e.Line, e.Column)
	}

	switch e.Kind {
	case ParseError:
		return fmt.Sprintf("%s%s: parse error: %s", e.Source, pos, e.Detail)
	case UnknownKey:
		return fmt.Sprintf("%s%s: unknown key %q", e.Source, pos, e.Key)
	case TypeMismatch:
		return fmt.Sprintf("%s%s: %s", e.Source, pos, e.Detail)
	case EmptyEditorArgv:
		return fmt.Sprintf("%s: %s must be a non-empty array", e.Source, e.Key)
	default:
		return fmt.Sprintf("%s: fragment error", e.Source)
	}
}

// Parse decodes the TOML text in src (whose original path is source, used
// only for diagnostics) into a Fragment.
func Parse(src string, source string) (*Fragment, error) {
	var raw rawFragment

	meta, err := toml.Decode(src, &raw)
	if err != nil {
		if perr, ok := err.(toml.ParseError); ok {
			return nil, &Error{
				Kind:   ParseError,
				Source: source,
				Line:   perr.Position.Line,
				Column: perr.Position.Col,
				Detail: perr.Error(),
			}
		}

		if isTypeMismatch(err) {
			return nil, &Error{Kind: TypeMismatch, Source: source, Detail: err.Error()}
		}

		return nil, &Error{Kind: ParseError, Source: source, Detail: err.Error()}
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		key := undecoded[0]
		line, col := meta.Position(key)

		return nil, &Error{
			Kind:   UnknownKey,
			Source: source,
			Key:    key.String(),
			Line:   line,
			Column: col,
		}
	}

	frag := &Fragment{
		WhitelistRO:  raw.WhitelistRO,
		WhitelistRW:  raw.WhitelistRW,
		WhitelistDev: raw.WhitelistDev,
		WhitelistLn:  raw.WhitelistLn,
		AddTmpfs:     raw.AddTmpfs,

		WhitelistEnvvar: raw.WhitelistEnvvar,
		Include:         raw.Include,

		Source: source,
	}

	if raw.ProjectDir != nil {
		frag.ProjectDir = *raw.ProjectDir
		frag.HasProjectDir = true
	}

	if raw.InitialFile != nil {
		frag.InitialFile = *raw.InitialFile
		frag.HasInitialFile = true
	}

	if raw.AutoNixshell != nil {
		frag.AutoNixshell = *raw.AutoNixshell
		frag.HasAutoNixshell = true
	}

	if raw.NoSandbox != nil {
		frag.NoSandbox = *raw.NoSandbox
		frag.HasNoSandbox = true
	}

	if raw.Network != nil {
		frag.Network = *raw.Network
		frag.HasNetwork = true
	}

	if raw.TempDir != nil {
		frag.TempDir = *raw.TempDir
		frag.HasTempDir = true
	}

	if raw.WhitelistAllEnvvars != nil {
		frag.WhitelistAllEnvvars = *raw.WhitelistAllEnvvars
	}

	if raw.Editor != nil {
		frag.HasEditor = true

		if raw.Editor.CmdWithFile != nil {
			if len(raw.Editor.CmdWithFile) == 0 {
				return nil, &Error{Kind: EmptyEditorArgv, Source: source, Key: "editor.cmd-with-file"}
			}

			frag.Editor.CmdWithFile = raw.Editor.CmdWithFile
			frag.Editor.HasCmdWithFile = true
		}

		if raw.Editor.CmdWithoutFile != nil {
			if len(raw.Editor.CmdWithoutFile) == 0 {
				return nil, &Error{Kind: EmptyEditorArgv, Source: source, Key: "editor.cmd-without-file"}
			}

			frag.Editor.CmdWithoutFile = raw.Editor.CmdWithoutFile
			frag.Editor.HasCmdWithoutFile = true
		}

		if raw.Editor.Detach != nil {
			frag.Editor.Detach = *raw.Editor.Detach
			frag.Editor.HasDetach = true
		}
	}

	return frag, nil
}

// isTypeMismatch reports whether err is BurntSushi/toml's decode-time error
// for a value that parsed fine as TOML but does not fit the target Go
// field's type (e.g. a string where rawFragment declares []string). The
// library does not expose a distinct error type for this — unlike syntax
// errors, which surface as toml.ParseError — so this is a best-effort
// classification by message text rather than a type assertion.
func isTypeMismatch(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "incompatible types") ||
		strings.Contains(msg, "cannot decode") ||
		strings.Contains(msg, "cannot load TOML value")
}
