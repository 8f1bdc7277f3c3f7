// Package config walks a fragment's include graph, merges every reachable
// fragment.Fragment into one accumulator, and normalizes the result into a
// sandboxspec.Spec.
//
// This is the Include Resolver & Merger: it owns the only policy in skeld
// that is allowed to know about merge precedence between the user-wide
// fragment, the selected project fragment, and whatever those two (transitively)
// include.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skeld-go/skeld/fragment"
	"github.com/skeld-go/skeld/interp"
	"github.com/skeld-go/skeld/sandboxspec"
)

// ReadFile loads the raw text of a fragment source. Production code passes
// os.ReadFile (wrapped to return a string); tests substitute an in-memory
// map so the merge pipeline can run without a filesystem.
type ReadFile func(path string) (string, error)

// Loader resolves a project fragment plus its user-wide config and include
// graph into a normalized sandboxspec.Spec.
type Loader struct {
	// ReadFile loads fragment source text by absolute path.
	ReadFile ReadFile
	// IncludeDir is "<SKELD-DATA>/include", the base directory bare include
	// names are resolved against.
	IncludeDir string
	// Ctx is the interpolation context (environment snapshot, home
	// directory) used to resolve every Path Term encountered during the
	// load.
	Ctx interp.Context
}

// Kind identifies a class of include-resolution or semantic failure.
type Kind int

const (
	// IncludeNotFound is returned when an include's resolved path does not
	// exist.
	IncludeNotFound Kind = iota + 1
	// IncludeReadError is returned when an include's resolved path exists
	// but cannot be read (e.g. permission denied) — a distinct failure mode
	// from IncludeNotFound, since the fix is different (permissions vs a
	// missing file or a typo'd include name).
	IncludeReadError
	// MissingRequiredField is returned when the merged result has no
	// project-dir.
	MissingRequiredField
	// AccessLevelConflict is returned when one resolved path is whitelisted
	// at two access levels that cannot be reconciled (see
	// sandboxspec.AccessLevel ordering in resolveConflict).
	AccessLevelConflict
)

// Error reports an include-resolution or normalization failure.
type Error struct {
	Kind   Kind
	Path   string
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case IncludeNotFound:
		return "config: include not found: " + e.Path + ": " + e.Detail
	case IncludeReadError:
		return "config: could not read include: " + e.Path + ": " + e.Detail
	case MissingRequiredField:
		return "config: missing required field project-dir"
	case AccessLevelConflict:
		return "config: access level conflict for " + e.Path + ": " + e.Detail
	default:
		return "config: error"
	}
}

// accEntry is one union-merged whitelist path before interpolation.
//
// Optional entries are written in a fragment as a path with a trailing "?"
// sigil (e.g. "/opt/maybe?"); addWhitelist strips it and sets Optional. This
// is skeld's own convention for the Whitelist Entry "optional" flag — the
// fragment schema table has no dedicated syntax for it, so a single
// low-friction marker on the path string itself was chosen over adding a
// second array field per access level.
type accEntry struct {
	path     string
	level    sandboxspec.AccessLevel
	optional bool
}

// accKey identifies an accEntry for union de-duplication: two occurrences
// of the same (path, level) collapse into one regardless of how each one
// spelled the optional marker, at the first occurrence's position; the
// entry stays Optional only if every occurrence was marked optional.
type accKey struct {
	path  string
	level sandboxspec.AccessLevel
}

// accumulator holds the fragments merged so far, before final
// interpolation/canonicalization/conflict-resolution.
type accumulator struct {
	whitelist    []accEntry
	whitelistSet map[accKey]bool

	tmpfs    []string
	tmpfsSet map[string]bool

	envAllEnvvars bool
	envAllowlist  []string
	envSet        map[string]bool

	projectDir    string
	hasProjectDir bool

	initialFile    string
	hasInitialFile bool

	autoNixshell    bool
	hasAutoNixshell bool

	noSandbox    bool
	hasNoSandbox bool

	// network and hasNetwork follow the same presence-tracked shape as the
	// other scalars, but an absent network is not "false" — normalize
	// defaults it to true (spec.Network shares the host namespace unless a
	// fragment explicitly opts out).
	network    bool
	hasNetwork bool

	tempDir    string
	hasTempDir bool

	editorCmdWithFile    []string
	hasEditorCmdWithFile bool

	editorCmdWithoutFile    []string
	hasEditorCmdWithoutFile bool

	editorDetach    bool
	hasEditorDetach bool

	// locked marks which scalar keys were already decided by the user-wide
	// fragment or the root fragment; once locked, includes may only fill a
	// key that is still unset, never overwrite one.
	locked map[string]bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		whitelistSet: map[accKey]bool{},
		tmpfsSet:     map[string]bool{},
		envSet:       map[string]bool{},
		locked:       map[string]bool{},
	}
}

// Resolve loads userConfigPath (always implicitly included) and rootPath,
// walks rootPath's include graph, merges everything, and returns the
// normalized spec.
func (l *Loader) Resolve(userConfigPath, rootPath string) (*sandboxspec.Spec, error) {
	acc := newAccumulator()

	if userConfigPath != "" {
		src, err := l.ReadFile(userConfigPath)
		switch {
		case err == nil:
			userFrag, perr := fragment.Parse(src, userConfigPath)
			if perr != nil {
				return nil, perr
			}

			mergeUnion(acc, userFrag)
			mergeScalarsOverride(acc, userFrag)
		case os.IsNotExist(err):
			// A missing user-wide config is not an error: it is optional by
			// convention (a fresh install has none yet).
		default:
			return nil, &Error{Kind: IncludeReadError, Path: userConfigPath, Detail: err.Error()}
		}
	}

	rootFrag, err := l.load(rootPath)
	if err != nil {
		return nil, err
	}

	mergeUnion(acc, rootFrag)
	mergeScalarsOverride(acc, rootFrag)
	lockScalars(acc)

	visited := map[string]bool{
		canonical(userConfigPath): true,
		canonical(rootPath):       true,
	}

	worklist, err := l.resolveIncludes(rootFrag, filepath.Dir(rootPath))
	if err != nil {
		return nil, err
	}

	// Depth-first in declared order: a fragment's own includes are visited
	// before the siblings that follow it.
	for len(worklist) > 0 {
		path := worklist[0]
		worklist = worklist[1:]

		cp := canonical(path)
		if visited[cp] {
			continue
		}

		visited[cp] = true

		frag, err := l.load(path)
		if err != nil {
			return nil, err
		}

		mergeUnion(acc, frag)
		mergeScalarsFillHoles(acc, frag)

		children, err := l.resolveIncludes(frag, filepath.Dir(path))
		if err != nil {
			return nil, err
		}

		worklist = append(children, worklist...)
	}

	return l.normalize(acc)
}

func (l *Loader) load(path string) (*fragment.Fragment, error) {
	src, err := l.ReadFile(path)
	if err != nil {
		kind := IncludeReadError
		if os.IsNotExist(err) {
			kind = IncludeNotFound
		}

		return nil, &Error{Kind: kind, Path: path, Detail: err.Error()}
	}

	return fragment.Parse(src, path)
}

// resolveIncludes expands and resolves every include.Fragment entry of frag
// into absolute paths, per spec §4.3: relative bare names (no path
// separator) get a .toml extension appended and are searched under
// IncludeDir; anything else is treated as a Path Term resolved relative to
// the including fragment's own directory. An include whose Path Term cannot
// be expanded returns the interpolation error.
func (l *Loader) resolveIncludes(frag *fragment.Fragment, baseDir string) ([]string, error) {
	out := make([]string, 0, len(frag.Include))

	for _, item := range frag.Include {
		expanded, err := interp.Expand(item, l.Ctx)
		if err != nil {
			return nil, err
		}

		if strings.Contains(expanded, "/") {
			if filepath.IsAbs(expanded) {
				out = append(out, filepath.Clean(expanded))
			} else {
				out = append(out, filepath.Clean(filepath.Join(baseDir, expanded)))
			}

			continue
		}

		name := expanded
		if !strings.HasSuffix(name, ".toml") {
			name += ".toml"
		}

		out = append(out, filepath.Join(l.IncludeDir, name))
	}

	return out, nil
}

func mergeUnion(acc *accumulator, f *fragment.Fragment) {
	for _, p := range f.WhitelistRO {
		addWhitelist(acc, p, sandboxspec.ReadOnly)
	}

	for _, p := range f.WhitelistRW {
		addWhitelist(acc, p, sandboxspec.ReadWrite)
	}

	for _, p := range f.WhitelistDev {
		addWhitelist(acc, p, sandboxspec.Device)
	}

	for _, p := range f.WhitelistLn {
		addWhitelist(acc, p, sandboxspec.Symlink)
	}

	for _, p := range f.AddTmpfs {
		if !acc.tmpfsSet[p] {
			acc.tmpfsSet[p] = true
			acc.tmpfs = append(acc.tmpfs, p)
		}
	}

	for _, name := range f.WhitelistEnvvar {
		if !acc.envSet[name] {
			acc.envSet[name] = true
			acc.envAllowlist = append(acc.envAllowlist, name)
		}
	}

	if f.WhitelistAllEnvvars {
		acc.envAllEnvvars = true
	}
}

func addWhitelist(acc *accumulator, raw string, level sandboxspec.AccessLevel) {
	path, optional := strings.CutSuffix(raw, "?")

	key := accKey{path: path, level: level}
	if acc.whitelistSet[key] {
		if !optional {
			for i := range acc.whitelist {
				if acc.whitelist[i].path == path && acc.whitelist[i].level == level {
					acc.whitelist[i].optional = false
				}
			}
		}

		return
	}

	acc.whitelistSet[key] = true
	acc.whitelist = append(acc.whitelist, accEntry{path: path, level: level, optional: optional})
}

// mergeScalarsOverride unconditionally writes every scalar present in f,
// overwriting whatever the accumulator already holds. Used for user-wide
// (into an empty accumulator) and for the root fragment (deliberately
// overriding user-wide).
func mergeScalarsOverride(acc *accumulator, f *fragment.Fragment) {
	if f.HasProjectDir {
		acc.projectDir = f.ProjectDir
		acc.hasProjectDir = true
	}

	if f.HasInitialFile {
		acc.initialFile = f.InitialFile
		acc.hasInitialFile = true
	}

	if f.HasAutoNixshell {
		acc.autoNixshell = f.AutoNixshell
		acc.hasAutoNixshell = true
	}

	if f.HasNoSandbox {
		acc.noSandbox = f.NoSandbox
		acc.hasNoSandbox = true
	}

	if f.HasNetwork {
		acc.network = f.Network
		acc.hasNetwork = true
	}

	if f.HasTempDir {
		acc.tempDir = f.TempDir
		acc.hasTempDir = true
	}

	if f.HasEditor {
		if f.Editor.HasCmdWithFile {
			acc.editorCmdWithFile = f.Editor.CmdWithFile
			acc.hasEditorCmdWithFile = true
		}

		if f.Editor.HasCmdWithoutFile {
			acc.editorCmdWithoutFile = f.Editor.CmdWithoutFile
			acc.hasEditorCmdWithoutFile = true
		}

		if f.Editor.HasDetach {
			acc.editorDetach = f.Editor.Detach
			acc.hasEditorDetach = true
		}
	}
}

// lockScalars marks every scalar key currently set as no longer eligible
// for a plain fill by an include: from this point on only an explicit,
// still-unset hole may be filled.
func lockScalars(acc *accumulator) {
	if acc.hasProjectDir {
		acc.locked["project-dir"] = true
	}

	if acc.hasInitialFile {
		acc.locked["initial-file"] = true
	}

	if acc.hasAutoNixshell {
		acc.locked["auto-nixshell"] = true
	}

	if acc.hasNoSandbox {
		acc.locked["no-sandbox"] = true
	}

	if acc.hasNetwork {
		acc.locked["network"] = true
	}

	if acc.hasTempDir {
		acc.locked["temp-dir"] = true
	}

	if acc.hasEditorCmdWithFile {
		acc.locked["editor.cmd-with-file"] = true
	}

	if acc.hasEditorCmdWithoutFile {
		acc.locked["editor.cmd-without-file"] = true
	}

	if acc.hasEditorDetach {
		acc.locked["editor.detach"] = true
	}
}

// mergeScalarsFillHoles writes a scalar from an included fragment only if
// the corresponding key is not locked (i.e. was never set by the user-wide
// or root fragment) and is not already filled by an earlier include.
func mergeScalarsFillHoles(acc *accumulator, f *fragment.Fragment) {
	if f.HasProjectDir && !acc.locked["project-dir"] && !acc.hasProjectDir {
		acc.projectDir = f.ProjectDir
		acc.hasProjectDir = true
	}

	if f.HasInitialFile && !acc.locked["initial-file"] && !acc.hasInitialFile {
		acc.initialFile = f.InitialFile
		acc.hasInitialFile = true
	}

	if f.HasAutoNixshell && !acc.locked["auto-nixshell"] && !acc.hasAutoNixshell {
		acc.autoNixshell = f.AutoNixshell
		acc.hasAutoNixshell = true
	}

	if f.HasNoSandbox && !acc.locked["no-sandbox"] && !acc.hasNoSandbox {
		acc.noSandbox = f.NoSandbox
		acc.hasNoSandbox = true
	}

	if f.HasNetwork && !acc.locked["network"] && !acc.hasNetwork {
		acc.network = f.Network
		acc.hasNetwork = true
	}

	if f.HasTempDir && !acc.locked["temp-dir"] && !acc.hasTempDir {
		acc.tempDir = f.TempDir
		acc.hasTempDir = true
	}

	if f.HasEditor {
		if f.Editor.HasCmdWithFile && !acc.locked["editor.cmd-with-file"] && !acc.hasEditorCmdWithFile {
			acc.editorCmdWithFile = f.Editor.CmdWithFile
			acc.hasEditorCmdWithFile = true
		}

		if f.Editor.HasCmdWithoutFile && !acc.locked["editor.cmd-without-file"] && !acc.hasEditorCmdWithoutFile {
			acc.editorCmdWithoutFile = f.Editor.CmdWithoutFile
			acc.hasEditorCmdWithoutFile = true
		}

		if f.Editor.HasDetach && !acc.locked["editor.detach"] && !acc.hasEditorDetach {
			acc.editorDetach = f.Editor.Detach
			acc.hasEditorDetach = true
		}
	}
}

func (l *Loader) normalize(acc *accumulator) (*sandboxspec.Spec, error) {
	if !acc.hasProjectDir {
		return nil, &Error{Kind: MissingRequiredField}
	}

	projectDir, err := interp.Expand(acc.projectDir, l.Ctx)
	if err != nil {
		return nil, err
	}

	projectDir = filepath.Clean(projectDir)

	type resolvedEntry struct {
		level    sandboxspec.AccessLevel
		optional bool
	}

	resolved := map[string]resolvedEntry{}
	order := []string{}

	for _, e := range acc.whitelist {
		p, err := interp.Expand(e.path, l.Ctx)
		if err != nil {
			return nil, err
		}

		p = filepath.Clean(p)

		existing, ok := resolved[p]
		if !ok {
			resolved[p] = resolvedEntry{level: e.level, optional: e.optional}
			order = append(order, p)

			continue
		}

		merged, conflict := resolveConflict(existing.level, e.level)
		if conflict {
			return nil, &Error{
				Kind:   AccessLevelConflict,
				Path:   p,
				Detail: existing.level.String() + " vs " + e.level.String(),
			}
		}

		resolved[p] = resolvedEntry{level: merged, optional: existing.optional && e.optional}
	}

	for _, p := range acc.tmpfs {
		expanded, err := interp.Expand(p, l.Ctx)
		if err != nil {
			return nil, err
		}

		p := filepath.Clean(expanded)

		existing, ok := resolved[p]
		if !ok {
			resolved[p] = resolvedEntry{level: sandboxspec.Tmpfs}
			order = append(order, p)

			continue
		}

		merged, conflict := resolveConflict(existing.level, sandboxspec.Tmpfs)
		if conflict {
			return nil, &Error{
				Kind:   AccessLevelConflict,
				Path:   p,
				Detail: existing.level.String() + " vs " + sandboxspec.Tmpfs.String(),
			}
		}

		resolved[p] = resolvedEntry{level: merged, optional: existing.optional}
	}

	if _, ok := resolved[projectDir]; !ok {
		resolved[projectDir] = resolvedEntry{level: sandboxspec.ReadWrite}
		order = append(order, projectDir)
	}

	entries := make([]sandboxspec.WhitelistEntry, 0, len(order))
	tmpfs := make([]string, 0, len(acc.tmpfs))

	for _, p := range order {
		if resolved[p].level == sandboxspec.Tmpfs {
			tmpfs = append(tmpfs, p)

			continue
		}

		entries = append(entries, sandboxspec.WhitelistEntry{
			Path:     p,
			Level:    resolved[p].level,
			Optional: resolved[p].optional,
		})
	}

	network := true
	if acc.hasNetwork {
		network = acc.network
	}

	tempDir := ""

	if acc.hasTempDir {
		expanded, err := interp.Expand(acc.tempDir, l.Ctx)
		if err != nil {
			return nil, err
		}

		tempDir = filepath.Clean(expanded)
	}

	spec := &sandboxspec.Spec{
		Entries:    entries,
		Tmpfs:      tmpfs,
		ProjectDir: projectDir,
		NoSandbox:  acc.noSandbox,
		Network:    network,
		TempDir:    tempDir,
		Env: sandboxspec.EnvPolicy{
			PassAll:   acc.envAllEnvvars,
			Allowlist: sortedCopy(acc.envAllowlist),
			Values:    snapshotValues(acc.envAllowlist, l.Ctx.Env),
		},
	}

	file := interp.FileBinding{}
	if acc.hasInitialFile {
		resolvedFile, err := interp.Expand(acc.initialFile, l.Ctx)
		if err != nil {
			return nil, err
		}

		file = interp.FileBinding{Bound: true, Value: resolvedFile}
	}

	template := acc.editorCmdWithoutFile
	if file.Bound {
		template = acc.editorCmdWithFile
	}

	argv, err := interp.ExpandArgv(template, l.Ctx, file)
	if err != nil {
		return nil, err
	}

	spec.Editor = sandboxspec.EditorSpec{Argv: argv, Detach: acc.editorDetach}

	if acc.hasAutoNixshell && acc.autoNixshell {
		if hasNixShellFile(l.ReadFile, projectDir) {
			joined := shellQuoteJoin(spec.Editor.Argv)
			spec.Editor.Argv = []string{"nix-shell", "--run", joined}
		}
	}

	return spec, nil
}

// resolveConflict applies the §3 invariant: max(ReadWrite>ReadOnly),
// Device>ReadWrite; Symlink and Tmpfs are mutually exclusive with any mount
// level.
func resolveConflict(a, b sandboxspec.AccessLevel) (sandboxspec.AccessLevel, bool) {
	if a == b {
		return a, false
	}

	rank := func(l sandboxspec.AccessLevel) int {
		switch l {
		case sandboxspec.ReadOnly:
			return 1
		case sandboxspec.ReadWrite:
			return 2
		case sandboxspec.Device:
			return 3
		default:
			return -1
		}
	}

	ra, rb := rank(a), rank(b)
	if ra < 0 || rb < 0 {
		// Symlink or Tmpfs involved in a conflict with anything is fatal.
		return a, true
	}

	if ra > rb {
		return a, false
	}

	return b, false
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)

	return out
}

func snapshotValues(names []string, env map[string]string) map[string]string {
	out := map[string]string{}

	for _, name := range names {
		if v, ok := env[name]; ok {
			out[name] = v
		}
	}

	return out
}

func hasNixShellFile(readFile ReadFile, projectDir string) bool {
	for _, name := range []string{"shell.nix", "default.nix"} {
		if _, err := readFile(filepath.Join(projectDir, name)); err == nil {
			return true
		}
	}

	// flake.nix is only treated as a nix-shell replacement when it actually
	// exposes a devShells output; a flake with only e.g. packages/apps
	// outputs is not something `nix develop` can enter.
	src, err := readFile(filepath.Join(projectDir, "flake.nix"))
	if err != nil {
		return false
	}

	return strings.Contains(src, "devShells")
}

func shellQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))

	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"$`\\") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}

	return strings.Join(quoted, " ")
}

func canonical(path string) string {
	if path == "" {
		return ""
	}

	return filepath.Clean(path)
}

