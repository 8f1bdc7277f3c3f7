package config

import (
	"os"
	"testing"

	"github.com/skeld-go/skeld/interp"
	"github.com/skeld-go/skeld/sandboxspec"
)

func memReadFile(files map[string]string) ReadFile {
	return func(path string) (string, error) {
		if src, ok := files[path]; ok {
			return src, nil
		}

		return "", os.ErrNotExist
	}
}

func newTestLoader(files map[string]string) *Loader {
	return &Loader{
		ReadFile:   memReadFile(files),
		IncludeDir: "/data/include",
		Ctx:        interp.Context{Env: map[string]string{}, HomeDir: "/home/u"},
	}
}

func TestResolve_MinimalProjectNoSandbox(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/tmp/x"
no-sandbox = true

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !spec.NoSandbox {
		t.Errorf("NoSandbox = false, want true")
	}

	if spec.ProjectDir != "/tmp/x" {
		t.Errorf("ProjectDir = %q", spec.ProjectDir)
	}

	if len(spec.Editor.Argv) != 1 || spec.Editor.Argv[0] != "sh" {
		t.Errorf("Editor.Argv = %v", spec.Editor.Argv)
	}

	found := false

	for _, e := range spec.Entries {
		if e.Path == "/tmp/x" && e.Level == sandboxspec.ReadWrite {
			found = true
		}
	}

	if !found {
		t.Errorf("implicit project-dir ReadWrite entry missing: %v", spec.Entries)
	}
}

func TestResolve_ROAndRWMerge(t *testing.T) {
	files := map[string]string{
		"/data/config.toml": `whitelist-ro = ["/usr"]`,
		"/p/project.toml": `
project-dir = "/p"
whitelist-rw = ["/p"]

[editor]
cmd-without-file = ["nvim", "."]
`,
	}

	spec, err := newTestLoader(files).Resolve("/data/config.toml", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	byPath := map[string]sandboxspec.AccessLevel{}
	for _, e := range spec.Entries {
		byPath[e.Path] = e.Level
	}

	if byPath["/usr"] != sandboxspec.ReadOnly {
		t.Errorf("/usr level = %v, want ReadOnly", byPath["/usr"])
	}

	if byPath["/p"] != sandboxspec.ReadWrite {
		t.Errorf("/p level = %v, want ReadWrite", byPath["/p"])
	}

	argv, err := spec.ToHelperArgv("bwrap")
	if err != nil {
		t.Fatalf("ToHelperArgv() error = %v", err)
	}

	wantTail := []string{"--chdir", "/p", "--", "nvim", "."}

	if len(argv) < len(wantTail) {
		t.Fatalf("argv too short: %v", argv)
	}

	got := argv[len(argv)-len(wantTail):]

	for i, w := range wantTail {
		if got[i] != w {
			t.Errorf("argv tail = %v, want %v", got, wantTail)
			break
		}
	}
}

func TestResolve_Interpolation(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
whitelist-ro = ["$(CONFIG)/nvim"]

[editor]
cmd-without-file = ["nvim"]
`,
	}

	l := newTestLoader(files)
	l.Ctx = interp.Context{Env: map[string]string{"XDG_CONFIG_HOME": "/home/u/.config"}, HomeDir: "/home/u"}

	spec, err := l.Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	found := false

	for _, e := range spec.Entries {
		if e.Path == "/home/u/.config/nvim" {
			found = true
		}
	}

	if !found {
		t.Errorf("expected resolved $(CONFIG)/nvim entry, got %v", spec.Entries)
	}
}

func TestResolve_CyclicInclude(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
include = ["a"]

[editor]
cmd-without-file = ["nvim"]
`,
		"/data/include/a.toml": `
whitelist-ro = ["/a"]
include = ["b"]
`,
		"/data/include/b.toml": `
whitelist-ro = ["/b"]
include = ["a"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	paths := map[string]bool{}
	for _, e := range spec.Entries {
		paths[e.Path] = true
	}

	if !paths["/a"] || !paths["/b"] {
		t.Errorf("expected /a and /b in union, got %v", spec.Entries)
	}
}

func TestResolve_InitialFile(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
initial-file = "src/main.rs"

[editor]
cmd-with-file = ["nvim", "$(FILE)"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(spec.Editor.Argv) != 2 || spec.Editor.Argv[0] != "nvim" || spec.Editor.Argv[1] != "src/main.rs" {
		t.Errorf("Editor.Argv = %v", spec.Editor.Argv)
	}

	if spec.ProjectDir != "/p" {
		t.Errorf("ProjectDir = %q", spec.ProjectDir)
	}
}

func TestResolve_ProjectScalarWinsOverInclude(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
initial-file = "root.txt"
include = ["a"]

[editor]
cmd-with-file = ["nvim", "$(FILE)"]
`,
		"/data/include/a.toml": `initial-file = "from-include.txt"`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if spec.Editor.Argv[1] != "root.txt" {
		t.Errorf("root fragment's initial-file was overridden by include: got %q", spec.Editor.Argv[1])
	}
}

func TestResolve_IncludeFillsScalarHole(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
include = ["a"]

[editor]
cmd-with-file = ["nvim", "$(FILE)"]
`,
		"/data/include/a.toml": `initial-file = "from-include.txt"`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if spec.Editor.Argv[1] != "from-include.txt" {
		t.Errorf("include did not fill the initial-file hole: got %q", spec.Editor.Argv[1])
	}
}

func TestResolve_WhitelistBothROAndRWYieldsOneRWMount(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
whitelist-ro = ["/shared"]
whitelist-rw = ["/shared"]

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	count := 0

	for _, e := range spec.Entries {
		if e.Path == "/shared" {
			count++

			if e.Level != sandboxspec.ReadWrite {
				t.Errorf("level = %v, want ReadWrite", e.Level)
			}
		}
	}

	if count != 1 {
		t.Errorf("expected exactly one /shared entry, got %d", count)
	}
}

func TestResolve_AccessLevelConflictWithSymlinkIsFatal(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
whitelist-ro = ["/x"]
whitelist-ln = ["/x"]

[editor]
cmd-without-file = ["sh"]
`,
	}

	_, err := newTestLoader(files).Resolve("", "/p/project.toml")

	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != AccessLevelConflict {
		t.Fatalf("expected AccessLevelConflict, got %v", err)
	}
}

func TestResolve_MissingProjectDirIsFatal(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
[editor]
cmd-without-file = ["sh"]
`,
	}

	_, err := newTestLoader(files).Resolve("", "/p/project.toml")

	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != MissingRequiredField {
		t.Fatalf("expected MissingRequiredField, got %v", err)
	}
}

func TestResolve_EnvAllowlistUnion(t *testing.T) {
	files := map[string]string{
		"/data/config.toml": `whitelist-envvar = ["HOME"]`,
		"/p/project.toml": `
project-dir = "/p"
whitelist-envvar = ["PATH", "HOME"]

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("/data/config.toml", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(spec.Env.Allowlist) != 2 {
		t.Errorf("Allowlist = %v, want 2 unique entries", spec.Env.Allowlist)
	}
}

func TestResolve_MergeWithEmptyFragmentIsIdentity(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
whitelist-ro = ["/usr"]
include = ["empty"]

[editor]
cmd-without-file = ["sh"]
`,
		"/data/include/empty.toml": ``,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	found := false

	for _, e := range spec.Entries {
		if e.Path == "/usr" && e.Level == sandboxspec.ReadOnly {
			found = true
		}
	}

	if !found {
		t.Errorf("merging an empty include changed the result: %v", spec.Entries)
	}
}

func TestResolve_AccessLevelConflictWithTmpfsIsFatal(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
whitelist-rw = ["/x"]
add-tmpfs = ["/x"]

[editor]
cmd-without-file = ["sh"]
`,
	}

	_, err := newTestLoader(files).Resolve("", "/p/project.toml")

	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != AccessLevelConflict {
		t.Fatalf("expected AccessLevelConflict, got %v", err)
	}
}

func TestResolve_TmpfsWithoutConflictIsKept(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
add-tmpfs = ["/scratch"]

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	found := false

	for _, p := range spec.Tmpfs {
		if p == "/scratch" {
			found = true
		}
	}

	if !found {
		t.Errorf("Tmpfs = %v, want /scratch", spec.Tmpfs)
	}

	for _, e := range spec.Entries {
		if e.Path == "/scratch" {
			t.Errorf("spec.Entries unexpectedly contains tmpfs-only path: %v", spec.Entries)
		}
	}
}

func TestResolve_NetworkDefaultsTrue(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !spec.Network {
		t.Errorf("Network = false, want true by default")
	}
}

func TestResolve_NetworkExplicitFalse(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
network = false

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if spec.Network {
		t.Errorf("Network = true, want false from explicit override")
	}
}

func TestResolve_TempDirResolvesToSpec(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
temp-dir = "/var/tmp/skeld"

[editor]
cmd-without-file = ["sh"]
`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if spec.TempDir != "/var/tmp/skeld" {
		t.Errorf("TempDir = %q, want /var/tmp/skeld", spec.TempDir)
	}
}

func TestResolve_UserConfigReadErrorIsDistinctFromNotFound(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"

[editor]
cmd-without-file = ["sh"]
`,
	}

	loader := newTestLoader(files)
	loader.ReadFile = func(path string) (string, error) {
		if path == "/home/u/.skeld.toml" {
			return "", os.ErrPermission
		}

		return memReadFile(files)(path)
	}

	_, err := loader.Resolve("/home/u/.skeld.toml", "/p/project.toml")

	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != IncludeReadError {
		t.Fatalf("expected IncludeReadError, got %v", err)
	}
}

func TestResolve_AutoNixshellWrapsWithShellNix(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
auto-nixshell = true

[editor]
cmd-without-file = ["nvim", "."]
`,
		"/p/shell.nix": `{ }`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"nix-shell", "--run", "nvim ."}
	if len(spec.Editor.Argv) != len(want) {
		t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
	}

	for i := range want {
		if spec.Editor.Argv[i] != want[i] {
			t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
		}
	}
}

func TestResolve_AutoNixshellWrapsWithFlakeDevShells(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
auto-nixshell = true

[editor]
cmd-without-file = ["nvim", "."]
`,
		"/p/flake.nix": `{
  outputs = { self, nixpkgs }: {
    devShells.x86_64-linux.default = { };
  };
}`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"nix-shell", "--run", "nvim ."}
	if len(spec.Editor.Argv) != len(want) {
		t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
	}

	for i := range want {
		if spec.Editor.Argv[i] != want[i] {
			t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
		}
	}
}

func TestResolve_AutoNixshellFlakeWithoutDevShellsDoesNotWrap(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"
auto-nixshell = true

[editor]
cmd-without-file = ["nvim", "."]
`,
		"/p/flake.nix": `{
  outputs = { self, nixpkgs }: {
    packages.x86_64-linux.default = { };
  };
}`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"nvim", "."}
	if len(spec.Editor.Argv) != len(want) {
		t.Fatalf("Editor.Argv = %v, want %v (no auto-nixshell wrap)", spec.Editor.Argv, want)
	}

	for i := range want {
		if spec.Editor.Argv[i] != want[i] {
			t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
		}
	}
}

func TestResolve_AutoNixshellDisabledDoesNotWrapEvenWithShellNix(t *testing.T) {
	files := map[string]string{
		"/p/project.toml": `
project-dir = "/p"

[editor]
cmd-without-file = ["nvim", "."]
`,
		"/p/shell.nix": `{ }`,
	}

	spec, err := newTestLoader(files).Resolve("", "/p/project.toml")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"nvim", "."}
	if len(spec.Editor.Argv) != len(want) {
		t.Fatalf("Editor.Argv = %v, want %v (auto-nixshell not set)", spec.Editor.Argv, want)
	}

	for i := range want {
		if spec.Editor.Argv[i] != want[i] {
			t.Fatalf("Editor.Argv = %v, want %v", spec.Editor.Argv, want)
		}
	}
}
