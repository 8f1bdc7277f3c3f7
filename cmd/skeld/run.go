package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	flag "github.com/spf13/pflag"

	"github.com/skeld-go/skeld/catalog"
	"github.com/skeld-go/skeld/config"
	"github.com/skeld-go/skeld/launcher"
)

const skeldExecutableName = "skeld"

const usageHelp = `skeld - sandboxed project launcher

Usage: skeld [flags] <command> [args]

Commands:
  run <project-file>    Resolve and launch a project
  check <project-file>  Resolve a project and print the sandbox helper argv
  list                  List known projects and bookmarks under <SKELD-DATA>

Flags:
  -h, --help       Show help
  -v, --version    Show version and exit

Examples:
  skeld run ~/.config/skeld/projects/myapp.toml
  skeld check ~/.config/skeld/projects/myapp.toml
  skeld list`

// Run is the entry point isolated from global state (stdio, argv, signals)
// so it can be exercised without a real terminal. sigCh may be nil, in
// which case attached launches never receive a second-signal abort window.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, sigCh <-chan os.Signal) int {
	if err := checkPlatformPrerequisites(); err != nil {
		fprintError(stderr, err)

		return 1
	}

	flags := flag.NewFlagSet(skeldExecutableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.BoolP("version", "v", false, "Show version and exit")

	if err := flags.Parse(args[1:]); err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printUsage(stderr)

		return 1
	}

	if *flagVersion {
		fprintf(stdout, "%s\n", formatVersion())

		return 0
	}

	rest := flags.Args()

	if *flagHelp || len(rest) == 0 {
		printUsage(stdout)

		return 0
	}

	switch rest[0] {
	case "list":
		return runList(stdout, stderr)
	case "check":
		if len(rest) < 2 {
			fprintError(stderr, errors.New("check: missing <project-file>"))

			return 1
		}

		return runCheck(stdout, stderr, rest[1])
	case "run":
		if len(rest) < 2 {
			fprintError(stderr, errors.New("run: missing <project-file>"))

			return 1
		}

		return runLaunch(stdin, stdout, stderr, rest[1], sigCh)
	default:
		fprintError(stderr, fmt.Errorf("unknown command %q", rest[0]))
		fprintln(stderr)
		printUsage(stderr)

		return 1
	}
}

func runList(stdout, stderr io.Writer) int {
	ctx, err := defaultContext()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	configDir, dataDir, err := skeldDataDirs(ctx)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	var entries []catalog.Entry

	var diags []catalog.Diagnostic

	for _, dir := range []string{configDir, dataDir} {
		e, d := catalog.List(dir)
		entries = append(entries, e...)
		diags = append(diags, d...)
	}

	for _, d := range diags {
		fprintln(stderr, "skeld: warning:", d.Path+":", d.Detail)
	}

	for _, e := range entries {
		fprintf(stdout, "%s\t%s\t%s\n", e.Kind, e.Name, e.Path)
	}

	return 0
}

func runCheck(stdout, stderr io.Writer, projectFile string) int {
	plan, err := resolveAndPrepare(projectFile)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	for _, arg := range plan.Argv {
		fprintln(stdout, arg)
	}

	return 0
}

func runLaunch(stdin io.Reader, stdout, stderr io.Writer, projectFile string, sigCh <-chan os.Signal) int {
	plan, err := resolveAndPrepare(projectFile)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	l := &launcher.Launcher{
		Stdin:  fileOrNil(stdin),
		Stdout: fileOrNil(stdout),
		Stderr: fileOrNil(stderr),
	}

	outcome, err := l.Launch(context.Background(), plan, sigCh)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	return outcome.Code
}

func resolveAndPrepare(projectFile string) (*launcher.LaunchPlan, error) {
	ctx, err := defaultContext()
	if err != nil {
		return nil, err
	}

	configDir, dataDir, err := skeldDataDirs(ctx)
	if err != nil {
		return nil, err
	}

	loader := &config.Loader{
		ReadFile:   readFileAsString,
		IncludeDir: filepath.Join(dataDir, "include"),
		Ctx:        ctx,
	}

	userConfigPath := filepath.Join(configDir, "config.toml")

	spec, err := loader.Resolve(userConfigPath, projectFile)
	if err != nil {
		return nil, err
	}

	return launcher.NewPreparer().Prepare(spec)
}

func readFileAsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func printUsage(output io.Writer) {
	fprintln(output, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	if isTerminal() {
		fprintln(out, "\033[31mskeld: error:\033[0m", err)
	} else {
		fprintln(out, "skeld: error:", err)
	}
}

func formatVersion() string {
	if version == "source" {
		return fmt.Sprintf("skeld (built from source, %s)", date)
	}

	return fmt.Sprintf("skeld %s (%s, %s)", version, commit, date)
}

func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

func checkPlatformPrerequisites() error {
	if runtime.GOOS != "linux" {
		return errors.New("checking platform prerequisites: requires Linux (bwrap uses Linux namespaces)")
	}

	if os.Getuid() == 0 {
		return errors.New("checking platform prerequisites: cannot run as root (use a regular user account)")
	}

	_, err := exec.LookPath("bwrap")
	if err != nil {
		return errors.New("checking platform prerequisites: bwrap not found in PATH (try installing with: sudo apt install bubblewrap)")
	}

	return nil
}

// fileOrNil narrows an io.Reader/io.Writer down to *os.File when possible;
// Launcher wires stdio straight into exec.Cmd, which needs concrete
// *os.File values rather than arbitrary io.Reader/io.Writer.
func fileOrNil(v any) *os.File {
	if f, ok := v.(*os.File); ok {
		return f
	}

	return nil
}
