// Package catalog enumerates the project and bookmark descriptors found
// under <SKELD-DATA>, without performing the full include/merge resolution
// that config.Resolve does at selection time.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Kind distinguishes a Project descriptor from a Bookmark descriptor.
type Kind int

const (
	ProjectKind Kind = iota + 1
	BookmarkKind
)

func (k Kind) String() string {
	switch k {
	case ProjectKind:
		return "project"
	case BookmarkKind:
		return "bookmark"
	default:
		return "unknown"
	}
}

// Entry is an opaque descriptor handed to the UI: enough to list and select
// from, but not a resolved sandboxspec.Spec. A project Entry's Path is a
// plain fragment file and can be passed to config.Loader.Resolve as the root
// fragment. A bookmark Entry's Path cannot: fragment.Parse rejects its
// top-level name/keybind keys and its [project] table as unknown keys.
type Entry struct {
	Kind    Kind
	Name    string
	Keybind string
	Path    string
}

// Diagnostic records a file that failed to enumerate cleanly. Enumeration
// continues past these; they exist to be surfaced, not to abort.
type Diagnostic struct {
	Path   string
	Detail string
}

// bookmarkHeader is the minimal shape read from a bookmarks/*.toml file —
// just enough to derive name and keybind. The nested `project` table (and
// every other key) is ignored here; nothing in skeld extracts the
// `project` table for fragment.Parse.
type bookmarkHeader struct {
	Name    string `toml:"name"`
	Keybind string `toml:"keybind"`
}

// List enumerates projects/*.toml and bookmarks/*.toml under dataDir. Non-
// ".toml" files are skipped silently; files that fail to read or parse are
// reported back as diagnostics rather than aborting the scan.
func List(dataDir string) ([]Entry, []Diagnostic) {
	var entries []Entry

	var diags []Diagnostic

	projects, projDiags := scanDir(filepath.Join(dataDir, "projects"), ProjectKind)
	entries = append(entries, projects...)
	diags = append(diags, projDiags...)

	bookmarks, bkDiags := scanDir(filepath.Join(dataDir, "bookmarks"), BookmarkKind)
	entries = append(entries, bookmarks...)
	diags = append(diags, bkDiags...)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}

		return entries[i].Name < entries[j].Name
	})

	return entries, diags
}

func scanDir(dir string, kind Kind) ([]Entry, []Diagnostic) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, []Diagnostic{{Path: dir, Detail: err.Error()}}
	}

	var entries []Entry

	var diags []Diagnostic

	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".toml") {
			continue
		}

		path := filepath.Join(dir, f.Name())

		entry, err := loadEntry(path, kind)
		if err != nil {
			diags = append(diags, Diagnostic{Path: path, Detail: err.Error()})

			continue
		}

		entries = append(entries, entry)
	}

	return entries, diags
}

func loadEntry(path string, kind Kind) (Entry, error) {
	if kind == ProjectKind {
		if _, err := os.Stat(path); err != nil {
			return Entry{}, err
		}

		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		return Entry{Kind: ProjectKind, Name: stem, Path: path}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}

	var hdr bookmarkHeader
	if _, err := toml.Decode(string(data), &hdr); err != nil {
		return Entry{}, err
	}

	name := hdr.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return Entry{Kind: BookmarkKind, Name: name, Keybind: hdr.Keybind, Path: path}, nil
}
