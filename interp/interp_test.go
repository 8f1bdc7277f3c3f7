package interp

import (
	"errors"
	"testing"
)

func TestExpand_XDGFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		template string
		ctx      Context
		want     string
	}{
		{
			name:     "config home set",
			template: "$(CONFIG)/nvim",
			ctx:      Context{Env: map[string]string{"XDG_CONFIG_HOME": "/home/u/.config"}, HomeDir: "/home/u"},
			want:     "/home/u/.config/nvim",
		},
		{
			name:     "config home unset falls back to HOME/.config",
			template: "$(CONFIG)/nvim",
			ctx:      Context{Env: map[string]string{}, HomeDir: "/home/u"},
			want:     "/home/u/.config/nvim",
		},
		{
			name:     "cache fallback",
			template: "$(CACHE)/foo",
			ctx:      Context{HomeDir: "/home/u"},
			want:     "/home/u/.cache/foo",
		},
		{
			name:     "data fallback",
			template: "$(DATA)/foo",
			ctx:      Context{HomeDir: "/home/u"},
			want:     "/home/u/.local/share/foo",
		},
		{
			name:     "state fallback",
			template: "$(STATE)/foo",
			ctx:      Context{HomeDir: "/home/u"},
			want:     "/home/u/.local/state/foo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.template, tt.ctx)
			if err != nil {
				t.Fatalf("Expand(%q) error = %v", tt.template, err)
			}

			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestExpand_EnvVar(t *testing.T) {
	ctx := Context{Env: map[string]string{"FOO": "bar"}, HomeDir: "/home/u"}

	got, err := Expand("$[FOO]/baz", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != "bar/baz" {
		t.Errorf("got %q, want %q", got, "bar/baz")
	}
}

func TestExpand_EnvVarWithAlt(t *testing.T) {
	ctx := Context{Env: map[string]string{}, HomeDir: "/home/u"}

	got, err := Expand("$[MISSING:fallback]", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestExpand_EnvVarWithRecursiveAlt(t *testing.T) {
	ctx := Context{Env: map[string]string{"HOME_ALT": "/alt/home"}, HomeDir: "/home/u"}

	got, err := Expand("$[MISSING:$[HOME_ALT]]", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != "/alt/home" {
		t.Errorf("got %q, want %q", got, "/alt/home")
	}
}

func TestExpand_MissingEnvVarIsError(t *testing.T) {
	ctx := Context{Env: map[string]string{}, HomeDir: "/home/u"}

	_, err := Expand("$[MISSING]", ctx)

	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Kind != MissingEnvVar {
		t.Fatalf("expected MissingEnvVar error, got %v", err)
	}

	if ierr.Name != "MISSING" {
		t.Errorf("Name = %q, want %q", ierr.Name, "MISSING")
	}
}

func TestExpand_Tilde(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{"~", "/home/u"},
		{"~/code", "/home/u/code"},
		{"a~b", "a~b"}, // not a leading tilde, passes through
	}

	for _, tt := range tests {
		got, err := Expand(tt.template, Context{HomeDir: "/home/u"})
		if err != nil {
			t.Fatalf("Expand(%q) error = %v", tt.template, err)
		}

		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestExpand_NoHomeDir(t *testing.T) {
	_, err := Expand("~/code", Context{})

	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Kind != NoHomeDir {
		t.Fatalf("expected NoHomeDir error, got %v", err)
	}
}

func TestExpand_UnknownPlaceholder(t *testing.T) {
	_, err := Expand("$(NOPE)", Context{HomeDir: "/home/u"})

	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Kind != UnknownPlaceholder {
		t.Fatalf("expected UnknownPlaceholder error, got %v", err)
	}
}

func TestExpand_LiteralDollarPassesThrough(t *testing.T) {
	got, err := Expand("price: $5", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != "price: $5" {
		t.Errorf("got %q", got)
	}
}

func TestExpand_FileOutsideArgvIsError(t *testing.T) {
	_, err := Expand("$(FILE)", Context{HomeDir: "/home/u"})

	var ierr *Error
	if !errors.As(err, &ierr) || ierr.Kind != UnknownPlaceholder {
		t.Fatalf("expected UnknownPlaceholder error for bare $(FILE), got %v", err)
	}
}

func TestExpandArgv_FileBound(t *testing.T) {
	template := []string{"nvim", "$(FILE)"}

	got, err := ExpandArgv(template, Context{HomeDir: "/home/u"}, FileBinding{Bound: true, Value: "src/main.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"nvim", "src/main.go"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExpandArgv_FileUnboundDropsToken(t *testing.T) {
	template := []string{"nvim", "$(FILE)"}

	got, err := ExpandArgv(template, Context{HomeDir: "/home/u"}, FileBinding{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 1 || got[0] != "nvim" {
		t.Errorf("got %v, want [nvim]", got)
	}
}

func TestExpandArgv_FileUnboundDropsTokenWithSurroundingText(t *testing.T) {
	template := []string{"--file=$(FILE)"}

	got, err := ExpandArgv(template, Context{}, FileBinding{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}
