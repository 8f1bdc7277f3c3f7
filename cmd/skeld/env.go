package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/skeld-go/skeld/interp"
)

// defaultContext builds an interp.Context from the current process, the way
// sandbox.DefaultEnvironment derives an Environment from os.Environ,
// os.UserHomeDir and os.Getwd.
func defaultContext() (interp.Context, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return interp.Context{}, fmt.Errorf("get working directory: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return interp.Context{}, fmt.Errorf("get home directory: %w", err)
	}

	env := make(map[string]string, len(os.Environ()))

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		env[key] = value
	}

	return interp.Context{Env: env, HomeDir: homeDir, WorkDir: workDir}, nil
}

// skeldDataDirs returns the union of $XDG_CONFIG_HOME/skeld and
// $XDG_DATA_HOME/skeld per spec §6, applying the same "~/.config" and
// "~/.local/share" fallbacks interp.Expand uses for $(CONFIG)/$(DATA).
func skeldDataDirs(ctx interp.Context) (configDir, dataDir string, err error) {
	configDir, err = interp.Expand("$(CONFIG)/skeld", ctx)
	if err != nil {
		return "", "", err
	}

	dataDir, err = interp.Expand("$(DATA)/skeld", ctx)
	if err != nil {
		return "", "", err
	}

	return configDir, dataDir, nil
}
