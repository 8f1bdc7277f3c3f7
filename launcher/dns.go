package launcher

import (
	"path/filepath"
	"strings"
)

// resolvConfPath is where systemd-resolved (and most other resolvers) expect
// the resolver config to live.
const resolvConfPath = "/etc/resolv.conf"

// resolveDNSCompatDir inspects /etc/resolv.conf and, if it is a symlink into
// /run (the systemd-resolved layout), returns the symlink target's parent
// directory — the directory that needs to be bind-mounted into the helper's
// fresh /run tmpfs so DNS keeps resolving. It returns "" when no such
// compatibility bind is needed or resolvable.
func resolveDNSCompatDir(readlink ReadlinkFunc, stat StatFunc) string {
	target, err := readlink(resolvConfPath)
	if err != nil {
		return ""
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(resolvConfPath), resolved)
	}

	resolved = filepath.Clean(resolved)

	if resolved == "/run" || !strings.HasPrefix(resolved, "/run/") {
		return ""
	}

	parent := filepath.Dir(resolved)
	if parent == "" || parent == "/" || parent == "/run" {
		return ""
	}

	if _, err := stat(parent); err != nil {
		return ""
	}

	return parent
}
