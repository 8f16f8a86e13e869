package artifacts

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/bsdimg/internal/build"
)

// SetURL is the remote location of a set archive.
func SetURL(cfg build.BuildConfig, archive string) string {
	return joinURL(cfg.BaseURL, fmt.Sprintf("NetBSD-%s", cfg.Release), cfg.Arch.String(), "binary", "sets", archive)
}

// ManifestName is the file name of the release's signed checksum manifest.
func ManifestName(release string) string {
	return fmt.Sprintf("NetBSD-%s_hashes.asc", release)
}

// ManifestURL is the remote location of the signed checksum manifest.
func ManifestURL(cfg build.BuildConfig) string {
	return joinURL(cfg.BaseURL, "security", "hashes", ManifestName(cfg.Release))
}

// ScriptURL is the remote location of an rc.d script.
func ScriptURL(cfg build.BuildConfig, name string) string {
	return joinURL(cfg.ScriptsURL, name)
}

// ScriptPath is where a fetched rc.d script is cached.
func ScriptPath(cfg build.BuildConfig, name string) string {
	return filepath.Join(cfg.BuildDir, "rc.d", name)
}

func joinURL(base string, elems ...string) string {
	return strings.TrimRight(base, "/") + "/" + path.Join(elems...)
}
