// Package integrity verifies distribution sets against the release's signed
// checksum manifest.
package integrity

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/cochaviz/bsdimg/arch"
)

// sha512Line matches BSD-style digest lines, e.g.
// SHA512 (NetBSD-10.1/amd64/binary/sets/base.tar.xz) = 3f0a...
var sha512Line = regexp.MustCompile(`^SHA512 \(([^)]+)\) = ([0-9a-fA-F]{128})$`)

// Manifest maps a release-relative path to its SHA512 hex digest.
type Manifest map[string]string

// ManifestKey is the path under which a set appears in the release manifest.
func ManifestKey(release string, port arch.Architecture, archive string) string {
	return fmt.Sprintf("NetBSD-%s/%s/binary/sets/%s", release, port, archive)
}

// ParseManifest reads the SHA512 entries of a manifest. Other digest kinds
// and the surrounding text are ignored.
func ParseManifest(r io.Reader) (Manifest, error) {
	manifest := Manifest{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		match := sha512Line.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if match == nil {
			continue
		}
		manifest[match[1]] = strings.ToLower(match[2])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checksum manifest: %w", err)
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("checksum manifest has no SHA512 entries")
	}
	return manifest, nil
}

// Lookup returns the digest recorded for key.
func (m Manifest) Lookup(key string) (string, bool) {
	digest, ok := m[key]
	return digest, ok
}
