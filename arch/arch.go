package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a NetBSD port name as it appears in release paths, e.g.
// NetBSD-10.0/amd64/binary/sets.
type Architecture string

const (
	AMD64 Architecture = "amd64"
	I386  Architecture = "i386"
)

// Supported returns the ports whose boot chain (gptmbr.bin, bootxx_ffsv2) the
// builder knows how to install.
func Supported() []Architecture {
	return []Architecture{
		AMD64,
		I386,
	}
}

// IsValid reports whether a matches a supported port.
func (a Architecture) IsValid() bool {
	switch a {
	case AMD64, I386:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps the names other tools use for the same machine onto the
// NetBSD port name. Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(AMD64), "x86_64", "x86-64", "x64":
		return AMD64
	case string(I386), "i486", "i586", "i686", "x86", "386":
		return I386
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
