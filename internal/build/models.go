package build

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cochaviz/bsdimg/arch"
)

// Default sizing. The image is BlockSize × BlockCount bytes.
const (
	DefaultBlockSize   int64 = 102400000
	DefaultBlockCount  int64 = 15
	DefaultSwapSize    int64 = 256 << 20
	DefaultBootTimeout       = 5
	DefaultDevice            = "vnd0"
	DefaultBaseURL           = "https://cdn.NetBSD.org/pub/NetBSD"
	DefaultScriptsURL        = "https://raw.githubusercontent.com/NetBSD/src/trunk/etc/rc.d"
	DefaultHostname          = "netbsd"
)

var deviceSlot = regexp.MustCompile(`^vnd[0-9]+$`)

// BuildConfig is resolved once per run and passed by value afterwards.
type BuildConfig struct {
	Release    string            `yaml:"release"`
	Arch       arch.Architecture `yaml:"arch"`
	BuildDir   string            `yaml:"build_dir"`
	SetsDir    string            `yaml:"sets_dir"`
	SetsISO    string            `yaml:"sets_iso"`
	OutputPath string            `yaml:"output"`

	BlockSize  int64 `yaml:"block_size"`
	BlockCount int64 `yaml:"block_count"`
	SwapSize   int64 `yaml:"swap_size"`

	// Verify is on unless explicitly disabled.
	Verify     bool `yaml:"verify"`
	Verbosity  int  `yaml:"-"`
	ForceFetch bool `yaml:"force_fetch"`

	Device      string `yaml:"device"`
	MountPoint  string `yaml:"mount_point"`
	BaseURL     string `yaml:"base_url"`
	ScriptsURL  string `yaml:"scripts_url"`
	KeyringPath string `yaml:"keyring"`
	Hostname    string `yaml:"hostname"`
	BootTimeout int    `yaml:"boot_timeout"`
	Sudo        bool   `yaml:"sudo"`
}

// DefaultConfig returns a configuration rooted at buildDir.
func DefaultConfig(buildDir string) BuildConfig {
	return BuildConfig{
		Release:     "10.1",
		Arch:        arch.AMD64,
		BuildDir:    buildDir,
		SetsDir:     filepath.Join(buildDir, "sets"),
		OutputPath:  filepath.Join(buildDir, "netbsd.img"),
		BlockSize:   DefaultBlockSize,
		BlockCount:  DefaultBlockCount,
		SwapSize:    DefaultSwapSize,
		Verify:      true,
		Device:      DefaultDevice,
		MountPoint:  filepath.Join(buildDir, "mnt"),
		BaseURL:     DefaultBaseURL,
		ScriptsURL:  DefaultScriptsURL,
		Hostname:    DefaultHostname,
		BootTimeout: DefaultBootTimeout,
	}
}

// ConfigOption adjusts a configuration during resolution.
type ConfigOption func(*BuildConfig) error

// ResolveConfig applies options on top of base and validates the result.
// The returned value is never modified by the pipeline.
func ResolveConfig(base BuildConfig, options ...ConfigOption) (BuildConfig, error) {
	cfg := base
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return BuildConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return BuildConfig{}, err
	}
	return cfg, nil
}

// ImageSize is the exact size of the backing image file in bytes.
func (c BuildConfig) ImageSize() int64 {
	return c.BlockSize * c.BlockCount
}

// Validate reports the first missing or malformed option.
func (c BuildConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Release) == "":
		return &ConfigError{Field: "release", Message: "release identifier is required"}
	case !c.Arch.IsValid():
		return &ConfigError{Field: "arch", Message: fmt.Sprintf("unsupported architecture %q", c.Arch)}
	case strings.TrimSpace(c.BuildDir) == "":
		return &ConfigError{Field: "build_dir", Message: "build directory is required"}
	case strings.TrimSpace(c.SetsDir) == "":
		return &ConfigError{Field: "sets_dir", Message: "sets directory is required"}
	case strings.TrimSpace(c.OutputPath) == "":
		return &ConfigError{Field: "output", Message: "output image path is required"}
	case c.BlockSize <= 0 || c.BlockCount <= 0:
		return &ConfigError{Field: "block_size", Message: "block size and count must be positive"}
	case c.SwapSize <= 0 || c.SwapSize >= c.ImageSize():
		return &ConfigError{Field: "swap_size", Message: "swap must be positive and smaller than the image"}
	case !deviceSlot.MatchString(c.Device):
		return &ConfigError{Field: "device", Message: fmt.Sprintf("%q is not a vnd slot", c.Device)}
	case strings.TrimSpace(c.MountPoint) == "":
		return &ConfigError{Field: "mount_point", Message: "mount point is required"}
	case strings.TrimSpace(c.BaseURL) == "":
		return &ConfigError{Field: "base_url", Message: "distribution base URL is required"}
	case strings.TrimSpace(c.Hostname) == "":
		return &ConfigError{Field: "hostname", Message: "hostname is required"}
	case c.BootTimeout < 0:
		return &ConfigError{Field: "boot_timeout", Message: "boot timeout must not be negative"}
	}
	return nil
}

// Set is one distribution archive.
type Set struct {
	Name    string
	Archive string
}

// SetManifest is the ordered list of sets extracted onto the root filesystem.
// Later sets overwrite files from earlier ones.
type SetManifest []Set

// Lookup returns the set with the given name.
func (m SetManifest) Lookup(name string) (Set, bool) {
	for _, set := range m {
		if set.Name == name {
			return set, true
		}
	}
	return Set{}, false
}

// Base returns the set holding the boot code and the rest of the base system.
func (m SetManifest) Base() (Set, bool) {
	return m.Lookup("base")
}

// BootProfile names the boot-code members inside the base set.
type BootProfile struct {
	// MBR is the GPT-aware master boot record, e.g. usr/mdec/gptmbr.bin.
	MBR string
	// Primary is the first-stage boot block written by installboot.
	Primary string
	// Secondary is the boot loader copied to /boot.
	Secondary string
}

// ReleaseSpecification describes how a NetBSD port is laid out and configured.
type ReleaseSpecification struct {
	ID          string
	Arch        arch.Architecture
	Sets        SetManifest
	Boot        BootProfile
	BootScripts []string
	SwapLabel   string
	RootLabel   string
	Fstab       string
	// RCConf is a text/template rendered with RCConfData.
	RCConf string
}

// SpecificationID names the release specification for a port.
func SpecificationID(a arch.Architecture) string {
	return "netbsd-" + a.String()
}

// RCConfData feeds the rc.conf template.
type RCConfData struct {
	Hostname string
}

// Location is where the archive sets for a run live.
type Location struct {
	Dir        string
	NeedsFetch bool
}

// ArchiveSet is a located archive. Digest is set once it has been verified.
type ArchiveSet struct {
	Set    Set
	Path   string
	Digest string
}

// DeviceBinding is an image file bound to a vnd slot.
type DeviceBinding struct {
	Image  string
	Device string
	// RootWedge is the dk(4) node of the root partition, e.g. "dk1".
	RootWedge string
}

// Bound reports whether the binding refers to a device.
func (b DeviceBinding) Bound() bool {
	return b.Device != ""
}

// RootNode is the block device path of the root wedge.
func (b DeviceBinding) RootNode() string {
	return "/dev/" + b.RootWedge
}

// RawRootNode is the character device path of the root wedge.
func (b DeviceBinding) RawRootNode() string {
	return "/dev/r" + b.RootWedge
}

// MountHandle is a mounted root filesystem. It never leaves the populator.
type MountHandle struct {
	Device string
	Path   string
}

// BuildContext provides the shared context passed across pipeline stages.
type BuildContext struct {
	RunID    string
	Config   BuildConfig
	Spec     ReleaseSpecification
	Location Location
	Archives []ArchiveSet
}

// StageTiming records how long a state took.
type StageTiming struct {
	State    State
	Duration time.Duration
}

// BuildOutput captures the result of a successful run.
type BuildOutput struct {
	RunID     string
	ImagePath string
	Size      int64
	// Digest is the SHA512 of the finished image.
	Digest  string
	Timings []StageTiming
}

// ImageRecord is the persisted description of a finished image.
type ImageRecord struct {
	ID        string            `json:"id"`
	Release   string            `json:"release"`
	Arch      arch.Architecture `json:"arch"`
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	Digest    string            `json:"sha512"`
	Verified  bool              `json:"verified"`
	CreatedAt time.Time         `json:"created_at"`
}
