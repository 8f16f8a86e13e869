package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/build/adapters/netbsd"
	"github.com/cochaviz/bsdimg/internal/system"
)

var ConfigDir = "/etc/bsdimg"
var StorageDir = "/var/bsdimg/"

// ConfigFile is read when it exists and no other file is given.
var ConfigFile = filepath.Join(ConfigDir, "config.yaml")

// RequiredTools are looked up on PATH before any build.
var RequiredTools = [...]string{
	"vnconfig", "gpt", "dkctl", "newfs", "mount", "umount",
	"tar", "installboot", "install", "cp", "mkdir", "sh",
}

// Host abstracts the process and filesystem queries of the pre-flight so they
// can be replaced in tests. The zero value queries the real host.
type Host struct {
	LookPath func(file string) (string, error)
	Geteuid  func() int
	Access   func(path string, mode uint32) error
}

func (h Host) lookPath(file string) (string, error) {
	if h.LookPath != nil {
		return h.LookPath(file)
	}
	return exec.LookPath(file)
}

func (h Host) geteuid() int {
	if h.Geteuid != nil {
		return h.Geteuid()
	}
	return unix.Geteuid()
}

func (h Host) access(path string, mode uint32) error {
	if h.Access != nil {
		return h.Access(path, mode)
	}
	return unix.Access(path, mode)
}

// VerifyHost checks that a build can start without leaving the host in a
// worse state: the tools exist, the builder may use them, the build directory
// is writable, and no earlier run still holds the vnd slot or mount point.
func VerifyHost(ctx context.Context, host Host, runner system.Runner, cfg build.BuildConfig) error {
	var missing []string
	tools := RequiredTools[:]
	if cfg.Sudo {
		tools = append(tools, "sudo")
	}
	for _, tool := range tools {
		if _, err := host.lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &build.ConfigError{Field: "host", Message: "missing tools: " + strings.Join(missing, ", ")}
	}

	if euid := host.geteuid(); euid != 0 && !cfg.Sudo {
		return &build.ConfigError{Field: "sudo", Message: fmt.Sprintf("running as uid %d; run as root or pass --sudo", euid)}
	}

	if err := os.MkdirAll(cfg.BuildDir, 0o755); err != nil {
		return &build.ConfigError{Field: "build_dir", Message: err.Error()}
	}
	if err := host.access(cfg.BuildDir, unix.W_OK); err != nil {
		return &build.ConfigError{Field: "build_dir", Message: fmt.Sprintf("%s is not writable: %v", cfg.BuildDir, err)}
	}

	if err := checkStale(ctx, runner, cfg); err != nil {
		return err
	}

	getLogger().Debug("host pre-flight passed", "build_dir", cfg.BuildDir, "device", cfg.Device)
	return nil
}

func checkStale(ctx context.Context, runner system.Runner, cfg build.BuildConfig) error {
	bound, err := (&netbsd.VndProvisioner{Runner: runner}).Bound(ctx, cfg.Device)
	if err != nil {
		return fmt.Errorf("query %s: %w", cfg.Device, err)
	}
	if bound {
		return &build.ConfigError{Field: "device", Message: fmt.Sprintf("%s is still bound; run `bsdimg teardown` first", cfg.Device)}
	}

	mounted, err := netbsd.Mounted(ctx, runner, cfg.MountPoint)
	if err != nil {
		return fmt.Errorf("query mounts: %w", err)
	}
	if mounted {
		return &build.ConfigError{Field: "mount_point", Message: fmt.Sprintf("%s is still mounted; run `bsdimg teardown` first", cfg.MountPoint)}
	}
	return nil
}

// Teardown releases what an interrupted run may have left behind: the mount
// point first, then the vnd slot. Both steps are attempted.
func Teardown(ctx context.Context, runner system.Runner, cfg build.BuildConfig) error {
	var teardownErr error

	mounted, err := netbsd.Mounted(ctx, runner, cfg.MountPoint)
	switch {
	case err != nil:
		teardownErr = errors.Join(teardownErr, fmt.Errorf("query mounts: %w", err))
	case mounted:
		getLogger().Info("unmounting stale mount point", "path", cfg.MountPoint)
		if _, err := runner.Run(ctx, system.Command{Name: "umount", Args: []string{cfg.MountPoint}}); err != nil {
			teardownErr = errors.Join(teardownErr, &build.CleanupError{Op: "umount " + cfg.MountPoint, Err: err})
		}
	}

	provisioner := &netbsd.VndProvisioner{Runner: runner, Logger: getLogger()}
	bound, err := provisioner.Bound(ctx, cfg.Device)
	switch {
	case err != nil:
		teardownErr = errors.Join(teardownErr, fmt.Errorf("query %s: %w", cfg.Device, err))
	case bound:
		getLogger().Info("unbinding stale device", "device", cfg.Device)
		if err := provisioner.Unbind(ctx, build.DeviceBinding{Device: cfg.Device}); err != nil {
			teardownErr = errors.Join(teardownErr, &build.CleanupError{Op: "unbind " + cfg.Device, Err: err})
		}
	}

	return teardownErr
}
