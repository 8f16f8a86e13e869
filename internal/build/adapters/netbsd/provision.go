// Package netbsd drives the NetBSD host tools that turn an image file into a
// bootable disk: vnconfig(8), gpt(8), dkctl(8), newfs(8), mount(8), tar(1)
// and installboot(8).
package netbsd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/system"
)

// notInUse is how vnconfig -l reports an unbound slot.
const notInUse = "not in use"

var _ build.DeviceProvisioner = (*VndProvisioner)(nil)

// VndProvisioner allocates the backing image and binds it to a vnd(4) slot.
type VndProvisioner struct {
	Runner system.Runner
	FS     afero.Fs
	Logger *slog.Logger
}

// Provision creates a zero-filled image of the configured size, binds it and
// writes an empty GPT. Once vnconfig has succeeded the returned binding is
// valid even when an error is returned as well.
func (p *VndProvisioner) Provision(ctx context.Context, bc build.BuildContext) (build.DeviceBinding, error) {
	cfg := bc.Config
	logger := logging.Ensure(p.Logger).With("component", "provisioner")

	if err := p.allocate(cfg.OutputPath, cfg.ImageSize()); err != nil {
		return build.DeviceBinding{}, &build.DeviceError{Stage: build.StateProvisioning, Op: "allocate image", Err: err}
	}
	logger.Info("allocated image", "path", cfg.OutputPath, "bytes", cfg.ImageSize())

	if _, err := p.Runner.Run(ctx, system.Command{Name: "vnconfig", Args: []string{cfg.Device, cfg.OutputPath}}); err != nil {
		return build.DeviceBinding{}, &build.DeviceError{Stage: build.StateProvisioning, Op: "bind " + cfg.Device, Err: err}
	}
	binding := build.DeviceBinding{Image: cfg.OutputPath, Device: cfg.Device}

	if _, err := p.Runner.Run(ctx, system.Command{Name: "gpt", Args: []string{"create", "-f", cfg.Device}}); err != nil {
		return binding, &build.DeviceError{Stage: build.StateProvisioning, Op: "create partition table", Err: err}
	}
	return binding, nil
}

// Unbind releases the slot. A slot that is already free counts as released.
func (p *VndProvisioner) Unbind(ctx context.Context, binding build.DeviceBinding) error {
	_, err := p.Runner.Run(ctx, system.Command{Name: "vnconfig", Args: []string{"-u", binding.Device}})
	if err == nil {
		return nil
	}

	bound, listErr := p.Bound(ctx, binding.Device)
	if listErr == nil && !bound {
		logging.Ensure(p.Logger).Debug("slot already released", "device", binding.Device)
		return nil
	}
	return err
}

// Bound reports whether device currently has a backing file.
func (p *VndProvisioner) Bound(ctx context.Context, device string) (bool, error) {
	out, err := p.Runner.Run(ctx, system.Command{Name: "vnconfig", Args: []string{"-l", device}})
	if err != nil {
		return false, err
	}
	return !strings.Contains(string(out), notInUse), nil
}

// allocate truncates path to size bytes. The file is sparse where the
// filesystem supports it and reads back as zeros.
func (p *VndProvisioner) allocate(path string, size int64) error {
	fs := p.fs()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("size %s: %w", path, err)
	}
	return f.Close()
}

func (p *VndProvisioner) fs() afero.Fs {
	if p.FS != nil {
		return p.FS
	}
	return afero.NewOsFs()
}
