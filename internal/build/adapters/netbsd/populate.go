package netbsd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/system"
)

var _ build.FilesystemPopulator = (*FFSPopulator)(nil)

// FFSPopulator creates an FFSv2 filesystem on the root wedge and fills it.
// Files are written into the mounted tree with install(1) so ownership is
// root:wheel whether or not the builder itself runs as root.
type FFSPopulator struct {
	Runner  system.Runner
	FS      afero.Fs
	Scripts build.ScriptSource
	Locator build.PartitionLocator
	Logger  *slog.Logger
}

// Populate leaves the filesystem unmounted on every return path once it has
// been mounted.
func (p *FFSPopulator) Populate(ctx context.Context, bc build.BuildContext, binding build.DeviceBinding) (err error) {
	cfg, spec := bc.Config, bc.Spec
	logger := logging.Ensure(p.Logger).With("component", "populator")

	fail := func(op string, err error) error {
		return &build.DeviceError{Stage: build.StatePopulating, Op: op, Err: err}
	}

	wedge, err := p.Locator.FindPartitionDevice(ctx, binding, spec.RootLabel)
	if err != nil {
		return fail("find root wedge", err)
	}
	binding.RootWedge = wedge

	if _, err := p.Runner.Run(ctx, system.Command{Name: "newfs", Args: []string{"-O", "2", binding.RawRootNode()}}); err != nil {
		return fail("newfs", err)
	}

	if err := p.freshMountPoint(cfg.MountPoint); err != nil {
		return fail("prepare mount point", err)
	}
	if _, err := p.Runner.Run(ctx, system.Command{Name: "mount", Args: []string{"-o", "log", binding.RootNode(), cfg.MountPoint}}); err != nil {
		return fail("mount", err)
	}
	handle := build.MountHandle{Device: binding.RootNode(), Path: cfg.MountPoint}
	logger.Info("mounted root filesystem", "device", handle.Device, "path", handle.Path)

	defer func() {
		_, umountErr := p.Runner.Run(context.WithoutCancel(ctx), system.Command{Name: "umount", Args: []string{handle.Path}})
		if umountErr == nil {
			logger.Info("unmounted root filesystem", "path", handle.Path)
			return
		}
		if err == nil {
			err = fail("umount", umountErr)
			return
		}
		logger.Warn("unmount after failure", "error", &build.CleanupError{Op: "umount " + handle.Path, Err: umountErr})
	}()

	return p.fill(ctx, bc, handle)
}

func (p *FFSPopulator) fill(ctx context.Context, bc build.BuildContext, handle build.MountHandle) error {
	cfg, spec := bc.Config, bc.Spec
	mnt := handle.Path
	logger := logging.Ensure(p.Logger).With("component", "populator")

	fail := func(op string, err error) error {
		return &build.DeviceError{Stage: build.StatePopulating, Op: op, Err: err}
	}
	run := func(op string, cmd system.Command) error {
		if _, err := p.Runner.Run(ctx, cmd); err != nil {
			return fail(op, err)
		}
		return nil
	}

	for _, archive := range bc.Archives {
		logger.Info("extracting set", "archive", archive.Set.Archive)
		if err := run("extract "+archive.Set.Archive, system.Command{Name: "tar", Args: []string{"-xpJf", archive.Path, "-C", mnt}}); err != nil {
			return err
		}
	}

	secondary := filepath.Join(mnt, filepath.FromSlash(spec.Boot.Secondary))
	if err := run("install boot loader", system.Command{Name: "cp", Args: []string{"-p", secondary, filepath.Join(mnt, "boot")}}); err != nil {
		return err
	}
	if err := run("create /proc", system.Command{Name: "mkdir", Args: []string{"-p", filepath.Join(mnt, "proc")}}); err != nil {
		return err
	}

	for _, name := range spec.BootScripts {
		local, err := p.Scripts.Script(ctx, bc, name)
		if err != nil {
			return err
		}
		if err := run("install rc.d/"+name, install("0755", local, filepath.Join(mnt, "etc", "rc.d", name))); err != nil {
			return err
		}
	}

	rcConf, err := spec.RenderRCConf(build.RCConfData{Hostname: cfg.Hostname})
	if err != nil {
		return fail("render rc.conf", err)
	}
	generated := []struct {
		name    string
		content string
	}{
		{"fstab", spec.Fstab},
		{"rc.conf", rcConf},
	}
	for _, file := range generated {
		staged, err := p.stage(cfg, file.name, file.content)
		if err != nil {
			return fail("stage "+file.name, err)
		}
		if err := run("install /etc/"+file.name, install("0644", staged, filepath.Join(mnt, "etc", file.name))); err != nil {
			return err
		}
	}

	return run("MAKEDEV", system.Command{Name: "sh", Args: []string{"./MAKEDEV", "all"}, Dir: filepath.Join(mnt, "dev")})
}

// freshMountPoint creates dir, refusing one that already has content.
func (p *FFSPopulator) freshMountPoint(dir string) error {
	fs := p.fs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	empty, err := afero.IsEmpty(fs, dir)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%s is not empty, is a previous build still mounted?", dir)
	}
	return nil
}

func (p *FFSPopulator) stage(cfg build.BuildConfig, name, content string) (string, error) {
	dir := filepath.Join(cfg.BuildDir, "staging")
	if err := p.fs().MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := afero.WriteFile(p.fs(), path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p *FFSPopulator) fs() afero.Fs {
	if p.FS != nil {
		return p.FS
	}
	return afero.NewOsFs()
}

func install(mode, src, dest string) system.Command {
	return system.Command{Name: "install", Args: []string{"-o", "root", "-g", "wheel", "-m", mode, src, dest}}
}
