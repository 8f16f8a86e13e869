package netbsd

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
)

// BootCodeCache extracts boot-code members of the base set into the build
// directory, once.
type BootCodeCache struct {
	FS     afero.Fs
	Logger *slog.Logger
}

// Path is where member is cached, e.g. <build>/gptmbr.bin.
func (c *BootCodeCache) Path(cfg build.BuildConfig, member string) string {
	return filepath.Join(cfg.BuildDir, path.Base(member))
}

// Ensure returns the cached copy of member, extracting it from the base set
// when it is not present yet.
func (c *BootCodeCache) Ensure(ctx context.Context, bc build.BuildContext, member string) (string, error) {
	fs := c.fs()
	dest := c.Path(bc.Config, member)
	if info, err := fs.Stat(dest); err == nil && info.Mode().IsRegular() {
		return dest, nil
	}

	base, err := baseArchive(bc)
	if err != nil {
		return "", err
	}

	logging.Ensure(c.Logger).With("component", "bootcode").Info("extracting boot code", "member", member, "archive", base.Path)
	if err := c.extract(ctx, base.Path, member, dest); err != nil {
		return "", fmt.Errorf("extract %s from %s: %w", member, base.Set.Archive, err)
	}
	return dest, nil
}

func (c *BootCodeCache) extract(ctx context.Context, archive, member, dest string) error {
	fs := c.fs()

	f, err := fs.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return err
	}
	tr := tar.NewReader(xzr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found", member)
		}
		if err != nil {
			return err
		}
		if strings.TrimPrefix(hdr.Name, "./") != member || hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		tmp := dest + ".partial"
		out, err := fs.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			_ = fs.Remove(tmp)
			return err
		}
		if err := out.Close(); err != nil {
			_ = fs.Remove(tmp)
			return err
		}
		return fs.Rename(tmp, dest)
	}
}

func (c *BootCodeCache) fs() afero.Fs {
	if c.FS != nil {
		return c.FS
	}
	return afero.NewOsFs()
}

func baseArchive(bc build.BuildContext) (build.ArchiveSet, error) {
	for _, archive := range bc.Archives {
		if archive.Set.Name == "base" {
			return archive, nil
		}
	}
	return build.ArchiveSet{}, errors.New("base set is not part of this build")
}
