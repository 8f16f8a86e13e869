package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
)

// ISOSource copies distribution sets out of a NetBSD release ISO, where they
// live under <port>/binary/sets.
type ISOSource struct {
	FS     afero.Fs
	Logger *slog.Logger
}

// Stage copies every set of the manifest from the ISO into the build directory.
// Sets already present with the same size are left alone.
func (s *ISOSource) Stage(ctx context.Context, bc build.BuildContext) error {
	cfg := bc.Config
	fs := s.fs()
	logger := logging.Ensure(s.Logger).With("component", "iso", "iso", cfg.SetsISO)

	f, err := fs.Open(cfg.SetsISO)
	if err != nil {
		return &build.ConfigError{Field: "sets_iso", Message: err.Error()}
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return &build.ConfigError{Field: "sets_iso", Message: fmt.Sprintf("read %s: %v", cfg.SetsISO, err)}
	}
	root, err := image.RootDir()
	if err != nil {
		return &build.ConfigError{Field: "sets_iso", Message: err.Error()}
	}

	setsDir := path.Join(cfg.Arch.String(), "binary", "sets")
	dir, err := lookup(root, setsDir)
	if err != nil {
		return &build.RetrievalError{Path: cfg.SetsISO + ":" + setsDir, Err: err}
	}

	if err := fs.MkdirAll(cfg.BuildDir, 0o755); err != nil {
		return &build.ConfigError{Field: "build_dir", Message: err.Error()}
	}

	for _, set := range bc.Spec.Sets {
		if err := ctx.Err(); err != nil {
			return err
		}

		member, err := lookup(dir, set.Archive)
		if err != nil {
			return &build.RetrievalError{Path: cfg.SetsISO + ":" + path.Join(setsDir, set.Archive), Err: err}
		}

		dest := filepath.Join(cfg.BuildDir, set.Archive)
		if info, err := fs.Stat(dest); err == nil && info.Size() == member.Size() {
			logger.Debug("set already staged", "archive", set.Archive)
			continue
		}

		if err := copyMember(fs, member, dest); err != nil {
			return &build.RetrievalError{Path: cfg.SetsISO + ":" + set.Archive, Err: err}
		}
		logger.Info("staged set from ISO", "archive", set.Archive, "path", dest)
	}
	return nil
}

func copyMember(fs afero.Fs, member *iso9660.File, dest string) error {
	tmp := dest + ".partial"
	out, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, member.Reader()); err != nil {
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

// lookup walks rel below dir. Names are compared both as written and in the
// mangled ISO9660 level-1 form, since release ISOs may lack Rock Ridge names.
func lookup(dir *iso9660.File, rel string) (*iso9660.File, error) {
	current := dir
	segments := strings.Split(strings.Trim(rel, "/"), "/")
	for i, segment := range segments {
		children, err := current.GetChildren()
		if err != nil {
			return nil, err
		}

		last := i == len(segments)-1
		var found *iso9660.File
		for _, child := range children {
			if matchesName(child, segment, last) {
				found = child
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%s not found in image", path.Join(segments[:i+1]...))
		}
		current = found
	}
	return current, nil
}

func matchesName(f *iso9660.File, want string, file bool) bool {
	name := strings.ToLower(strings.TrimSuffix(f.Name(), ";1"))
	if name == strings.ToLower(want) {
		return true
	}
	if file && !f.IsDir() {
		return name == strings.TrimSuffix(mangleFileName(want), ";1")
	}
	return f.IsDir() && name == mangleDirectoryName(want)
}

func (s *ISOSource) fs() afero.Fs {
	if s.FS != nil {
		return s.FS
	}
	return afero.NewOsFs()
}
