// Package artifacts locates NetBSD distribution sets on disk and retrieves the
// ones that are missing.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
)

// LocalArtifactStore keeps distribution files under the build directory.
type LocalArtifactStore struct {
	FS        afero.Fs
	Transport Transport
	// ISO stages sets from a release ISO when the configuration names one.
	ISO    *ISOSource
	Logger *slog.Logger
}

var (
	_ build.ArtifactStore = (*LocalArtifactStore)(nil)
	_ build.ScriptSource  = (*LocalArtifactStore)(nil)
)

// Resolve picks the pre-staged sets directory when it holds the base set and
// the build directory otherwise.
func (s *LocalArtifactStore) Resolve(ctx context.Context, bc build.BuildContext) (build.Location, error) {
	cfg := bc.Config
	logger := s.logger()

	if cfg.ForceFetch {
		return build.Location{Dir: cfg.BuildDir, NeedsFetch: true}, nil
	}

	if cfg.SetsISO != "" {
		if s.ISO == nil {
			return build.Location{}, &build.ConfigError{Field: "sets_iso", Message: "no ISO reader configured"}
		}
		if err := s.ISO.Stage(ctx, bc); err != nil {
			return build.Location{}, err
		}
		return build.Location{Dir: cfg.BuildDir}, nil
	}

	base, ok := bc.Spec.Sets.Base()
	if !ok {
		return build.Location{}, &build.ConfigError{Field: "arch", Message: "release specification has no base set"}
	}
	if s.exists(filepath.Join(cfg.SetsDir, base.Archive)) {
		return build.Location{Dir: cfg.SetsDir}, nil
	}

	logger.Info("base set not found in sets directory, will fetch", "sets_dir", cfg.SetsDir)
	return build.Location{Dir: cfg.BuildDir, NeedsFetch: true}, nil
}

// Fetch retrieves every missing file into the build directory. With
// ForceFetch every file is retrieved again.
func (s *LocalArtifactStore) Fetch(ctx context.Context, bc build.BuildContext) error {
	if s.Transport == nil {
		return &build.ConfigError{Message: "no retrieval transport configured"}
	}
	if err := s.fs().MkdirAll(bc.Config.BuildDir, 0o755); err != nil {
		return &build.ConfigError{Field: "build_dir", Message: err.Error()}
	}

	logger := s.logger()
	for _, artifact := range s.Plan(bc) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bc.Config.ForceFetch && s.exists(artifact.Local) {
			logger.Debug("artifact present, skipping retrieval", "kind", artifact.Kind, "path", artifact.Local)
			continue
		}
		if err := s.retrieve(ctx, artifact); err != nil {
			return err
		}
	}
	return nil
}

// Plan lists every file Fetch considers, in retrieval order.
func (s *LocalArtifactStore) Plan(bc build.BuildContext) []Artifact {
	cfg := bc.Config

	var plan []Artifact
	if cfg.Verify {
		plan = append(plan, Artifact{
			Kind:   ManifestArtifact,
			Name:   ManifestName(cfg.Release),
			Remote: ManifestURL(cfg),
			Local:  s.ManifestPath(bc),
		})
	}
	for _, set := range bc.Spec.Sets {
		plan = append(plan, Artifact{
			Kind:   SetArtifact,
			Name:   set.Archive,
			Remote: SetURL(cfg, set.Archive),
			Local:  filepath.Join(cfg.BuildDir, set.Archive),
		})
	}
	for _, script := range bc.Spec.BootScripts {
		plan = append(plan, Artifact{
			Kind:   ScriptArtifact,
			Name:   script,
			Remote: ScriptURL(cfg, script),
			Local:  ScriptPath(cfg, script),
		})
	}
	return plan
}

// Archives returns the location of every set, failing on the first missing one.
func (s *LocalArtifactStore) Archives(location build.Location, manifest build.SetManifest) ([]build.ArchiveSet, error) {
	archives := make([]build.ArchiveSet, 0, len(manifest))
	for _, set := range manifest {
		path := filepath.Join(location.Dir, set.Archive)
		if !s.exists(path) {
			return nil, &build.RetrievalError{Path: path, Err: fs.ErrNotExist}
		}
		archives = append(archives, build.ArchiveSet{Set: set, Path: path})
	}
	return archives, nil
}

// ManifestPath is where the signed checksum manifest is kept.
func (s *LocalArtifactStore) ManifestPath(bc build.BuildContext) string {
	return filepath.Join(bc.Config.BuildDir, ManifestName(bc.Config.Release))
}

// Script returns the cached copy of an rc.d script, retrieving it first when
// it has not been fetched yet.
func (s *LocalArtifactStore) Script(ctx context.Context, bc build.BuildContext, name string) (string, error) {
	artifact := Artifact{
		Kind:   ScriptArtifact,
		Name:   name,
		Remote: ScriptURL(bc.Config, name),
		Local:  ScriptPath(bc.Config, name),
	}
	if s.exists(artifact.Local) {
		return artifact.Local, nil
	}
	if s.Transport == nil {
		return "", &build.ConfigError{Message: "no retrieval transport configured"}
	}
	if err := s.retrieve(ctx, artifact); err != nil {
		return "", err
	}
	return artifact.Local, nil
}

func (s *LocalArtifactStore) retrieve(ctx context.Context, artifact Artifact) error {
	s.logger().Info("retrieving", "kind", artifact.Kind, "name", artifact.Name, "url", artifact.Remote)

	if err := s.fs().MkdirAll(filepath.Dir(artifact.Local), 0o755); err != nil {
		return &build.RetrievalError{Path: artifact.Remote, Err: err}
	}
	if err := s.Transport.Retrieve(ctx, artifact.Remote, artifact.Local); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &build.RetrievalError{Path: artifact.Remote, Err: fmt.Errorf("%s %s: %w", artifact.Kind, artifact.Name, err)}
	}
	return nil
}

func (s *LocalArtifactStore) exists(path string) bool {
	info, err := s.fs().Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *LocalArtifactStore) fs() afero.Fs {
	if s.FS != nil {
		return s.FS
	}
	return afero.NewOsFs()
}

func (s *LocalArtifactStore) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "artifacts")
}
