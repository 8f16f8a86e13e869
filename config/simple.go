// Package config wires the build pipeline to the host: the NetBSD tools, the
// local filesystem, HTTP retrieval and the on-disk image records.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/artifacts"
	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/build/adapters/libvirt"
	"github.com/cochaviz/bsdimg/internal/build/adapters/netbsd"
	buildspecs "github.com/cochaviz/bsdimg/internal/build/repositories"
	"github.com/cochaviz/bsdimg/internal/integrity"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/repositories/local"
	"github.com/cochaviz/bsdimg/internal/setup"
	"github.com/cochaviz/bsdimg/internal/system"
	"github.com/cochaviz/bsdimg/internal/transport"
)

var DefaultBuildDir = setup.StorageDir + "build"
var DefaultImageDir = setup.StorageDir + "images"
var DefaultConnectionURI = "qemu:///system"

// Environment holds the host-facing collaborators of a build. Zero fields
// fall back to the real host.
type Environment struct {
	FS        afero.Fs
	Runner    system.Runner
	Transport artifacts.Transport
	Host      setup.Host
	// Progress receives download progress bars; nil disables them.
	Progress io.Writer
	Logger   *slog.Logger
}

// BuildOptions are the parts of a build that are not part of the image
// itself.
type BuildOptions struct {
	ImageDir    string
	PublishPool string
	ConnectURI  string
}

// Resolve builds the run configuration from the defaults, an optional YAML
// file and the command-line overrides, in that order.
func Resolve(buildDir, configFile string, overrides ...build.ConfigOption) (build.BuildConfig, error) {
	if buildDir == "" {
		buildDir = DefaultBuildDir
	}
	optional := configFile == ""
	if optional {
		configFile = setup.ConfigFile
	}
	options := append([]build.ConfigOption{FromFile(afero.NewOsFs(), configFile, optional)}, overrides...)
	return build.ResolveConfig(build.DefaultConfig(buildDir), options...)
}

// BuildImage runs the pre-flight and the pipeline, records the image and
// optionally publishes it into a libvirt storage pool.
func BuildImage(ctx context.Context, cfg build.BuildConfig, opts BuildOptions, env Environment) (build.BuildOutput, error) {
	env = env.withDefaults(cfg)
	logger := env.Logger.With("component", "config.simple")

	if err := setup.VerifyHost(ctx, env.Host, env.Runner, cfg); err != nil {
		return build.BuildOutput{}, err
	}

	service := env.service(opts)
	output, err := service.Run(ctx, cfg)
	if err != nil {
		return output, err
	}

	if opts.PublishPool != "" {
		uri := opts.ConnectURI
		if uri == "" {
			uri = DefaultConnectionURI
		}
		publisher := &libvirt.PoolPublisher{ConnectURI: uri, Pool: opts.PublishPool, FS: env.FS, Logger: env.Logger}
		path, err := publisher.Publish(ctx, output)
		if err != nil {
			return output, fmt.Errorf("publish image: %w", err)
		}
		logger.Info("image available in storage pool", "pool", opts.PublishPool, "path", path)
	}
	return output, nil
}

func (env Environment) withDefaults(cfg build.BuildConfig) Environment {
	env.Logger = logging.Ensure(env.Logger)
	if env.FS == nil {
		env.FS = afero.NewOsFs()
	}
	if env.Runner == nil {
		env.Runner = &system.ExecRunner{Logger: env.Logger.With("component", "runner"), Sudo: cfg.Sudo}
	}
	if env.Transport == nil {
		env.Transport = &transport.HTTPTransport{Logger: env.Logger, Progress: env.Progress}
	}
	return env
}

func (env Environment) service(opts BuildOptions) *build.BuildService {
	imageDir := opts.ImageDir
	if imageDir == "" {
		imageDir = DefaultImageDir
	}

	store := &artifacts.LocalArtifactStore{
		FS:        env.FS,
		Transport: env.Transport,
		ISO:       &artifacts.ISOSource{FS: env.FS, Logger: env.Logger},
		Logger:    env.Logger,
	}
	locator := &netbsd.WedgeLocator{Runner: env.Runner}
	bootCode := &netbsd.BootCodeCache{FS: env.FS, Logger: env.Logger}

	return &build.BuildService{
		Logger:         env.Logger.With("service", "build"),
		FS:             env.FS,
		Specifications: buildspecs.NewEmbeddedSpecificationRepository(),
		ArtifactStore:  store,
		Verifier:       &integrity.ClearsignVerifier{FS: env.FS, Logger: env.Logger},
		Provisioner:    &netbsd.VndProvisioner{Runner: env.Runner, FS: env.FS, Logger: env.Logger},
		Partitioner: &netbsd.GPTPartitioner{
			Runner:   env.Runner,
			BootCode: bootCode,
			Locator:  locator,
			Logger:   env.Logger,
		},
		Populator: &netbsd.FFSPopulator{
			Runner:  env.Runner,
			FS:      env.FS,
			Scripts: store,
			Locator: locator,
			Logger:  env.Logger,
		},
		BootInstaller:   &netbsd.BootInstaller{Runner: env.Runner, BootCode: bootCode, Logger: env.Logger},
		ImageRepository: &local.LocalImageRepository{BaseDir: imageDir, FS: env.FS},
	}
}

// SetStatus is one row of the set listing.
type SetStatus struct {
	build.Set
	// Path is where the archive was found; empty when it is absent.
	Path string
}

// ListSets reports the sets of the configured port and where each one is
// available locally.
func ListSets(cfg build.BuildConfig, fsys afero.Fs) ([]SetStatus, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	spec, err := buildspecs.NewEmbeddedSpecificationRepository().Get(build.SpecificationID(cfg.Arch))
	if err != nil {
		return nil, err
	}

	statuses := make([]SetStatus, 0, len(spec.Sets))
	for _, set := range spec.Sets {
		status := SetStatus{Set: set}
		for _, dir := range []string{cfg.SetsDir, cfg.BuildDir} {
			path := filepath.Join(dir, set.Archive)
			if info, err := fsys.Stat(path); err == nil && info.Mode().IsRegular() {
				status.Path = path
				break
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ListImages returns the recorded images, newest first.
func ListImages(imageDir string, fsys afero.Fs) ([]build.ImageRecord, error) {
	if imageDir == "" {
		imageDir = DefaultImageDir
	}
	return (&local.LocalImageRepository{BaseDir: imageDir, FS: fsys}).List()
}

// Teardown unmounts and unbinds what an interrupted build left behind.
func Teardown(ctx context.Context, cfg build.BuildConfig, env Environment) error {
	env = env.withDefaults(cfg)
	return setup.Teardown(ctx, env.Runner, cfg)
}
