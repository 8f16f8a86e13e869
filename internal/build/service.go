package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// BuildService sequences the pipeline stages for one image. Runs are strictly
// sequential; a service must not be used for two runs at once.
type BuildService struct {
	Logger         *slog.Logger
	FS             afero.Fs
	Specifications ReleaseSpecificationRepository
	ArtifactStore  ArtifactStore
	Verifier       IntegrityVerifier
	Provisioner    DeviceProvisioner
	Partitioner    PartitionPlanner
	Populator      FilesystemPopulator
	BootInstaller  BootInstaller
	// ImageRepository is optional; when set, finished images are recorded.
	ImageRepository ImageRepository
	// Observer is optional and sees every state transition.
	Observer Observer
}

// run tracks the state machine of a single Run call.
type run struct {
	state   State
	entered time.Time
	timings []StageTiming

	logger   *slog.Logger
	observer Observer
}

func (r *run) enter(next State) {
	now := time.Now()
	if r.state != "" && !r.entered.IsZero() {
		r.timings = append(r.timings, StageTiming{State: r.state, Duration: now.Sub(r.entered)})
	}
	r.logger.Info("state transition", "from", r.state, "to", next)
	if r.observer != nil {
		r.observer.Transition(r.state, next)
	}
	r.state, r.entered = next, now
}

// Run builds one image. Any stage failure aborts the run; the vnd slot is
// released on every exit path once provisioning has been attempted.
func (s *BuildService) Run(ctx context.Context, cfg BuildConfig) (output BuildOutput, err error) {
	runID := uuid.NewString()
	logger := s.logger().With(
		"run", runID,
		"release", cfg.Release,
		"arch", cfg.Arch,
	)
	r := &run{logger: logger, observer: s.Observer}
	r.enter(StateInit)

	var (
		binding     DeviceBinding
		provisioned bool
		verified    bool
	)

	defer func() {
		r.enter(StateCleaningUp)
		if provisioned {
			s.release(ctx, logger, binding)
		}
		if err == nil {
			output, err = s.finalize(logger, cfg, runID, verified)
		}
		if err != nil {
			r.enter(StateAborted)
			logger.Error("build aborted", "error", err)
			return
		}
		r.enter(StateDone)
		output.Timings = r.timings
		logger.Info("image built", "path", output.ImagePath, "size", output.Size)
	}()

	if err := cfg.Validate(); err != nil {
		return BuildOutput{}, err
	}
	if err := s.validate(); err != nil {
		return BuildOutput{}, err
	}

	spec, err := s.Specifications.Get(SpecificationID(cfg.Arch))
	if err != nil {
		return BuildOutput{}, &ConfigError{Field: "arch", Message: err.Error()}
	}
	bc := BuildContext{RunID: runID, Config: cfg, Spec: spec}

	location, err := s.ArtifactStore.Resolve(ctx, bc)
	if err != nil {
		return BuildOutput{}, classify(StateInit, err)
	}
	bc.Location = location
	logger.Info("resolved distribution sets", "dir", location.Dir, "needs_fetch", location.NeedsFetch)

	if location.NeedsFetch {
		r.enter(StateFetching)
		if err := s.ArtifactStore.Fetch(ctx, bc); err != nil {
			return BuildOutput{}, classify(StateFetching, err)
		}
	}

	archives, err := s.ArtifactStore.Archives(location, spec.Sets)
	if err != nil {
		return BuildOutput{}, classify(r.state, err)
	}
	bc.Archives = archives

	switch {
	case !location.NeedsFetch:
		logger.Warn("using pre-staged sets, skipping retrieval and verification", "dir", location.Dir)
	case !cfg.Verify:
		logger.Warn("integrity verification disabled, distribution sets are not checked")
	default:
		r.enter(StateVerifying)
		checked, err := s.Verifier.Verify(ctx, bc, s.ArtifactStore.ManifestPath(bc), archives)
		if err != nil {
			return BuildOutput{}, classify(StateVerifying, err)
		}
		bc.Archives, verified = checked, true
	}

	r.enter(StateProvisioning)
	binding, err = s.Provisioner.Provision(ctx, bc)
	provisioned = true
	if !binding.Bound() {
		binding = DeviceBinding{Image: cfg.OutputPath, Device: cfg.Device}
	}
	if err != nil {
		return BuildOutput{}, classify(StateProvisioning, err)
	}
	logger.Info("device bound", "device", binding.Device, "image", binding.Image)

	r.enter(StatePartitioning)
	partitioned, err := s.Partitioner.Partition(ctx, bc, binding)
	if err != nil {
		return BuildOutput{}, classify(StatePartitioning, err)
	}
	binding = partitioned
	logger.Info("partition table written", "root", binding.RootWedge)

	r.enter(StatePopulating)
	if err := s.Populator.Populate(ctx, bc, binding); err != nil {
		return BuildOutput{}, classify(StatePopulating, err)
	}

	r.enter(StateInstallingBoot)
	if err := s.BootInstaller.InstallBoot(ctx, bc, binding); err != nil {
		return BuildOutput{}, classify(StateInstallingBoot, err)
	}

	return BuildOutput{}, nil
}

// release unbinds the slot on a context that survives cancellation. Its
// failure is logged and never returned.
func (s *BuildService) release(ctx context.Context, logger *slog.Logger, binding DeviceBinding) {
	if err := s.Provisioner.Unbind(context.WithoutCancel(ctx), binding); err != nil {
		cleanupErr := &CleanupError{Op: "unbind " + binding.Device, Err: err}
		logger.Warn("device cleanup failed", "error", cleanupErr)
		return
	}
	logger.Info("device unbound", "device", binding.Device)
}

// finalize records the image. verified is true only when the Verifying
// state completed for this run.
func (s *BuildService) finalize(logger *slog.Logger, cfg BuildConfig, runID string, verified bool) (BuildOutput, error) {
	fs := s.fs()

	info, err := fs.Stat(cfg.OutputPath)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StateCleaningUp, Message: "inspect image", Err: err}
	}
	digest, err := FileDigest(fs, cfg.OutputPath)
	if err != nil {
		return BuildOutput{}, &BuildError{Stage: StateCleaningUp, Message: "digest image", Err: err}
	}

	output := BuildOutput{
		RunID:     runID,
		ImagePath: cfg.OutputPath,
		Size:      info.Size(),
		Digest:    digest,
	}

	if s.ImageRepository == nil {
		return output, nil
	}
	record := ImageRecord{
		ID:        runID,
		Release:   cfg.Release,
		Arch:      cfg.Arch,
		Path:      cfg.OutputPath,
		Size:      output.Size,
		Digest:    digest,
		Verified:  verified,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ImageRepository.Save(record); err != nil {
		return BuildOutput{}, &BuildError{Stage: StateCleaningUp, Message: "record image", Err: err}
	}
	logger.Info("image recorded", "image_id", record.ID)
	return output, nil
}

func (s *BuildService) validate() error {
	var missing []error
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, fmt.Errorf("%s is not configured", name))
		}
	}
	check(s.Specifications != nil, "release specification repository")
	check(s.ArtifactStore != nil, "artifact store")
	check(s.Verifier != nil, "integrity verifier")
	check(s.Provisioner != nil, "device provisioner")
	check(s.Partitioner != nil, "partition planner")
	check(s.Populator != nil, "filesystem populator")
	check(s.BootInstaller != nil, "boot installer")
	if len(missing) > 0 {
		return &ConfigError{Message: errors.Join(missing...).Error()}
	}
	return nil
}

func (s *BuildService) fs() afero.Fs {
	if s.FS != nil {
		return s.FS
	}
	return afero.NewOsFs()
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
