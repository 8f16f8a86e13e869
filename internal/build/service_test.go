package build

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/arch"
)

var testManifest = SetManifest{
	{Name: "base", Archive: "base.tar.xz"},
	{Name: "comp", Archive: "comp.tar.xz"},
	{Name: "etc", Archive: "etc.tar.xz"},
	{Name: "games", Archive: "games.tar.xz"},
	{Name: "man", Archive: "man.tar.xz"},
	{Name: "misc", Archive: "misc.tar.xz"},
	{Name: "modules", Archive: "modules.tar.xz"},
	{Name: "rescue", Archive: "rescue.tar.xz"},
	{Name: "text", Archive: "text.tar.xz"},
	{Name: "kernel", Archive: "kern-GENERIC.tar.xz"},
}

type stubSpecs struct{}

func (stubSpecs) Get(id string) (ReleaseSpecification, error) {
	if id != SpecificationID(arch.AMD64) {
		return ReleaseSpecification{}, errors.New("specification not found")
	}
	return ReleaseSpecification{ID: id, Arch: arch.AMD64, Sets: testManifest, RootLabel: "root", SwapLabel: "swap"}, nil
}

func (stubSpecs) ListAll() ([]ReleaseSpecification, error) { return nil, nil }

func (stubSpecs) FilterByArchitecture(arch.Architecture) ([]ReleaseSpecification, error) {
	return nil, nil
}

type stubStore struct {
	needsFetch bool
	fetchErr   error
	fetchCalls int
}

func (s *stubStore) Resolve(_ context.Context, bc BuildContext) (Location, error) {
	if s.needsFetch {
		return Location{Dir: bc.Config.BuildDir, NeedsFetch: true}, nil
	}
	return Location{Dir: bc.Config.SetsDir}, nil
}

func (s *stubStore) Fetch(context.Context, BuildContext) error {
	s.fetchCalls++
	return s.fetchErr
}

func (s *stubStore) Archives(location Location, manifest SetManifest) ([]ArchiveSet, error) {
	archives := make([]ArchiveSet, 0, len(manifest))
	for _, set := range manifest {
		archives = append(archives, ArchiveSet{Set: set, Path: location.Dir + "/" + set.Archive})
	}
	return archives, nil
}

func (s *stubStore) ManifestPath(bc BuildContext) string {
	return bc.Config.BuildDir + "/hashes.asc"
}

type stubVerifier struct {
	err   error
	calls int
}

func (v *stubVerifier) Verify(_ context.Context, _ BuildContext, _ string, archives []ArchiveSet) ([]ArchiveSet, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return archives, nil
}

type stubProvisioner struct {
	err         error
	unbindErr   error
	calls       int
	unbindCalls int
	unbound     DeviceBinding
}

func (p *stubProvisioner) Provision(_ context.Context, bc BuildContext) (DeviceBinding, error) {
	p.calls++
	binding := DeviceBinding{Image: bc.Config.OutputPath, Device: bc.Config.Device}
	return binding, p.err
}

func (p *stubProvisioner) Unbind(ctx context.Context, binding DeviceBinding) error {
	p.unbindCalls++
	p.unbound = binding
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return p.unbindErr
}

type stubPartitioner struct {
	err   error
	calls int
}

func (p *stubPartitioner) Partition(_ context.Context, _ BuildContext, binding DeviceBinding) (DeviceBinding, error) {
	p.calls++
	if p.err != nil {
		return binding, p.err
	}
	binding.RootWedge = "dk1"
	return binding, nil
}

type stubPopulator struct {
	err      error
	calls    int
	archives []ArchiveSet
}

func (p *stubPopulator) Populate(_ context.Context, bc BuildContext, _ DeviceBinding) error {
	p.calls++
	p.archives = bc.Archives
	return p.err
}

type stubBootInstaller struct {
	err     error
	calls   int
	binding DeviceBinding
}

func (b *stubBootInstaller) InstallBoot(_ context.Context, _ BuildContext, binding DeviceBinding) error {
	b.calls++
	b.binding = binding
	return b.err
}

type stubImages struct {
	saved []ImageRecord
}

func (r *stubImages) Save(record ImageRecord) error {
	r.saved = append(r.saved, record)
	return nil
}

func (r *stubImages) Get(string) (ImageRecord, error) { return ImageRecord{}, errors.New("not found") }

func (r *stubImages) List() ([]ImageRecord, error) { return r.saved, nil }

type fixture struct {
	cfg         BuildConfig
	store       *stubStore
	verifier    *stubVerifier
	provisioner *stubProvisioner
	partitioner *stubPartitioner
	populator   *stubPopulator
	boot        *stubBootInstaller
	images      *stubImages
	states      []State
	service     *BuildService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fs := afero.NewMemMapFs()
	cfg := DefaultConfig("/build")
	if err := afero.WriteFile(fs, cfg.OutputPath, []byte("image"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f := &fixture{
		cfg:         cfg,
		store:       &stubStore{needsFetch: true},
		verifier:    &stubVerifier{},
		provisioner: &stubProvisioner{},
		partitioner: &stubPartitioner{},
		populator:   &stubPopulator{},
		boot:        &stubBootInstaller{},
		images:      &stubImages{},
	}
	f.service = &BuildService{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		FS:              fs,
		Specifications:  stubSpecs{},
		ArtifactStore:   f.store,
		Verifier:        f.verifier,
		Provisioner:     f.provisioner,
		Partitioner:     f.partitioner,
		Populator:       f.populator,
		BootInstaller:   f.boot,
		ImageRepository: f.images,
		Observer: ObserverFunc(func(_, to State) {
			f.states = append(f.states, to)
		}),
	}
	return f
}

func TestRunReachesDone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	output, err := f.service.Run(context.Background(), f.cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []State{
		StateInit, StateFetching, StateVerifying, StateProvisioning, StatePartitioning,
		StatePopulating, StateInstallingBoot, StateCleaningUp, StateDone,
	}
	if diff := cmp.Diff(want, f.states); diff != "" {
		t.Fatalf("state transitions mismatch (-want +got):\n%s", diff)
	}
	if f.provisioner.unbindCalls != 1 {
		t.Fatalf("unbind calls = %d, want 1", f.provisioner.unbindCalls)
	}
	if f.boot.binding.RootWedge != "dk1" {
		t.Fatalf("boot installer saw root wedge %q, want dk1", f.boot.binding.RootWedge)
	}
	if output.Size != int64(len("image")) || output.Digest == "" {
		t.Fatalf("unexpected output %+v", output)
	}
	if len(f.images.saved) != 1 || f.images.saved[0].ID != output.RunID {
		t.Fatalf("image record not saved for run %s: %+v", output.RunID, f.images.saved)
	}
	if len(output.Timings) == 0 {
		t.Fatal("expected stage timings")
	}
}

func TestRunAbortsOnChecksumMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.verifier.err = &IntegrityError{
		Archive: "comp.tar.xz",
		Reason:  ReasonChecksum,
		Err:     &ChecksumMismatch{Archive: "comp.tar.xz", Want: "aa", Got: "ab"},
	}

	_, err := f.service.Run(context.Background(), f.cfg)

	var mismatch *ChecksumMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *ChecksumMismatch, got %T (%v)", err, err)
	}
	if mismatch.Archive != "comp.tar.xz" {
		t.Fatalf("mismatch archive = %q, want comp.tar.xz", mismatch.Archive)
	}
	if f.partitioner.calls != 0 {
		t.Fatalf("partition planner called %d times after checksum mismatch", f.partitioner.calls)
	}
	if f.provisioner.calls != 0 || f.provisioner.unbindCalls != 0 {
		t.Fatalf("provision calls = %d, unbind calls = %d, want 0 and 0", f.provisioner.calls, f.provisioner.unbindCalls)
	}
	if got := f.states[len(f.states)-1]; got != StateAborted {
		t.Fatalf("final state = %s, want %s", got, StateAborted)
	}
	if len(f.images.saved) != 0 {
		t.Fatal("image recorded for an aborted run")
	}
}

func TestRunUnbindsExactlyOnceOnStageFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("exit status 1")
	cases := []struct {
		name   string
		inject func(*fixture)
	}{
		{"provision", func(f *fixture) { f.provisioner.err = boom }},
		{"partition", func(f *fixture) { f.partitioner.err = boom }},
		{"populate", func(f *fixture) { f.populator.err = boom }},
		{"install-boot", func(f *fixture) { f.boot.err = boom }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tc.inject(f)

			_, err := f.service.Run(context.Background(), f.cfg)
			if !errors.Is(err, boom) {
				t.Fatalf("Run() error = %v, want wrapped %v", err, boom)
			}
			var deviceErr *DeviceError
			if !errors.As(err, &deviceErr) {
				t.Fatalf("expected *DeviceError, got %T", err)
			}
			if f.provisioner.unbindCalls != 1 {
				t.Fatalf("unbind calls = %d, want 1", f.provisioner.unbindCalls)
			}
			n := len(f.states)
			if f.states[n-2] != StateCleaningUp || f.states[n-1] != StateAborted {
				t.Fatalf("final transitions = %v, want cleaning-up then aborted", f.states[n-2:])
			}
		})
	}
}

func TestRunFilesystemFailureSkipsBootInstall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.populator.err = &DeviceError{Stage: StatePopulating, Op: "newfs", Err: errors.New("exit status 1")}

	_, err := f.service.Run(context.Background(), f.cfg)
	if err == nil {
		t.Fatal("Run() error = nil, want newfs failure")
	}
	if f.boot.calls != 0 {
		t.Fatalf("boot installer called %d times", f.boot.calls)
	}
	if f.provisioner.unbindCalls != 1 {
		t.Fatalf("unbind calls = %d, want 1", f.provisioner.unbindCalls)
	}
}

func TestRunSkipsFetchAndVerifyForLocalSets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.needsFetch = false

	if _, err := f.service.Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.store.fetchCalls != 0 || f.verifier.calls != 0 {
		t.Fatalf("fetch calls = %d, verify calls = %d, want 0 and 0", f.store.fetchCalls, f.verifier.calls)
	}
	for _, state := range f.states {
		if state == StateFetching || state == StateVerifying {
			t.Fatalf("unexpected state %s for pre-staged sets", state)
		}
	}
	if got := f.populator.archives[0].Path; got != f.cfg.SetsDir+"/base.tar.xz" {
		t.Fatalf("populator saw %q, want the sets directory", got)
	}
}

func TestRunRecordsWhetherSetsWereVerified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		needsFetch bool
		verify     bool
		want       bool
	}{
		{name: "fetched and verified", needsFetch: true, verify: true, want: true},
		{name: "verification disabled", needsFetch: true, verify: false, want: false},
		{name: "pre-staged sets", needsFetch: false, verify: true, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.store.needsFetch = tt.needsFetch
			f.cfg.Verify = tt.verify

			if _, err := f.service.Run(context.Background(), f.cfg); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(f.images.saved) != 1 {
				t.Fatalf("saved %d records, want 1", len(f.images.saved))
			}
			if got := f.images.saved[0].Verified; got != tt.want {
				t.Fatalf("record Verified = %v, want %v (verify calls = %d)", got, tt.want, f.verifier.calls)
			}
		})
	}
}

func TestRunWithVerificationDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.Verify = false

	if _, err := f.service.Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.store.fetchCalls != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.store.fetchCalls)
	}
	if f.verifier.calls != 0 {
		t.Fatalf("verify calls = %d, want 0", f.verifier.calls)
	}
}

func TestRunRetrievalErrorStopsBeforeDevices(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.fetchErr = &RetrievalError{Path: "base.tar.xz", Err: errors.New("connection reset")}

	_, err := f.service.Run(context.Background(), f.cfg)
	var retrievalErr *RetrievalError
	if !errors.As(err, &retrievalErr) {
		t.Fatalf("expected *RetrievalError, got %T", err)
	}
	if f.provisioner.calls != 0 || f.provisioner.unbindCalls != 0 {
		t.Fatal("device touched after retrieval failure")
	}
}

func TestRunUnbindFailureDoesNotMaskStageError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stageErr := errors.New("gpt: exit status 1")
	f.partitioner.err = stageErr
	f.provisioner.unbindErr = errors.New("vnconfig: device busy")

	_, err := f.service.Run(context.Background(), f.cfg)
	if !errors.Is(err, stageErr) {
		t.Fatalf("Run() error = %v, want partition failure", err)
	}
	var cleanupErr *CleanupError
	if errors.As(err, &cleanupErr) {
		t.Fatal("cleanup error escalated")
	}
}

func TestRunUnbindFailureAfterSuccessIsLoggedOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provisioner.unbindErr = errors.New("vnconfig: device busy")

	if _, err := f.service.Run(context.Background(), f.cfg); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got := f.states[len(f.states)-1]; got != StateDone {
		t.Fatalf("final state = %s, want %s", got, StateDone)
	}
}

func TestRunUnbindsOnCancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.populator.err = context.Canceled
	cancel()

	if _, err := f.service.Run(ctx, f.cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if f.provisioner.unbindCalls != 1 {
		t.Fatalf("unbind calls = %d, want 1", f.provisioner.unbindCalls)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.Release = ""

	_, err := f.service.Run(context.Background(), f.cfg)
	var configErr *ConfigError
	if !errors.As(err, &configErr) || configErr.Field != "release" {
		t.Fatalf("expected release ConfigError, got %v", err)
	}
	if f.provisioner.calls != 0 || f.store.fetchCalls != 0 {
		t.Fatal("pipeline ran with invalid configuration")
	}
}

func TestDefaultImageSize(t *testing.T) {
	t.Parallel()

	if got := DefaultConfig(t.TempDir()).ImageSize(); got != 1536000000 {
		t.Fatalf("ImageSize() = %d, want 1536000000", got)
	}
}
