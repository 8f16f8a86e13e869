package repositories

import (
	"errors"

	"github.com/cochaviz/bsdimg/arch"
	"github.com/cochaviz/bsdimg/internal/build"
)

// EmbeddedSpecificationRepository contains the built-in release specifications.
type EmbeddedSpecificationRepository struct {
	history map[string][]build.ReleaseSpecification
	order   []string
}

// NewEmbeddedSpecificationRepository constructs a repository pre-populated with embedded specs.
func NewEmbeddedSpecificationRepository() *EmbeddedSpecificationRepository {
	repo := &EmbeddedSpecificationRepository{
		history: make(map[string][]build.ReleaseSpecification),
	}

	for _, spec := range defaultSpecs() {
		repo.append(spec)
	}

	return repo
}

// Get returns the latest specification for the provided id.
func (r *EmbeddedSpecificationRepository) Get(specID string) (build.ReleaseSpecification, error) {
	versions, ok := r.history[specID]
	if !ok || len(versions) == 0 {
		return build.ReleaseSpecification{}, errors.New("specification not found")
	}
	return versions[len(versions)-1], nil
}

// ListAll returns the latest version for every specification.
func (r *EmbeddedSpecificationRepository) ListAll() ([]build.ReleaseSpecification, error) {
	if len(r.history) == 0 {
		return nil, nil
	}

	specs := make([]build.ReleaseSpecification, 0, len(r.order))
	for _, id := range r.order {
		if versions := r.history[id]; len(versions) > 0 {
			specs = append(specs, versions[len(versions)-1])
		}
	}
	return specs, nil
}

// FilterByArchitecture returns specs matching the requested architecture.
func (r *EmbeddedSpecificationRepository) FilterByArchitecture(architecture arch.Architecture) ([]build.ReleaseSpecification, error) {
	if architecture == "" {
		return r.ListAll()
	}

	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}

	var matched []build.ReleaseSpecification
	for _, spec := range all {
		if spec.Arch == arch.Normalize(architecture.String()) {
			matched = append(matched, spec)
		}
	}
	return matched, nil
}

func (r *EmbeddedSpecificationRepository) append(spec build.ReleaseSpecification) {
	if _, exists := r.history[spec.ID]; !exists {
		r.order = append(r.order, spec.ID)
	}
	r.history[spec.ID] = append(r.history[spec.ID], spec)
}

// DefaultSetManifest is the extraction order shared by every x86 port. The
// kernel comes last so it replaces anything the earlier sets ship in /.
func DefaultSetManifest() build.SetManifest {
	names := []string{"base", "comp", "etc", "games", "man", "misc", "modules", "rescue", "text"}

	manifest := make(build.SetManifest, 0, len(names)+1)
	for _, name := range names {
		manifest = append(manifest, build.Set{Name: name, Archive: name + ".tar.xz"})
	}
	return append(manifest, build.Set{Name: "kernel", Archive: "kern-GENERIC.tar.xz"})
}

func defaultSpecs() []build.ReleaseSpecification {
	return []build.ReleaseSpecification{
		makeSpec(arch.AMD64),
		makeSpec(arch.I386),
	}
}

func makeSpec(port arch.Architecture) build.ReleaseSpecification {
	return build.ReleaseSpecification{
		ID:   build.SpecificationID(port),
		Arch: port,
		Sets: DefaultSetManifest(),
		Boot: build.BootProfile{
			MBR:       "usr/mdec/gptmbr.bin",
			Primary:   "usr/mdec/bootxx_ffsv2",
			Secondary: "usr/mdec/boot",
		},
		BootScripts: []string{"ec2_init"},
		SwapLabel:   "swap",
		RootLabel:   "root",
		Fstab:       embeddedFstab,
		RCConf:      embeddedRCConf,
	}
}
