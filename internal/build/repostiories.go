package build

import "github.com/cochaviz/bsdimg/arch"

type ReleaseSpecificationRepository interface {
	Get(specID string) (ReleaseSpecification, error)
	ListAll() ([]ReleaseSpecification, error)
	FilterByArchitecture(architecture arch.Architecture) ([]ReleaseSpecification, error)
}

// ImageRepository persists records of finished images.
type ImageRepository interface {
	Save(record ImageRecord) error
	Get(id string) (ImageRecord, error)
	List() ([]ImageRecord, error)
}
