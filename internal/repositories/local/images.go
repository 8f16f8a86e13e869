package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/internal/build"
)

var _ build.ImageRepository = (*LocalImageRepository)(nil)

// LocalImageRepository persists image records as JSON files under BaseDir.
type LocalImageRepository struct {
	BaseDir string
	FS      afero.Fs
}

// Save writes the record to disk using its ID as the filename.
func (rep *LocalImageRepository) Save(record build.ImageRecord) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if record.ID == "" {
		return errors.New("image id is required")
	}

	fsys := rep.fs()
	if err := fsys.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, record.ID+".json")
	tmp := path + ".partial"
	if err := afero.WriteFile(fsys, tmp, payload, 0o644); err != nil {
		return err
	}
	return fsys.Rename(tmp, path)
}

// Get returns the record with the provided ID. A missing record wraps
// fs.ErrNotExist.
func (rep *LocalImageRepository) Get(id string) (build.ImageRecord, error) {
	if id == "" {
		return build.ImageRecord{}, errors.New("image id is required")
	}
	record, err := rep.load(filepath.Join(rep.BaseDir, id+".json"))
	if err != nil {
		return build.ImageRecord{}, fmt.Errorf("image %s: %w", id, err)
	}
	return record, nil
}

// List returns every stored record, newest first. A missing BaseDir holds no
// records.
func (rep *LocalImageRepository) List() ([]build.ImageRecord, error) {
	entries, err := afero.ReadDir(rep.fs(), rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []build.ImageRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (rep *LocalImageRepository) load(path string) (build.ImageRecord, error) {
	data, err := afero.ReadFile(rep.fs(), path)
	if err != nil {
		return build.ImageRecord{}, err
	}

	var record build.ImageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return build.ImageRecord{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return record, nil
}

func (rep *LocalImageRepository) fs() afero.Fs {
	if rep.FS != nil {
		return rep.FS
	}
	return afero.NewOsFs()
}
