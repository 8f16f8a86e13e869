package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/bsdimg/internal/build"
)

// FromFile returns an option that overlays the YAML document at path onto the
// configuration. Unknown keys are rejected. When optional is set, a missing
// file leaves the configuration untouched.
func FromFile(fsys afero.Fs, path string, optional bool) build.ConfigOption {
	return func(cfg *build.BuildConfig) error {
		if path == "" {
			return nil
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return &build.ConfigError{Field: "config", Message: err.Error()}
		}
		return decode(bytes.NewReader(data), path, cfg)
	}
}

func decode(r io.Reader, path string, cfg *build.BuildConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &build.ConfigError{Field: "config", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}
