package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/clearsign"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
)

// ClearsignVerifier checks a clearsigned manifest against an OpenPGP keyring,
// then checks every archive against the manifest.
type ClearsignVerifier struct {
	FS     afero.Fs
	Logger *slog.Logger
	// Keyring overrides the keyring file named in the build configuration.
	Keyring openpgp.EntityList
}

var _ build.IntegrityVerifier = (*ClearsignVerifier)(nil)

// Verify returns the archives with their digests set. No archive is read
// before the manifest signature has been checked.
func (v *ClearsignVerifier) Verify(ctx context.Context, bc build.BuildContext, manifestPath string, archives []build.ArchiveSet) ([]build.ArchiveSet, error) {
	logger := logging.Ensure(v.Logger).With("component", "verifier")
	fs := v.fs()

	keyring, err := v.keyring(bc.Config)
	if err != nil {
		return nil, err
	}

	manifest, err := v.verifiedManifest(fs, keyring, manifestPath)
	if err != nil {
		return nil, err
	}
	logger.Info("checksum manifest signature valid", "manifest", manifestPath, "entries", len(manifest))

	wanted := make([]string, len(archives))
	for i, archive := range archives {
		key := ManifestKey(bc.Config.Release, bc.Config.Arch, archive.Set.Archive)
		digest, ok := manifest.Lookup(key)
		if !ok {
			return nil, &build.IntegrityError{
				Archive: archive.Set.Archive,
				Reason:  build.ReasonMissing,
				Err:     fmt.Errorf("no SHA512 entry for %s", key),
			}
		}
		wanted[i] = digest
	}

	verified := make([]build.ArchiveSet, len(archives))
	for i, archive := range archives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		got, err := build.FileDigest(fs, archive.Path)
		if err != nil {
			return nil, &build.IntegrityError{Archive: archive.Set.Archive, Reason: build.ReasonUnreadable, Err: err}
		}
		if !strings.EqualFold(got, wanted[i]) {
			return nil, &build.IntegrityError{
				Archive: archive.Set.Archive,
				Reason:  build.ReasonChecksum,
				Err:     &build.ChecksumMismatch{Archive: archive.Set.Archive, Want: wanted[i], Got: got},
			}
		}

		archive.Digest = got
		verified[i] = archive
		logger.Debug("archive checksum verified", "archive", archive.Set.Archive)
	}
	return verified, nil
}

func (v *ClearsignVerifier) verifiedManifest(fs afero.Fs, keyring openpgp.KeyRing, path string) (Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &build.IntegrityError{Reason: build.ReasonSignature, Err: err}
	}

	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, &build.IntegrityError{Reason: build.ReasonSignature, Err: errors.New("manifest is not clearsigned")}
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body); err != nil {
		return nil, &build.IntegrityError{Reason: build.ReasonSignature, Err: err}
	}

	manifest, err := ParseManifest(bytes.NewReader(block.Plaintext))
	if err != nil {
		return nil, &build.IntegrityError{Reason: build.ReasonSignature, Err: err}
	}
	return manifest, nil
}

func (v *ClearsignVerifier) keyring(cfg build.BuildConfig) (openpgp.EntityList, error) {
	if len(v.Keyring) > 0 {
		return v.Keyring, nil
	}
	if strings.TrimSpace(cfg.KeyringPath) == "" {
		return nil, &build.ConfigError{
			Field:   "keyring",
			Message: "verification is enabled but no release keyring is configured (use --keyring or --no-verify)",
		}
	}
	return LoadKeyring(v.fs(), cfg.KeyringPath)
}

func (v *ClearsignVerifier) fs() afero.Fs {
	if v.FS != nil {
		return v.FS
	}
	return afero.NewOsFs()
}

// LoadKeyring reads an armored or binary OpenPGP public keyring.
func LoadKeyring(fs afero.Fs, path string) (openpgp.EntityList, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &build.ConfigError{Field: "keyring", Message: err.Error()}
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, &build.ConfigError{Field: "keyring", Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	return keyring, nil
}
