package build

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// FileDigest returns the hex SHA512 digest of the file at path.
func FileDigest(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hash := sha512.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
