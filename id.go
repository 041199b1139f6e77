package goldboot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var hexStemPattern = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)

// idForPath returns an image's ID. If the filename stem is already a
// 64-character hex string, it is trusted as the ID directly, avoiding a
// full-file hash on every listing. Otherwise the file is hashed.
func idForPath(path string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if hexStemPattern.MatchString(stem) {
		return strings.ToLower(stem), nil
	}
	return hashFile(path)
}

// hashFile computes the hex SHA-256 of the entire file at path, which is an
// image's ID when its filename doesn't already give it away.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("goldboot: failed to hash image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("goldboot: failed to hash image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
