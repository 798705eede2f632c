package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFileName is the sidecar file holding the authorized config hash.
const ChecksumFileName = ".checksums"

// checksumFile is the on-disk layout of the .checksums sidecar:
// a map of file name to BLAKE3 hash.
type checksumFile struct {
	Files map[string]string `yaml:"files"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LockConfig authorizes the current config file state by writing its BLAKE3
// hash to the .checksums sidecar. Subsequent Loads verify against it.
func LockConfig(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return err
	}

	cf := checksumFile{Files: map[string]string{filepath.Base(absPath): hash}}
	data, err := yaml.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("failed to marshal checksums: %w", err)
	}

	checksumPath := filepath.Join(filepath.Dir(absPath), ChecksumFileName)
	if err := os.WriteFile(checksumPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", checksumPath, err)
	}
	return nil
}

// verifyChecksumIfPresent checks the config file against the .checksums
// sidecar when one exists. A missing sidecar is not an error; integrity
// checking is opt-in via `herald config lock`.
func verifyChecksumIfPresent(absPath string) error {
	checksumPath := filepath.Join(filepath.Dir(absPath), ChecksumFileName)
	data, err := os.ReadFile(checksumPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", checksumPath, err)
	}

	var cf checksumFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse %s: %w", checksumPath, err)
	}

	expected, ok := cf.Files[filepath.Base(absPath)]
	if !ok {
		return fmt.Errorf("%s has no entry for %s\n"+
			"Hint: run 'herald config lock' to authorize the current state", checksumPath, filepath.Base(absPath))
	}

	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("config integrity check failed: %w\n"+
			"Hint: run 'herald config lock' if this change is intentional", err)
	}
	return nil
}
