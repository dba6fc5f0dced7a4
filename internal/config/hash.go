package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest pins config file hashes so tampering is detectable.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

const manifestName = ".checksums"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock computes the config file's hash and writes the checksum manifest
// next to it. Subsequent Load and Check calls verify against it.
func Lock(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", absPath, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions; the manifest holds expected hashes.
	manifestPath := filepath.Join(filepath.Dir(absPath), manifestName)
	if err := os.WriteFile(manifestPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return hash, nil
}

// Check verifies the config file against its checksum manifest. It fails if
// the manifest is missing, malformed, or does not match the file on disk.
func Check(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	manifest, err := loadManifest(filepath.Dir(absPath))
	if err != nil {
		return err
	}
	return verifyFile(absPath, manifest)
}

// verifyAgainstManifest is the load-time tamper check: silent when no
// manifest exists (unlocked config), strict when one does.
func verifyAgainstManifest(absPath string) error {
	manifestPath := filepath.Join(filepath.Dir(absPath), manifestName)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		return nil
	}

	manifest, err := loadManifest(filepath.Dir(absPath))
	if err != nil {
		return err
	}
	return verifyFile(absPath, manifest)
}

func loadManifest(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'hookrelay config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

func verifyFile(absPath string, manifest *ChecksumManifest) error {
	expected, ok := manifest.Hashes[filepath.Base(absPath)]
	if !ok {
		return fmt.Errorf("%s has no hash in checksums (run 'hookrelay config lock')", filepath.Base(absPath))
	}

	actual, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: hookrelay config lock",
			filepath.Base(absPath), expected, actual)
	}
	return nil
}
