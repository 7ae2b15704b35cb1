// Package local implements a local filesystem page archive.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem archive.
type Config struct {
	// BaseDir is the root directory where raw pages will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Archive writes raw crawled pages to the local filesystem, one file per URL,
// keyed by the URL's digest so re-crawls overwrite in place.
type Archive struct {
	baseDir string
}

// New creates a filesystem-backed archive rooted at cfg.BaseDir.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Archive{baseDir: cfg.BaseDir}, nil
}

// Save writes the raw page body and returns a file:// URI for it. The first
// two digest characters shard the directory to keep listings manageable.
func (a *Archive) Save(_ context.Context, pageURL string, body []byte) (string, error) {
	if strings.TrimSpace(pageURL) == "" {
		return "", fmt.Errorf("page url is required")
	}

	sum := sha256.Sum256([]byte(pageURL))
	digest := hex.EncodeToString(sum[:])
	fullPath := filepath.Join(a.baseDir, digest[:2], digest+".html")

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, body, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
