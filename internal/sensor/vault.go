// Package sensor turns a directory of Markdown files into orn:vault.note records.
package sensor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/koinet-node/internal/checksum"
)

// FileInfo describes one Markdown file in the vault.
type FileInfo struct {
	Path     string // slash-separated, relative to the vault root
	Checksum string
	ModTime  time.Time
}

// Vault reads Markdown files under a root directory.
type Vault struct {
	root string
}

// NewVault opens the vault at root. The directory must exist.
func NewVault(root string) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sensor: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sensor: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sensor: root is not a directory: %s", abs)
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string { return v.root }

// safePath resolves rel against the root and rejects escapes.
func (v *Vault) safePath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("sensor: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(v.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("sensor: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, v.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("sensor: path escapes vault root: %s", rel)
	}
	return abs, nil
}

// Rel converts an absolute path inside the vault to its slash form.
func (v *Vault) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("sensor: %s is outside the vault", abs)
	}
	return filepath.ToSlash(rel), nil
}

// List walks the vault and returns every .md file, skipping hidden directories.
func (v *Vault) List() ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if p != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := v.Rel(p)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{Path: rel, Checksum: checksum.Sum(data), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sensor: list: %w", err)
	}
	return out, nil
}

// Read returns the bytes and modification time of the file at rel.
func (v *Vault) Read(rel string) ([]byte, time.Time, error) {
	abs, err := v.safePath(rel)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sensor: stat %s: %w", rel, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sensor: read %s: %w", rel, err)
	}
	return data, info.ModTime(), nil
}
