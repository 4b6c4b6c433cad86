package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// FS implements Provider as one JSON file per bundle, grouped by RID type.
type FS struct {
	root string // absolute path to cache directory
}

// NewFS creates an FS provider rooted at root, creating the directory if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// safePath resolves a relative path against the cache root and rejects
// any result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes cache root: %s", rel)
	}
	return abs, nil
}

// Encoded RIDs longer than maxEncodedName are stored under their digest,
// keeping file names within the usual 255-byte limit.
const (
	maxEncodedName = 200
	hashedSuffix   = ".long.json"
)

// bundlePath maps r to <type>/<base64url(rid)>.json, or to
// <type>/<sha256(rid)>.long.json for long RIDs.
func (f *FS) bundlePath(r rid.RID) (string, error) {
	name := base64.RawURLEncoding.EncodeToString([]byte(r))
	if len(name) > maxEncodedName {
		name = checksum.Sum([]byte(r)) + hashedSuffix
	} else {
		name += ".json"
	}
	return f.safePath(filepath.Join(strings.TrimPrefix(string(r.Type()), "orn:"), name))
}

// ridOf recovers the RID of a bundle file, from its name when possible
// and from the stored manifest for hashed names.
func ridOf(p, name string) (rid.RID, bool) {
	if strings.HasSuffix(name, hashedSuffix) {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", false
		}
		var b models.Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return "", false
		}
		return b.RID(), b.RID() != ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return "", false
	}
	r, err := rid.Parse(string(raw))
	return r, err == nil
}

// Read loads the cached bundle for r.
func (f *FS) Read(r rid.RID) (*models.Bundle, error) {
	abs, err := f.bundlePath(r)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage: read %s: %w", r, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", r, err)
	}
	var b models.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", r, err)
	}
	return &b, nil
}

// Exists reports whether a bundle is cached for r.
func (f *FS) Exists(r rid.RID) (bool, error) {
	abs, err := f.bundlePath(r)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("storage: stat %s: %w", r, err)
	}
}

// Write atomically writes b: tmp file, fsync, rename.
func (f *FS) Write(b *models.Bundle) error {
	abs, err := f.bundlePath(b.RID())
	if err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", b.RID(), err)
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".koi-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// List walks the cache and recovers the RID of every bundle file.
func (f *FS) List(types ...rid.Type) ([]rid.RID, error) {
	var out []rid.RID
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		r, ok := ridOf(p, d.Name())
		if !ok {
			return nil
		}
		if len(types) == 0 || rid.Contains(types, r.Type()) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Close is a no-op for the file-system driver.
func (f *FS) Close() error { return nil }
