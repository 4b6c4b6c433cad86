package sensor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/parser"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
)

// Submitter accepts knowledge objects for processing.
type Submitter interface {
	Submit(kobj *processor.KnowledgeObject) bool
}

// Cache is the read side of the object store. Sensors consult it so a
// restart resumes from what was already accepted.
type Cache interface {
	Read(r rid.RID) (*models.Bundle, error)
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithCache lets the sensor seed per-file state from cached records.
func WithCache(c Cache) Option { return func(s *Sensor) { s.cache = c } }

// Sensor emits a local vault.note bundle whenever a vault file changes.
type Sensor struct {
	vault  *Vault
	sink   Submitter
	cache  Cache
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]version
}

type version struct {
	sum string
	ts  time.Time
}

// New creates a Sensor over vault.
func New(vault *Vault, sink Submitter, logger *slog.Logger, opts ...Option) *Sensor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Sensor{vault: vault, sink: sink, logger: logger, seen: make(map[string]version)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RID returns the record identifier for a vault-relative path.
func RID(path string) rid.RID { return rid.New(rid.VaultNote, path) }

// Backfill submits every file whose content changed since the last pass.
// It returns the number of files submitted.
func (s *Sensor) Backfill() (int, error) {
	files, err := s.vault.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if !s.changed(f.Path, f.Checksum) {
			continue
		}
		submitted, err := s.emit(f.Path)
		if err != nil {
			s.logger.Warn("sensor: emit failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		if submitted {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("sensor: backfill submitted", slog.Int("files", n))
	}
	return n, nil
}

func (s *Sensor) changed(path, sum string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[path].sum != sum
}

// emit parses the file at path and submits it as a local bundle. It
// reports false when the contents were already emitted or cached.
func (s *Sensor) emit(path string) (bool, error) {
	data, mod, err := s.vault.Read(path)
	if err != nil {
		return false, err
	}
	note, err := parser.Parse(path, data)
	if err != nil {
		return false, fmt.Errorf("sensor: parse %s: %w", path, err)
	}
	sum := checksum.Sum(data)

	s.mu.Lock()
	prev, known := s.seen[path]
	s.mu.Unlock()
	if prev.sum == sum {
		return false, nil
	}

	var cachedHash string
	if !known {
		prev.ts, cachedHash = s.cached(path)
	}

	// A restored file can carry an older mtime than the version already
	// accepted; the record timestamp must still move forward.
	ts := mod
	if !ts.After(prev.ts) {
		ts = time.Now()
		if !ts.After(prev.ts) {
			ts = prev.ts.Add(time.Millisecond)
		}
	}
	b, err := models.GenerateBundle(RID(path), note.Contents(), ts)
	if err != nil {
		return false, err
	}
	if cachedHash == b.Manifest.SHA256Hash {
		s.mu.Lock()
		s.seen[path] = version{sum: sum, ts: prev.ts}
		s.mu.Unlock()
		s.logger.Debug("sensor: already cached", slog.String("path", path))
		return false, nil
	}
	if !s.sink.Submit(processor.FromBundle(b, models.SourceLocal)) {
		return false, fmt.Errorf("sensor: processor stopped")
	}

	s.mu.Lock()
	s.seen[path] = version{sum: sum, ts: ts}
	s.mu.Unlock()
	s.logger.Debug("sensor: submitted", slog.String("path", path))
	return true, nil
}

// cached returns the timestamp and content hash of the accepted version of
// path, or zero values when nothing is cached.
func (s *Sensor) cached(path string) (time.Time, string) {
	if s.cache == nil {
		return time.Time{}, ""
	}
	b, err := s.cache.Read(RID(path))
	if err != nil {
		return time.Time{}, ""
	}
	return b.Manifest.Timestamp, b.Manifest.SHA256Hash
}
