package sensor

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch follows file-system events under the vault root until ctx is
// cancelled, emitting a record for every created or written .md file.
// Directories created at runtime are added to the watch list. Removals
// are logged only: records are never deleted by the node.
func (s *Sensor) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := s.vault.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	s.logger.Info("sensor: watching", slog.String("root", root))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sensor: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handle(w, ev)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("sensor: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func (s *Sensor) handle(w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addDirsRecursive(w, ev.Name); err != nil {
				s.logger.Warn("sensor: add new dir failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
				return
			}
			s.emitDir(ev.Name)
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".md") {
		return
	}
	rel, err := s.vault.Rel(ev.Name)
	if err != nil {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, err := s.emit(rel); err != nil {
			s.logger.Warn("sensor: emit failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.logger.Debug("sensor: file gone, record kept", slog.String("path", rel))
	}
}

// emitDir emits every .md file already present in a newly created directory.
func (s *Sensor) emitDir(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".md") {
			return nil
		}
		rel, relErr := s.vault.Rel(p)
		if relErr != nil {
			return nil
		}
		if _, emitErr := s.emit(rel); emitErr != nil {
			s.logger.Warn("sensor: emit failed", slog.String("path", rel), slog.String("error", emitErr.Error()))
		}
		return nil
	})
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
