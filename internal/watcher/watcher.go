// Package watcher polls the source directory and feeds new answer-sheet
// images to the processor one at a time.
package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"omr-viewer/internal/config"
	"omr-viewer/internal/domain"
	"omr-viewer/internal/fsx"
)

// fileProcessor runs one image to completion.
type fileProcessor interface {
	Process(ctx context.Context, file domain.WatchedFile) domain.JobResult
}

// Watcher dispatches each qualifying path at most once per process lifetime.
// It is not safe for concurrent use; run exactly one.
type Watcher struct {
	settings  domain.Settings
	interval  time.Duration
	processor fileProcessor
	logger    *slog.Logger
	seen      map[string]struct{}
	readDir   func(name string) ([]os.DirEntry, error)
	move      func(src, dst string) error
}

// New builds a watcher for settings.SourceDir.
func New(settings domain.Settings, processor fileProcessor, logger *slog.Logger) (*Watcher, error) {
	interval, err := config.PollInterval(settings)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		settings:  settings,
		interval:  interval,
		processor: processor,
		logger:    logger,
		seen:      make(map[string]struct{}),
		readDir:   os.ReadDir,
		move:      fsx.Move,
	}, nil
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick; Run itself only returns on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching for new OMR images", "dir", w.settings.SourceDir, "interval", w.interval)

	for {
		if err := w.Poll(ctx); err != nil {
			w.logger.Error("poll source dir", "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped", "dispatched", w.SeenCount())
			return nil
		case <-time.After(w.interval):
		}
	}
}

// Poll runs one scan: relocate answer keys, then process unseen images.
func (w *Watcher) Poll(ctx context.Context) error {
	w.moveAnswerKeys()

	files, err := w.pendingImages()
	if err != nil {
		return err
	}

	for _, file := range files {
		if ctx.Err() != nil {
			return nil
		}
		if _, ok := w.seen[file.Path]; ok {
			continue
		}
		w.processor.Process(ctx, file)
		w.seen[file.Path] = struct{}{}
	}
	return nil
}

// SeenCount returns how many distinct paths have been dispatched.
func (w *Watcher) SeenCount() int {
	return len(w.seen)
}

// moveAnswerKeys relocates every answer key to the fixed destination.
// Failures are logged only; the last key moved wins.
func (w *Watcher) moveAnswerKeys() {
	entries, err := w.readDir(w.settings.SourceDir)
	if err != nil {
		w.logger.Debug("list answer keys", "error", err)
		return
	}

	dest := w.settings.AnswerKeyDest()
	for _, key := range w.answerKeys(entries) {
		if err := w.move(key.Path, dest); err != nil {
			w.logger.Warn("move answer key", "path", key.Path, "error", err)
			continue
		}
		w.logger.Info("moved answer key", "path", key.Path, "dest", dest)
	}
}

func (w *Watcher) answerKeys(entries []os.DirEntry) []domain.AnswerKeyFile {
	keys := lo.Filter(entries, func(entry os.DirEntry, _ int) bool {
		name := entry.Name()
		return !entry.IsDir() &&
			strings.HasPrefix(name, w.settings.AnswerKeyPrefix) &&
			strings.HasSuffix(name, w.settings.AnswerKeyExt)
	})
	return lo.Map(keys, func(entry os.DirEntry, _ int) domain.AnswerKeyFile {
		return domain.AnswerKeyFile{Path: filepath.Join(w.settings.SourceDir, entry.Name())}
	})
}

// pendingImages lists qualifying images in the source dir, keyed by
// absolute path.
func (w *Watcher) pendingImages() ([]domain.WatchedFile, error) {
	entries, err := w.readDir(w.settings.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", w.settings.SourceDir, err)
	}

	images := lo.Filter(entries, func(entry os.DirEntry, _ int) bool {
		name := entry.Name()
		return !entry.IsDir() &&
			strings.HasPrefix(name, w.settings.ImagePrefix) &&
			domain.HasExtension(name, w.settings.ImageExtensions)
	})
	return lo.Map(images, func(entry os.DirEntry, _ int) domain.WatchedFile {
		return domain.WatchedFile{
			Path: absPath(filepath.Join(w.settings.SourceDir, entry.Name())),
			Name: entry.Name(),
		}
	}), nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// NewForTests builds a watcher with injectable filesystem functions.
func NewForTests(
	settings domain.Settings,
	interval time.Duration,
	processor fileProcessor,
	readDir func(name string) ([]os.DirEntry, error),
	move func(src, dst string) error,
) *Watcher {
	return &Watcher{
		settings:  settings,
		interval:  interval,
		processor: processor,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		seen:      make(map[string]struct{}),
		readDir:   readDir,
		move:      move,
	}
}
