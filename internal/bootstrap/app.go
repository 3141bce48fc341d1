package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"omr-viewer/internal/config"
	"omr-viewer/internal/diagnostics"
	"omr-viewer/internal/domain"
	"omr-viewer/internal/jobs"
	"omr-viewer/internal/recognize"
	"omr-viewer/internal/server"
	"omr-viewer/internal/watcher"
)

const (
	eventHistory  = 1000
	shutdownGrace = 5 * time.Second
)

// App wires configuration, the watcher, the processor, and the HTTP surface.
type App struct {
	Settings  domain.Settings
	Store     config.Store
	Status    *jobs.StatusStore
	Events    *jobs.EventBus
	Processor *recognize.Processor
	Watcher   watchLoop
	Server    httpServer

	logger  *slog.Logger
	checker *diagnostics.Checker

	mu     sync.Mutex
	report domain.DiagnosticReport
}

// watchLoop isolates the polling loop behind an interface.
type watchLoop interface {
	Run(ctx context.Context) error
}

// httpServer isolates the status service lifecycle behind an interface.
type httpServer interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

// New builds the application from configPath, serving the viewer page from
// ./frontend.
func New(configPath string) (*App, error) {
	return NewWithAssets(nil, configPath)
}

// NewWithAssets builds the application and optionally serves the viewer page
// from embedded assets rooted at frontend/.
func NewWithAssets(assets fs.FS, configPath string) (*App, error) {
	logger := slog.Default()

	store := config.NewJSONStore(configPath)
	settings, err := loadOrInit(store, logger)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(settings); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", store.Path(), err)
	}

	pageFS, err := frontendFS(assets)
	if err != nil {
		return nil, err
	}

	status := jobs.NewStatusStore()
	events := jobs.NewEventBus(eventHistory)

	processor, err := recognize.NewProcessor(settings, status, events, logger)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}
	w, err := watcher.New(settings, processor, logger)
	if err != nil {
		return nil, fmt.Errorf("build watcher: %w", err)
	}

	app := &App{
		Settings:  settings,
		Store:     store,
		Status:    status,
		Events:    events,
		Processor: processor,
		Watcher:   w,
		logger:    logger,
		checker:   diagnostics.NewChecker(),
	}
	app.Server = server.New(server.Options{
		Status:      status,
		Events:      events,
		Diagnostics: app,
		OutputDir:   settings.OutputStagingDir(),
		Assets:      pageFS,
		Logger:      logger,
	})

	app.refreshDiagnostics()
	return app, nil
}

// Run serves HTTP and watches the source directory until ctx is cancelled
// or either side fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Watcher.Run(gctx)
	})
	g.Go(func() error {
		if err := a.Server.Start(a.Settings.ListenAddr); err != nil {
			return fmt.Errorf("serve %s: %w", a.Settings.ListenAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if a.Status != nil && a.Status.IsProcessing() {
			a.logger.Info("shutting down after current job", "file", a.Status.Snapshot().ActiveFilename)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Diagnostics returns the latest cached diagnostics report.
func (a *App) Diagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report
}

// FixDiagnostic applies the remedy for one item and reruns all checks.
func (a *App) FixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, fmt.Errorf("diagnostic item id is required")
	}

	if err := a.checker.Fix(id, a.Settings); err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("fix %s: %w", id, err)
	}
	a.logger.Info("diagnostic fixed", "item", id)
	return a.refreshDiagnostics(), nil
}

// refreshDiagnostics reruns the checks, logs each item, and caches the report.
func (a *App) refreshDiagnostics() domain.DiagnosticReport {
	report := a.checker.Run(a.Settings)
	for _, item := range report.Items {
		level := slog.LevelInfo
		switch item.Status {
		case domain.DiagnosticStatusWarn:
			level = slog.LevelWarn
		case domain.DiagnosticStatusFail:
			level = slog.LevelError
		}
		a.logger.Log(context.Background(), level, item.Message, "check", item.ID, "hint", item.Hint)
	}

	a.mu.Lock()
	a.report = report
	a.mu.Unlock()
	return report
}

// loadOrInit reads settings, writing the defaults on first run so the
// operator has a file to edit.
func loadOrInit(store *config.JSONStore, logger *slog.Logger) (domain.Settings, error) {
	_, statErr := os.Stat(store.Path())

	settings, err := store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	if errors.Is(statErr, fs.ErrNotExist) {
		if err := store.Save(settings); err != nil {
			logger.Warn("could not write default settings", "path", store.Path(), "error", err)
		} else {
			logger.Info("wrote default settings", "path", store.Path())
		}
	}
	return settings, nil
}

// frontendFS returns the directory holding index.html.
func frontendFS(assets fs.FS) (fs.FS, error) {
	if assets == nil {
		return os.DirFS("frontend"), nil
	}
	sub, err := fs.Sub(assets, "frontend")
	if err != nil {
		return nil, fmt.Errorf("open embedded frontend: %w", err)
	}
	return sub, nil
}
