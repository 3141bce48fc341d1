// Package server exposes the viewer page, the polling status API, and the
// output staging files over HTTP.
package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"omr-viewer/internal/diagnostics"
	"omr-viewer/internal/domain"
	"omr-viewer/internal/jobs"
)

// statusReader is the read side of the status store.
type statusReader interface {
	Snapshot() domain.StatusSnapshot
}

// eventReader returns job events newer than a sequence number.
type eventReader interface {
	Since(seq int64) []jobs.Event
}

// diagnosticsService reports and repairs the runtime environment.
type diagnosticsService interface {
	Diagnostics() domain.DiagnosticReport
	FixDiagnostic(itemID string) (domain.DiagnosticReport, error)
}

// Options configures a Server.
type Options struct {
	Status      statusReader
	Events      eventReader
	Diagnostics diagnosticsService
	// OutputDir is the output staging directory files are served from.
	OutputDir string
	// Assets holds index.html at its root.
	Assets fs.FS
	Logger *slog.Logger
}

// Server is the read-only HTTP surface over the processing state.
type Server struct {
	echo   *echo.Echo
	opts   Options
	output fs.FS
	logger *slog.Logger
}

// New builds the router. Requests are not access-logged.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		opts:   opts,
		output: os.DirFS(opts.OutputDir),
		logger: logger,
	}

	e.GET("/", s.index)
	e.GET("/status", s.status)
	e.GET("/temp_output/:name", s.outputFile)
	e.GET("/events", s.events)
	e.GET("/diagnostics", s.diagnostics)
	e.POST("/diagnostics/:id/fix", s.fixDiagnostic)

	return s
}

// Handler returns the router for use with httptest or a custom http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("serving OMR viewer", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) index(c echo.Context) error {
	if s.opts.Assets == nil {
		return echo.ErrNotFound
	}
	return echo.StaticFileHandler("index.html", s.opts.Assets)(c)
}

func (s *Server) status(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, s.opts.Status.Snapshot())
}

// outputFile serves one file from output staging. The file may vanish when
// the next job clears the directory, which is a plain 404.
func (s *Server) outputFile(c echo.Context) error {
	name := c.Param("name")
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || !fs.ValidPath(name) {
		return echo.ErrNotFound
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return echo.StaticFileHandler(name, s.output)(c)
}

func (s *Server) events(c echo.Context) error {
	var since int64
	if raw := c.QueryParam("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an integer")
		}
		since = n
	}

	events := []jobs.Event{}
	if s.opts.Events != nil {
		if got := s.opts.Events.Since(since); got != nil {
			events = got
		}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) diagnostics(c echo.Context) error {
	if s.opts.Diagnostics == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.opts.Diagnostics.Diagnostics())
}

func (s *Server) fixDiagnostic(c echo.Context) error {
	if s.opts.Diagnostics == nil {
		return echo.ErrNotFound
	}

	id := c.Param("id")
	report, err := s.opts.Diagnostics.FixDiagnostic(id)
	if err != nil {
		if errors.Is(err, diagnostics.ErrNotFixable) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("fix diagnostic", "item", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
