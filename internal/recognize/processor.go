package recognize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"omr-viewer/internal/config"
	"omr-viewer/internal/domain"
	"omr-viewer/internal/fsx"
	"omr-viewer/internal/jobs"
)

// Processor runs one staged image through the external recognizer and
// publishes the displayable result. Only one Process call may run at a time.
type Processor struct {
	settings domain.Settings
	timeout  time.Duration
	status   *jobs.StatusStore
	events   *jobs.EventBus
	logger   *slog.Logger
	runner   commandRunner
	newJobID func() string
	now      func() time.Time
	resetDir func(dir string) error
	move     func(src, dst string) error
	copyFile func(src, dst string) error
	readDir  func(name string) ([]os.DirEntry, error)
}

// NewProcessor constructs the production processor with OS dependencies.
func NewProcessor(settings domain.Settings, status *jobs.StatusStore, events *jobs.EventBus, logger *slog.Logger) (*Processor, error) {
	timeout, err := config.RecognizerTimeout(settings)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		settings: settings,
		timeout:  timeout,
		status:   status,
		events:   events,
		logger:   logger,
		runner:   &execRunner{},
		newJobID: uuid.NewString,
		now:      time.Now,
		resetDir: fsx.ResetDir,
		move:     fsx.Move,
		copyFile: fsx.CopyFile,
		readDir:  os.ReadDir,
	}, nil
}

// Process stages file, runs the recognizer, and publishes the outcome.
// It never fails: every problem degrades to a fallback or empty result.
func (p *Processor) Process(ctx context.Context, file domain.WatchedFile) domain.JobResult {
	result := domain.JobResult{
		JobID:         p.newJobID(),
		InputFilename: file.Name,
		StartedAt:     p.now(),
		Source:        domain.ResultSourceNone,
	}
	log := p.logger.With("job_id", result.JobID, "file", file.Name)

	if err := p.status.Begin(file.Name); err != nil {
		log.Error("job rejected", "error", err)
		result.Failed = true
		result.FinishedAt = p.now()
		return result
	}
	p.publish(jobs.Event{
		JobID:    result.JobID,
		Type:     jobs.EventTypeStatus,
		Filename: file.Name,
		Message:  "Processing started",
	})

	if err := p.stage(file); err != nil {
		log.Error("stage input", "error", err)
		result.Failed = true
		p.publish(jobs.Event{
			JobID:    result.JobID,
			Type:     jobs.EventTypeError,
			Filename: file.Name,
			Message:  err.Error(),
		})
		return p.finish(log, result)
	}
	log.Info("moved image to input folder", "dir", p.settings.InputStagingDir())

	cmdLog, runErr := p.runRecognizer(ctx)
	result.Stdout = cmdLog.Stdout
	result.Stderr = cmdLog.Stderr
	result.ExitCode = cmdLog.ExitCode
	result.Failed = p.classify(cmdLog, runErr)

	if cmdLog.Stdout != "" {
		log.Info("recognizer output", "stdout", cmdLog.Stdout)
	}
	if cmdLog.Stderr != "" {
		log.Warn("recognizer error output", "stderr", cmdLog.Stderr)
	}
	if runErr != nil {
		log.Warn("recognizer exited with error", "exit_code", cmdLog.ExitCode, "error", runErr)
	}
	p.publish(jobs.Event{
		JobID:    result.JobID,
		Type:     jobs.EventTypeLog,
		Filename: file.Name,
		Message:  "Recognizer completed",
		Command:  cmdLog.Command,
		Args:     cmdLog.Args,
		ExitCode: cmdLog.ExitCode,
		Stdout:   cmdLog.Stdout,
		Stderr:   cmdLog.Stderr,
		Failed:   result.Failed,
	})

	p.resolve(log, &result)
	return p.finish(log, result)
}

// stage clears both staging dirs and moves the source image in.
func (p *Processor) stage(file domain.WatchedFile) error {
	inputDir := p.settings.InputStagingDir()
	outputDir := p.settings.OutputStagingDir()

	if err := p.resetDir(inputDir); err != nil {
		return fmt.Errorf("reset input dir %s: %w", inputDir, err)
	}
	if err := p.resetDir(outputDir); err != nil {
		return fmt.Errorf("reset output dir %s: %w", outputDir, err)
	}

	dst := filepath.Join(inputDir, file.Name)
	if err := p.move(file.Path, dst); err != nil {
		return fmt.Errorf("move %s to input dir: %w", file.Path, err)
	}
	return nil
}

// runRecognizer invokes the recognizer in the work dir and blocks until exit.
func (p *Processor) runRecognizer(ctx context.Context) (CommandLog, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append([]string(nil), p.settings.RecognizerArgs...)
	res, err := p.runner.Run(ctx, p.settings.WorkDir, p.settings.RecognizerCommand, args...)
	return CommandLog{
		Command:  p.settings.RecognizerCommand,
		Args:     args,
		Dir:      p.settings.WorkDir,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, err
}

// classify decides whether the job is in error state. Any stderr output or
// the failure marker in either stream counts, matching what the recognizer
// scripts print; the exit code is checked on top of that.
func (p *Processor) classify(cmd CommandLog, runErr error) bool {
	if cmd.Stderr != "" {
		return true
	}
	if marker := p.settings.FailureMarker; marker != "" {
		if strings.Contains(cmd.Stdout, marker) || strings.Contains(cmd.Stderr, marker) {
			return true
		}
	}
	if runErr == nil {
		return false
	}
	// -1: never started, killed, or timed out
	if cmd.ExitCode < 0 {
		return true
	}
	return p.settings.FailOnExitCode
}

// resolve picks the published output. A recognizer output wins; with no
// output the latest error image is shown whether or not the job failed, so
// a silent run that drew nothing still leaves the operator something to
// look at. For failed jobs under ErrorFallbackAlways the latest error image
// replaces even a real output.
func (p *Processor) resolve(log *slog.Logger, result *domain.JobResult) {
	outputs, err := p.listOutputImages()
	if err != nil {
		log.Warn("list output dir", "error", err)
	}

	switch {
	case len(outputs) > 0:
		result.OutputFilename = outputs[len(outputs)-1]
		result.Source = domain.ResultSourceOutput
		log.Info("processed output", "output", result.OutputFilename)
	default:
		if name, ok := p.surfaceErrorImage(log); ok {
			result.OutputFilename = name
			result.Source = domain.ResultSourceFallback
		} else {
			result.OutputFilename = ""
			result.Source = domain.ResultSourceNone
		}
	}

	if !result.Failed || p.settings.ErrorFallbackPolicy != domain.ErrorFallbackAlways {
		return
	}
	// A failed run can still leave an image in output staging; the error
	// image is the one that shows the operator why the sheet was rejected.
	if name, ok := p.surfaceErrorImage(log); ok {
		result.OutputFilename = name
		result.Source = domain.ResultSourceErrorImage
		return
	}
	result.OutputFilename = ""
	result.Source = domain.ResultSourceNone
}

// surfaceErrorImage copies the latest error image into the output dir and
// returns its basename.
func (p *Processor) surfaceErrorImage(log *slog.Logger) (string, bool) {
	img, ok, err := LatestErrorImage(p.settings.ErrorImageDir(), p.settings.ImageExtensions)
	if err != nil {
		log.Warn("read error dir", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}

	name := filepath.Base(img.Path)
	if err := p.copyFile(img.Path, filepath.Join(p.settings.OutputStagingDir(), name)); err != nil {
		log.Warn("copy error image", "image", img.Path, "error", err)
		return "", false
	}
	log.Info("displayed error image", "output", name)
	return name, true
}

// listOutputImages returns qualifying names in output staging, in listing order.
func (p *Processor) listOutputImages() ([]string, error) {
	entries, err := p.readDir(p.settings.OutputStagingDir())
	if err != nil {
		return nil, err
	}

	files := lo.Filter(entries, func(entry os.DirEntry, _ int) bool {
		return !entry.IsDir() && domain.HasExtension(entry.Name(), p.settings.ImageExtensions)
	})
	return lo.Map(files, func(entry os.DirEntry, _ int) string {
		return entry.Name()
	}), nil
}

// finish publishes the result and returns the store to idle.
func (p *Processor) finish(log *slog.Logger, result domain.JobResult) domain.JobResult {
	result.FinishedAt = p.now()
	if err := p.status.Finish(result.OutputFilename); err != nil {
		log.Error("publish status", "error", err)
	}

	p.publish(jobs.Event{
		JobID:          result.JobID,
		Type:           jobs.EventTypeResult,
		Filename:       result.InputFilename,
		Message:        "Processing finished",
		Failed:         result.Failed,
		OutputFilename: result.OutputFilename,
		Source:         result.Source,
	})
	log.Info("job finished",
		"output", result.OutputFilename,
		"source", result.Source,
		"failed", result.Failed,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result
}

func (p *Processor) publish(event jobs.Event) {
	if p.events != nil {
		p.events.Publish(event)
	}
}

// NewProcessorForTests constructs a processor with injectable dependencies.
func NewProcessorForTests(
	settings domain.Settings,
	status *jobs.StatusStore,
	events *jobs.EventBus,
	runner commandRunner,
	move func(src, dst string) error,
) *Processor {
	timeout, _ := config.RecognizerTimeout(settings)
	return &Processor{
		settings: settings,
		timeout:  timeout,
		status:   status,
		events:   events,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		runner:   runner,
		newJobID: uuid.NewString,
		now:      time.Now,
		resetDir: fsx.ResetDir,
		move:     move,
		copyFile: fsx.CopyFile,
		readDir:  os.ReadDir,
	}
}
