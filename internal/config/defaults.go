package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"omr-viewer/internal/domain"
)

// DefaultSettings returns the configuration used when no settings file exists.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		SourceDir:           "/sdcard/Download",
		WorkDir:             ".",
		InputDir:            "temp_input",
		OutputDir:           "temp_output",
		ErrorDir:            "error",
		AnswerKeyPrefix:     "answer_key",
		AnswerKeyExt:        ".txt",
		AnswerKeyPath:       "answer_key.txt",
		ImagePrefix:         "OMR_",
		ImageExtensions:     []string{".jpg", ".jpeg", ".png"},
		RecognizerCommand:   "python3",
		RecognizerArgs:      []string{"autoapp.py"},
		FailureMarker:       "fail",
		FailOnExitCode:      true,
		ErrorFallbackPolicy: domain.ErrorFallbackAlways,
		PollInterval:        "1s",
		ListenAddr:          "0.0.0.0:5000",
	}
}

// Normalize trims user input and fills blank fields from DefaultSettings.
func Normalize(settings domain.Settings) domain.Settings {
	def := DefaultSettings()

	settings.SourceDir = orDefault(settings.SourceDir, def.SourceDir)
	settings.WorkDir = orDefault(settings.WorkDir, def.WorkDir)
	settings.InputDir = orDefault(settings.InputDir, def.InputDir)
	settings.OutputDir = orDefault(settings.OutputDir, def.OutputDir)
	settings.ErrorDir = orDefault(settings.ErrorDir, def.ErrorDir)
	settings.AnswerKeyPrefix = orDefault(settings.AnswerKeyPrefix, def.AnswerKeyPrefix)
	settings.AnswerKeyExt = orDefault(settings.AnswerKeyExt, def.AnswerKeyExt)
	settings.AnswerKeyPath = orDefault(settings.AnswerKeyPath, def.AnswerKeyPath)
	settings.ImagePrefix = orDefault(settings.ImagePrefix, def.ImagePrefix)
	settings.RecognizerCommand = orDefault(settings.RecognizerCommand, def.RecognizerCommand)
	settings.FailureMarker = orDefault(settings.FailureMarker, def.FailureMarker)
	settings.PollInterval = orDefault(settings.PollInterval, def.PollInterval)
	settings.RecognizerTimeout = strings.TrimSpace(settings.RecognizerTimeout)
	settings.ListenAddr = orDefault(settings.ListenAddr, def.ListenAddr)

	policy := domain.ErrorFallbackPolicy(strings.TrimSpace(string(settings.ErrorFallbackPolicy)))
	if policy == "" {
		policy = def.ErrorFallbackPolicy
	}
	settings.ErrorFallbackPolicy = policy

	exts := make([]string, 0, len(settings.ImageExtensions))
	for _, ext := range settings.ImageExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = def.ImageExtensions
	}
	settings.ImageExtensions = exts

	return settings
}

// Validate rejects settings the watcher cannot run with.
func Validate(settings domain.Settings) error {
	var errs []error

	if _, err := PollInterval(settings); err != nil {
		errs = append(errs, err)
	}
	if _, err := RecognizerTimeout(settings); err != nil {
		errs = append(errs, err)
	}
	switch settings.ErrorFallbackPolicy {
	case domain.ErrorFallbackAlways, domain.ErrorFallbackMissingOutput:
	default:
		errs = append(errs, fmt.Errorf("unknown errorFallbackPolicy %q", settings.ErrorFallbackPolicy))
	}
	if strings.TrimSpace(settings.RecognizerCommand) == "" {
		errs = append(errs, errors.New("recognizerCommand is required"))
	}

	return errors.Join(errs...)
}

// PollInterval parses the watcher sleep between directory scans.
func PollInterval(settings domain.Settings) (time.Duration, error) {
	d, err := time.ParseDuration(settings.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("parse pollInterval %q: %w", settings.PollInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("pollInterval must be positive, got %s", d)
	}
	return d, nil
}

// RecognizerTimeout parses the optional recognizer deadline; zero means none.
func RecognizerTimeout(settings domain.Settings) (time.Duration, error) {
	if settings.RecognizerTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(settings.RecognizerTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse recognizerTimeout %q: %w", settings.RecognizerTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("recognizerTimeout must not be negative, got %s", d)
	}
	return d, nil
}

func orDefault(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
