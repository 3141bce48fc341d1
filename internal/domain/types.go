package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// ErrorFallbackPolicy controls when a failed job is replaced by an error image.
type ErrorFallbackPolicy string

const (
	// ErrorFallbackAlways applies the latest error image to every failed job,
	// even when the recognizer produced an output image.
	ErrorFallbackAlways ErrorFallbackPolicy = "always"
	// ErrorFallbackMissingOutput only substitutes an error image when the
	// recognizer left no output behind.
	ErrorFallbackMissingOutput ErrorFallbackPolicy = "missing-output"
)

// ResultSource records where a job's published output came from.
type ResultSource string

const (
	ResultSourceOutput     ResultSource = "output"
	ResultSourceFallback   ResultSource = "fallback"
	ResultSourceErrorImage ResultSource = "error-image"
	ResultSourceNone       ResultSource = "none"
)

// Settings contains runtime configuration for the watcher and viewer.
type Settings struct {
	SourceDir           string              `json:"sourceDir"`
	WorkDir             string              `json:"workDir"`
	InputDir            string              `json:"inputDir"`
	OutputDir           string              `json:"outputDir"`
	ErrorDir            string              `json:"errorDir"`
	AnswerKeyPrefix     string              `json:"answerKeyPrefix"`
	AnswerKeyExt        string              `json:"answerKeyExt"`
	AnswerKeyPath       string              `json:"answerKeyPath"`
	ImagePrefix         string              `json:"imagePrefix"`
	ImageExtensions     []string            `json:"imageExtensions"`
	RecognizerCommand   string              `json:"recognizerCommand"`
	RecognizerArgs      []string            `json:"recognizerArgs"`
	FailureMarker       string              `json:"failureMarker"`
	FailOnExitCode      bool                `json:"failOnExitCode"`
	ErrorFallbackPolicy ErrorFallbackPolicy `json:"errorFallbackPolicy"`
	PollInterval        string              `json:"pollInterval"`
	RecognizerTimeout   string              `json:"recognizerTimeout,omitempty"`
	ListenAddr          string              `json:"listenAddr"`
}

// InputStagingDir is the directory the recognizer reads its single image from.
func (s Settings) InputStagingDir() string {
	return s.underWorkDir(s.InputDir)
}

// OutputStagingDir is the directory the recognizer writes results into.
func (s Settings) OutputStagingDir() string {
	return s.underWorkDir(s.OutputDir)
}

// ErrorImageDir is where the recognizer deposits diagnostic images.
func (s Settings) ErrorImageDir() string {
	return s.underWorkDir(s.ErrorDir)
}

// AnswerKeyDest is the fixed path answer keys are moved to.
func (s Settings) AnswerKeyDest() string {
	return s.underWorkDir(s.AnswerKeyPath)
}

func (s Settings) underWorkDir(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.WorkDir, path)
}

// HasExtension reports whether name ends with one of exts, ignoring case.
// exts are expected lower-cased with a leading dot.
func HasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, want := range exts {
		if ext == want {
			return true
		}
	}
	return false
}

// WatchedFile is a candidate image observed in the source directory.
type WatchedFile struct {
	Path string
	Name string
}

// AnswerKeyFile is an answer key waiting in the source directory.
type AnswerKeyFile struct {
	Path string
}

// ErrorImage is a diagnostic image left behind by the recognizer.
type ErrorImage struct {
	Path    string
	ModTime time.Time
}

// JobResult describes one finished processing job.
type JobResult struct {
	JobID          string       `json:"jobId"`
	InputFilename  string       `json:"inputFilename"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
	Stdout         string       `json:"stdout"`
	Stderr         string       `json:"stderr"`
	ExitCode       int          `json:"exitCode"`
	Failed         bool         `json:"failed"`
	OutputFilename string       `json:"outputFilename"`
	Source         ResultSource `json:"source"`
}

// StatusSnapshot is the process-wide view served to polling clients.
//
// While Processing is true, ActiveFilename names the file in flight and
// LastOutputFilename still refers to the previous job. Once Processing is
// false, ActiveFilename is empty and LastOutputFilename belongs to the job
// that just completed. An empty LastOutputFilename means nothing to show.
type StatusSnapshot struct {
	Processing         bool   `json:"processing"`
	ActiveFilename     string `json:"activeFilename"`
	LastOutputFilename string `json:"outputFilename"`
}
