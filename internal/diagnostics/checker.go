package diagnostics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"omr-viewer/internal/domain"
)

// Diagnostic item IDs.
const (
	ItemRecognizer      = "tool_recognizer"
	ItemRecognizerEntry = "recognizer_entry"
	ItemSourceDir       = "source_dir"
	ItemWorkDir         = "work_dir"
	ItemErrorDir        = "error_dir"
)

// ErrNotFixable is returned by Fix for items without an automatic remedy.
var ErrNotFixable = errors.New("diagnostic item has no automatic fix")

// Checker validates the recognizer and the directories the watcher uses.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkRecognizer(settings.RecognizerCommand),
		c.checkRecognizerEntry(settings),
		c.checkSourceDir(settings.SourceDir),
		c.checkWorkDir(settings),
		c.checkErrorDir(settings.ErrorImageDir()),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// Fix applies the remedy for one item. Only missing directories can be fixed.
func (c *Checker) Fix(itemID string, settings domain.Settings) error {
	var dirs []string
	switch itemID {
	case ItemSourceDir:
		dirs = []string{settings.SourceDir}
	case ItemWorkDir:
		dirs = []string{settings.InputStagingDir(), settings.OutputStagingDir()}
	case ItemErrorDir:
		dirs = []string{settings.ErrorImageDir()}
	default:
		return fmt.Errorf("%s: %w", itemID, ErrNotFixable)
	}

	for _, dir := range dirs {
		if err := c.mkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// checkRecognizer verifies the recognizer executable resolves.
func (c *Checker) checkRecognizer(command string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemRecognizer,
		Name: "Recognizer command",
	}

	path, err := c.lookPath(command)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Recognizer not found: %s", command)
		item.Hint = "Install it or set recognizerCommand to an absolute path."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkRecognizerEntry looks for a script argument such as autoapp.py in the
// work dir, since the recognizer is started there.
func (c *Checker) checkRecognizerEntry(settings domain.Settings) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:     ItemRecognizerEntry,
		Name:   "Recognizer entry point",
		Status: domain.DiagnosticStatusPass,
	}

	if len(settings.RecognizerArgs) == 0 || strings.HasPrefix(settings.RecognizerArgs[0], "-") {
		item.Message = "No script argument configured."
		return item
	}

	entry := settings.RecognizerArgs[0]
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(settings.WorkDir, entry)
	}
	if _, err := c.stat(entry); err != nil {
		item.Status = domain.DiagnosticStatusWarn
		item.Message = fmt.Sprintf("Recognizer argument is not a file in the work dir: %s", entry)
		item.Hint = "Ignore this if the argument is not a path."
		return item
	}

	item.Message = fmt.Sprintf("Found %s", entry)
	return item
}

// checkSourceDir validates the watched directory exists.
func (c *Checker) checkSourceDir(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemSourceDir,
		Name: "Source directory",
	}

	info, err := c.stat(dir)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Fixable = IsNotExist(err)
		if item.Fixable {
			item.Message = fmt.Sprintf("Source directory does not exist: %s", dir)
		} else {
			item.Message = fmt.Sprintf("Cannot access source directory: %s", dir)
		}
		item.Hint = "Create the directory or point sourceDir at the scanner's download folder."
		return item
	}
	if !info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Source path is not a directory: %s", dir)
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Watching %s", dir)
	return item
}

// checkWorkDir validates staging directories can be created and written.
func (c *Checker) checkWorkDir(settings domain.Settings) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemWorkDir,
		Name: "Staging directories",
	}

	for _, dir := range []string{settings.InputStagingDir(), settings.OutputStagingDir()} {
		if err := c.mkdirAll(dir, 0o755); err != nil {
			item.Status = domain.DiagnosticStatusFail
			item.Message = fmt.Sprintf("Cannot create staging directory: %s", dir)
			item.Hint = "Choose a writable workDir or adjust filesystem permissions."
			return item
		}
	}

	outputDir := settings.OutputStagingDir()
	tmpFile, err := c.createTemp(outputDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Staging directory is not writable: %s", outputDir)
		item.Hint = "Choose a writable workDir."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable staging under %s", settings.WorkDir)
	return item
}

// checkErrorDir reports whether the error image directory exists yet.
func (c *Checker) checkErrorDir(dir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   ItemErrorDir,
		Name: "Error image directory",
	}

	info, err := c.stat(dir)
	switch {
	case err != nil:
		item.Status = domain.DiagnosticStatusWarn
		item.Fixable = IsNotExist(err)
		item.Message = fmt.Sprintf("Error directory not found: %s", dir)
		item.Hint = "Failed jobs will show no image until the recognizer writes one here."
	case !info.IsDir():
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Error path is not a directory: %s", dir)
	default:
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Reading fallback images from %s", dir)
	}
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}

// IsNotExist reports whether error represents file-not-found.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
