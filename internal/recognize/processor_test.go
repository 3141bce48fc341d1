package recognize

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"omr-viewer/internal/config"
	"omr-viewer/internal/domain"
	"omr-viewer/internal/fsx"
	"omr-viewer/internal/jobs"
)

// fakeRunner simulates recognizer execution.
type fakeRunner struct {
	calls int
	run   func(ctx context.Context, dir, name string, args ...string) (commandResult, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
	f.calls++
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, dir, name, args...)
}

// testEnv bundles a work dir layout with a processor under test.
type testEnv struct {
	root      string
	sourceDir string
	settings  domain.Settings
	status    *jobs.StatusStore
	events    *jobs.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	settings := config.DefaultSettings()
	settings.WorkDir = filepath.Join(root, "work")
	settings.SourceDir = filepath.Join(root, "download")
	mustMkdir(t, settings.WorkDir)
	mustMkdir(t, settings.SourceDir)

	return &testEnv{
		root:      root,
		sourceDir: settings.SourceDir,
		settings:  settings,
		status:    jobs.NewStatusStore(),
		events:    jobs.NewEventBus(100),
	}
}

func (e *testEnv) processor(runner commandRunner) *Processor {
	return NewProcessorForTests(e.settings, e.status, e.events, runner, fsx.Move)
}

func (e *testEnv) dropImage(t *testing.T, name string) domain.WatchedFile {
	t.Helper()
	path := filepath.Join(e.sourceDir, name)
	mustWriteFile(t, path, "scan")
	return domain.WatchedFile{Path: path, Name: name}
}

func (e *testEnv) addErrorImage(t *testing.T, name string, modTime time.Time) {
	t.Helper()
	path := filepath.Join(e.settings.ErrorImageDir(), name)
	mustWriteFile(t, path, "error:"+name)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// TestProcessSuccessPublishesOutput checks the clean recognizer path.
func TestProcessSuccessPublishesOutput(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_001.jpg")

	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			if dir != env.settings.WorkDir {
				t.Fatalf("dir = %q, want %q", dir, env.settings.WorkDir)
			}
			if name != "python3" || len(args) != 1 || args[0] != "autoapp.py" {
				t.Fatalf("command = %s %v", name, args)
			}
			staged := filepath.Join(env.settings.InputStagingDir(), "OMR_001.jpg")
			if _, err := os.Stat(staged); err != nil {
				t.Fatalf("image not staged: %v", err)
			}
			mustWriteFile(t, filepath.Join(env.settings.OutputStagingDir(), "result_OMR_001.png"), "graded")
			return commandResult{Stdout: "score: 42"}, nil
		},
	}

	result := env.processor(runner).Process(context.Background(), file)

	if result.Failed {
		t.Fatal("expected success")
	}
	if result.OutputFilename != "result_OMR_001.png" {
		t.Fatalf("output = %q, want result_OMR_001.png", result.OutputFilename)
	}
	if result.Source != domain.ResultSourceOutput {
		t.Fatalf("source = %q, want output", result.Source)
	}
	if result.Stdout != "score: 42" {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	if _, err := os.Stat(file.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source file should be moved, stat err = %v", err)
	}

	snap := env.status.Snapshot()
	if snap.Processing || snap.LastOutputFilename != "result_OMR_001.png" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// TestProcessReportsProcessingWhileRecognizerRuns checks status during the job.
func TestProcessReportsProcessingWhileRecognizerRuns(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_002.png")

	var during domain.StatusSnapshot
	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			during = env.status.Snapshot()
			return commandResult{}, nil
		},
	}

	env.processor(runner).Process(context.Background(), file)

	if !during.Processing || during.ActiveFilename != "OMR_002.png" {
		t.Fatalf("snapshot during run = %+v", during)
	}
	if env.status.IsProcessing() {
		t.Fatal("expected idle after job")
	}
}

// TestProcessPicksLexicallyLastOutput checks ordering of multiple outputs.
func TestProcessPicksLexicallyLastOutput(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_003.jpg")

	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			out := env.settings.OutputStagingDir()
			mustWriteFile(t, filepath.Join(out, "a.png"), "a")
			mustWriteFile(t, filepath.Join(out, "c.JPG"), "c")
			mustWriteFile(t, filepath.Join(out, "z.txt"), "not an image")
			mustWriteFile(t, filepath.Join(out, "b.jpeg"), "b")
			return commandResult{}, nil
		},
	}

	result := env.processor(runner).Process(context.Background(), file)
	if result.OutputFilename != "c.JPG" {
		t.Fatalf("output = %q, want c.JPG", result.OutputFilename)
	}
}

// TestProcessStderrOverridesOutputWithLatestErrorImage checks the error
// fallback replaces even a real output under the default policy.
func TestProcessStderrOverridesOutputWithLatestErrorImage(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_004.jpg")
	base := time.Now().Add(-time.Hour)
	env.addErrorImage(t, "old.png", base)
	env.addErrorImage(t, "newest.jpg", base.Add(30*time.Minute))
	env.addErrorImage(t, "middle.png", base.Add(10*time.Minute))

	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			mustWriteFile(t, filepath.Join(env.settings.OutputStagingDir(), "result.png"), "graded")
			return commandResult{Stderr: "Traceback: warning"}, nil
		},
	}

	result := env.processor(runner).Process(context.Background(), file)

	if !result.Failed {
		t.Fatal("stderr output should mark the job failed")
	}
	if result.OutputFilename != "newest.jpg" {
		t.Fatalf("output = %q, want newest.jpg", result.OutputFilename)
	}
	if result.Source != domain.ResultSourceErrorImage {
		t.Fatalf("source = %q, want error-image", result.Source)
	}
	copied := filepath.Join(env.settings.OutputStagingDir(), "newest.jpg")
	if got := mustReadFile(t, copied); got != "error:newest.jpg" {
		t.Fatalf("copied content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(env.settings.ErrorImageDir(), "newest.jpg")); err != nil {
		t.Fatalf("error image should be copied, not moved: %v", err)
	}
	if got := env.status.Snapshot().LastOutputFilename; got != "newest.jpg" {
		t.Fatalf("published = %q, want newest.jpg", got)
	}
}

// TestProcessMissingOutputPolicyKeepsRealOutput checks the configurable policy.
func TestProcessMissingOutputPolicyKeepsRealOutput(t *testing.T) {
	env := newTestEnv(t)
	env.settings.ErrorFallbackPolicy = domain.ErrorFallbackMissingOutput
	file := env.dropImage(t, "OMR_005.jpg")
	env.addErrorImage(t, "err.png", time.Now())

	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			mustWriteFile(t, filepath.Join(env.settings.OutputStagingDir(), "result.png"), "graded")
			return commandResult{Stdout: "detection failed on row 3"}, nil
		},
	}

	result := env.processor(runner).Process(context.Background(), file)
	if !result.Failed {
		t.Fatal("failure marker should mark the job failed")
	}
	if result.OutputFilename != "result.png" {
		t.Fatalf("output = %q, want result.png", result.OutputFilename)
	}
}

// TestProcessFailureWithEmptyErrorDirPublishesEmpty checks degradation to nothing.
func TestProcessFailureWithEmptyErrorDirPublishesEmpty(t *testing.T) {
	env := newTestEnv(t)
	mustMkdir(t, env.settings.ErrorImageDir())
	file := env.dropImage(t, "OMR_006.jpg")

	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			return commandResult{Stderr: "boom", ExitCode: 1}, errors.New("exit status 1")
		},
	}

	result := env.processor(runner).Process(context.Background(), file)
	if !result.Failed {
		t.Fatal("expected failure")
	}
	if result.OutputFilename != "" || result.Source != domain.ResultSourceNone {
		t.Fatalf("result = %q/%q, want empty/none", result.OutputFilename, result.Source)
	}
	if snap := env.status.Snapshot(); snap.Processing || snap.LastOutputFilename != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// TestProcessNoOutputFallsBackToErrorImage checks fallback without failure.
func TestProcessNoOutputFallsBackToErrorImage(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_007.jpg")
	env.addErrorImage(t, "last_error.png", time.Now())

	result := env.processor(&fakeRunner{}).Process(context.Background(), file)
	if result.Failed {
		t.Fatal("silent recognizer should not be failed")
	}
	if result.OutputFilename != "last_error.png" || result.Source != domain.ResultSourceFallback {
		t.Fatalf("result = %q/%q", result.OutputFilename, result.Source)
	}
}

// TestProcessRecognizerTimeoutEndsJob checks recognizerTimeout stops a
// recognizer whose child keeps running, and the job completes as failed.
func TestProcessRecognizerTimeoutEndsJob(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	env := newTestEnv(t)
	env.settings.RecognizerCommand = "sh"
	env.settings.RecognizerArgs = []string{"-c", "sleep 4 & wait"}
	env.settings.RecognizerTimeout = "200ms"
	file := env.dropImage(t, "OMR_slow.jpg")

	start := time.Now()
	result := env.processor(&execRunner{}).Process(context.Background(), file)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Process returned after %s, want the 200ms timeout to apply", elapsed)
	}
	if !result.Failed || result.ExitCode != -1 {
		t.Fatalf("result failed=%v exit=%d, want failed with -1", result.Failed, result.ExitCode)
	}
	if env.status.Snapshot().Processing {
		t.Fatal("status should be idle after timeout")
	}
}

// TestProcessClearsStagingDirs checks leftovers from earlier runs are removed.
func TestProcessClearsStagingDirs(t *testing.T) {
	env := newTestEnv(t)
	stale := filepath.Join(env.settings.OutputStagingDir(), "stale.png")
	staleInput := filepath.Join(env.settings.InputStagingDir(), "OMR_old.jpg")
	mustWriteFile(t, stale, "old")
	mustWriteFile(t, staleInput, "old")
	file := env.dropImage(t, "OMR_008.jpg")

	var inputs []string
	runner := &fakeRunner{
		run: func(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
			entries, err := os.ReadDir(env.settings.InputStagingDir())
			if err != nil {
				t.Fatalf("read input dir: %v", err)
			}
			for _, e := range entries {
				inputs = append(inputs, e.Name())
			}
			return commandResult{}, nil
		},
	}

	result := env.processor(runner).Process(context.Background(), file)
	if len(inputs) != 1 || inputs[0] != "OMR_008.jpg" {
		t.Fatalf("input dir = %v, want only OMR_008.jpg", inputs)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale output should be removed, stat err = %v", err)
	}
	if result.OutputFilename != "" {
		t.Fatalf("output = %q, want empty", result.OutputFilename)
	}
}

// TestProcessStageFailureSkipsRecognizer checks a failed move never runs the tool.
func TestProcessStageFailureSkipsRecognizer(t *testing.T) {
	env := newTestEnv(t)
	runner := &fakeRunner{}
	p := NewProcessorForTests(env.settings, env.status, env.events, runner, func(src, dst string) error {
		return os.ErrPermission
	})

	result := p.Process(context.Background(), domain.WatchedFile{Path: "/nowhere/OMR_x.jpg", Name: "OMR_x.jpg"})
	if runner.calls != 0 {
		t.Fatalf("runner calls = %d, want 0", runner.calls)
	}
	if !result.Failed || result.OutputFilename != "" {
		t.Fatalf("result = %+v", result)
	}
	if env.status.IsProcessing() {
		t.Fatal("store should be idle after a stage failure")
	}

	var sawError bool
	for _, ev := range env.events.Since(0) {
		if ev.Type == jobs.EventTypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an error event")
	}
}

// TestProcessPublishesEventSequence checks status, log, and result events.
func TestProcessPublishesEventSequence(t *testing.T) {
	env := newTestEnv(t)
	file := env.dropImage(t, "OMR_009.jpg")

	result := env.processor(&fakeRunner{}).Process(context.Background(), file)

	events := env.events.Since(0)
	want := []jobs.EventType{jobs.EventTypeStatus, jobs.EventTypeLog, jobs.EventTypeResult}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d type = %s, want %s", i, ev.Type, want[i])
		}
		if ev.JobID != result.JobID {
			t.Fatalf("event %d job id = %q, want %q", i, ev.JobID, result.JobID)
		}
	}
}

// TestClassify covers the failure heuristics.
func TestClassify(t *testing.T) {
	p := &Processor{settings: config.DefaultSettings()}
	exitErr := errors.New("exit status 2")

	cases := []struct {
		name   string
		cmd    CommandLog
		runErr error
		want   bool
	}{
		{"clean", CommandLog{Stdout: "ok"}, nil, false},
		{"stderr", CommandLog{Stderr: "warning"}, nil, true},
		{"marker in stdout", CommandLog{Stdout: "bubble detection failed"}, nil, true},
		{"marker is case sensitive", CommandLog{Stdout: "FAIL"}, nil, false},
		{"non-zero exit", CommandLog{ExitCode: 2}, exitErr, true},
		{"not started", CommandLog{ExitCode: -1}, exitErr, true},
	}
	for _, tc := range cases {
		if got := p.classify(tc.cmd, tc.runErr); got != tc.want {
			t.Fatalf("%s: classify = %v, want %v", tc.name, got, tc.want)
		}
	}

	p.settings.FailOnExitCode = false
	if p.classify(CommandLog{ExitCode: 2}, exitErr) {
		t.Fatal("exit code should be ignored when FailOnExitCode is off")
	}
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	mustMkdir(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file %s: %v", path, err)
	}
	return string(b)
}
