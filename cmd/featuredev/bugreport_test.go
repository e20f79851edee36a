package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskassist/featuredev/internal/session"
	"github.com/taskassist/featuredev/internal/store"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(context.Background(), fixture.historyDB, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	if !strings.Contains(out.String(), "Bug report written to:") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	archivePath := filepath.Join(fixture.cwd, ".featuredev-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	assertBugreportCoreArtifacts(t, contents)

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != bugreportLogLimit {
		t.Fatalf("log file count = %d, want %d most recent logs", logCount, bugreportLogLimit)
	}

	homeConfig := contents["config.home.toml"]
	if strings.Contains(homeConfig, "supersecret") {
		t.Fatalf("config should be redacted: %q", homeConfig)
	}
	if !strings.Contains(homeConfig, "***REDACTED***") || !strings.Contains(homeConfig, "max_tokens = 4096") {
		t.Fatalf("unexpected redaction result: %q", homeConfig)
	}
	if !strings.Contains(contents["config.project.toml"], "config unavailable") {
		t.Fatalf("missing project config should get a placeholder: %q", contents["config.project.toml"])
	}
	if !strings.Contains(contents["last-run.txt"], "run-123") || !strings.Contains(contents["last-run.txt"], "trace-abc") {
		t.Fatalf("missing run/trace IDs: %q", contents["last-run.txt"])
	}
	if !strings.Contains(contents["git-state.txt"], "deadbeef") {
		t.Fatalf("git state missing HEAD: %q", contents["git-state.txt"])
	}
	history := contents["history.txt"]
	if !strings.Contains(history, "conv-1") || !strings.Contains(history, "tab=tab-1") {
		t.Fatalf("history summary missing conversation: %q", history)
	}
	if strings.Contains(history, "secret roadmap") {
		t.Fatalf("history summary should not include the approach: %q", history)
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	for _, dir := range []string{home, cwd} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = func(context.Context, string, ...string) ([]byte, error) { return []byte(""), nil }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), filepath.Join(home, "missing.db"), &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	contents := extractTarballTextFiles(t, filepath.Join(cwd, ".featuredev-bugreport-20260211-110000.tar.gz"))
	readme := contents["README.txt"]
	for _, warning := range []string{"unable to read logs directory", "no conversation history found", "unable to read config"} {
		if !strings.Contains(readme, warning) {
			t.Fatalf("readme should include %q: %q", warning, readme)
		}
	}
	if !strings.Contains(contents["history.txt"], "No conversation history found.") {
		t.Fatalf("expected history placeholder, got: %q", contents["history.txt"])
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "api_key = \"abc\"\npassword: def\n[otel]\nendpoint = \"http://collector:4318\"\nmax_tokens = 10\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, "http://collector:4318") || !strings.Contains(got, "max_tokens = 10") {
		t.Fatalf("non-sensitive values should be kept: %q", got)
	}
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("log-%d.log", i))
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write file %d: %v", i, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("set modtime %d: %v", i, err)
		}
	}

	files, err := newestFiles(dir, 2)
	if err != nil {
		t.Fatalf("newestFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("file count = %d, want 2", len(files))
	}
	if !strings.HasSuffix(files[0].path, "log-4.log") || !strings.HasSuffix(files[1].path, "log-3.log") {
		t.Fatalf("files = %+v, want log-4 then log-3", files)
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	prevRunCmd := bugreportRunCmdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportRunCmdFn = prevRunCmd
	}
}

type bugreportFixture struct {
	home      string
	cwd       string
	historyDB string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(filepath.Join(home, ".featuredev", "logs"), 0o750); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, home, "log-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, home, "log-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(t, home, "log-3.log", `{"msg":"newer","run_id":"run-123","trace_id":"trace-abc"}`, baseTime.Add(-2*time.Minute))
	writeBugreportLog(t, home, "log-4.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	configText := "backend = \"anthropic\"\napi_key = \"supersecret\"\nmax_tokens = 4096\n"
	if err := os.WriteFile(filepath.Join(home, ".featuredev", "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	historyDB := filepath.Join(home, ".featuredev", "history.db")
	history, err := store.Open(context.Background(), historyDB)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if err := history.ConversationStarted(context.Background(), session.ConversationRecord{
		TabID:          "tab-1",
		ConversationID: "conv-1",
		Approach:       "secret roadmap feature",
		RetryLimit:     3,
		StartedAt:      baseTime,
	}); err != nil {
		t.Fatalf("record conversation: %v", err)
	}
	if err := history.Close(); err != nil {
		t.Fatalf("close history: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = stubBugreportGitCommands

	return bugreportFixture{home: home, cwd: cwd, historyDB: historyDB}
}

func writeBugreportLog(t *testing.T, home, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(home, ".featuredev", "logs", name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func stubBugreportGitCommands(_ context.Context, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "rev-parse --abbrev-ref HEAD"):
		return []byte("main\n"), nil
	case strings.Contains(joined, "rev-parse HEAD"):
		return []byte("deadbeef\n"), nil
	case strings.Contains(joined, "status --short"):
		return []byte(" M internal/session/session.go\n"), nil
	case strings.Contains(joined, "diff --stat"):
		return []byte(" internal/session/session.go | 2 +-\n"), nil
	default:
		return []byte(""), nil
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

func assertBugreportCoreArtifacts(t *testing.T, contents map[string]string) {
	t.Helper()

	for _, path := range []string{
		"README.txt",
		"config.home.toml",
		"config.project.toml",
		"version.txt",
		"last-run.txt",
		"git-state.txt",
		"history.txt",
	} {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}
}
