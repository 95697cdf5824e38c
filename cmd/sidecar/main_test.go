package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	oldV, oldC, oldB := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() { version, gitCommit, buildDate = oldV, oldC, oldB })
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"dashboard"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunCLIHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	for _, verb := range []string{"start", "locate", "doctor", "info", "--dev", "--window"} {
		if !strings.Contains(stdout, verb) {
			t.Errorf("usage missing %q", verb)
		}
	}
}

func TestRunCLIVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "sidecar 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0", "aabbccddeeff001122", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	var out versionInfo
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Commit != "aabbccddeeff" || out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("unexpected version info: %+v", out)
	}
}

func TestRunInfoUsesConfig(t *testing.T) {
	t.Setenv("SIDECAR_CONFIG", "")
	path := filepath.Join(t.TempDir(), "sidecar.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: Pricing Monitor\n  version: 2.1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"info", "--config", path})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "Pricing Monitor v2.1.0" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunInfoBadConfig(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"info", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	})
	if code != 1 || !strings.Contains(stderr, "Failed to load config") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestRunLocateBundleDir(t *testing.T) {
	t.Setenv("SIDECAR_CONFIG", "")
	project := writeProject(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"locate", "--bundle-dir", project})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != project {
		t.Fatalf("stdout = %q, want %q", stdout, project)
	}
}

func TestRunDoctorJSON(t *testing.T) {
	t.Setenv("SIDECAR_CONFIG", "")
	project := writeProject(t)
	if err := os.WriteFile(filepath.Join(project, "sidecar.yaml"),
		[]byte("build:\n  output: skip\nserver:\n  command: [sh, -c, \"exit 0\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"doctor", "--json", "--bundle-dir", project})
	})
	if code != 0 {
		t.Fatalf("code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	var out struct {
		Valid bool   `json:"valid"`
		Root  string `json:"root"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("parse doctor JSON: %v\noutput=%s", err, stdout)
	}
	if !out.Valid || out.Root != project {
		t.Fatalf("unexpected doctor result: %+v", out)
	}
}
