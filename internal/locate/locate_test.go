package locate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/sidecar/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func mkdirs(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func writeManifest(t *testing.T, dir string) {
	t.Helper()
	mkdirs(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"app"}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestResolveWalksUpFromExecutable(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "app")
	writeManifest(t, app)
	mkdirs(t, filepath.Join(app, "bin"))

	root, err := Resolve(Context{
		Executable: filepath.Join(app, "bin", "shell"),
		Manifest:   "package.json",
		MaxDepth:   DefaultMaxDepth,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root.String() != app {
		t.Fatalf("root = %q, want %q", root, app)
	}
}

func TestResolveFindsManifestAtEveryDepthWithinBound(t *testing.T) {
	t.Parallel()

	const maxDepth = 5
	for levels := 0; levels < maxDepth; levels++ {
		base := t.TempDir()
		writeManifest(t, base)

		exeDir := base
		for i := 0; i < levels; i++ {
			exeDir = filepath.Join(exeDir, "d")
		}
		mkdirs(t, exeDir)

		root, err := Resolve(Context{
			Executable: filepath.Join(exeDir, "shell"),
			Manifest:   "package.json",
			MaxDepth:   maxDepth,
		})
		if err != nil {
			t.Fatalf("levels=%d: Resolve: %v", levels, err)
		}
		if root.String() != base {
			t.Fatalf("levels=%d: root = %q, want %q", levels, root, base)
		}
	}
}

func TestResolveBeyondBoundIsNotFound(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeManifest(t, base)
	exeDir := filepath.Join(base, "a", "b", "c")
	mkdirs(t, exeDir)

	// exeDir, c's parent and b's parent are visited; base is the 4th level.
	_, err := Resolve(Context{
		Executable: filepath.Join(exeDir, "shell"),
		WorkDir:    t.TempDir(),
		Manifest:   "package.json",
		MaxDepth:   3,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvePrefersBundleWithoutWalking(t *testing.T) {
	t.Parallel()

	bundle := filepath.Join(t.TempDir(), "resources")
	writeManifest(t, bundle)

	var statted []string
	root, err := Resolve(Context{
		BundleDir:  bundle,
		Executable: "/nonexistent/definitely/not/here/shell",
		Manifest:   "package.json",
		MaxDepth:   DefaultMaxDepth,
		Stat: func(p string) (os.FileInfo, error) {
			statted = append(statted, p)
			return os.Stat(p)
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root.String() != bundle {
		t.Fatalf("root = %q, want %q", root, bundle)
	}
	if len(statted) != 1 || statted[0] != filepath.Join(bundle, "package.json") {
		t.Fatalf("expected a single stat of the bundle manifest, got %v", statted)
	}
}

func TestResolveBundleWithoutManifestFallsThrough(t *testing.T) {
	t.Parallel()

	app := t.TempDir()
	writeManifest(t, app)

	root, err := Resolve(Context{
		BundleDir:  t.TempDir(),
		Executable: filepath.Join(app, "shell"),
		Manifest:   "package.json",
		MaxDepth:   DefaultMaxDepth,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root.String() != app {
		t.Fatalf("root = %q, want %q", root, app)
	}
}

func TestResolveFallsBackToWorkDir(t *testing.T) {
	t.Parallel()

	wd := t.TempDir()
	writeManifest(t, wd)

	root, err := Resolve(Context{
		Executable: "", // unreadable executable path is not fatal
		WorkDir:    wd,
		Manifest:   "package.json",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root.String() != wd {
		t.Fatalf("root = %q, want %q", root, wd)
	}
}

func TestResolveIgnoresManifestDirectory(t *testing.T) {
	t.Parallel()

	wd := t.TempDir()
	mkdirs(t, filepath.Join(wd, "package.json"))

	_, err := Resolve(Context{WorkDir: wd, Manifest: "package.json"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a directory named like the manifest, got %v", err)
	}
}

func TestResolveNothingFound(t *testing.T) {
	t.Parallel()

	_, err := Resolve(Context{
		Executable: filepath.Join(t.TempDir(), "shell"),
		WorkDir:    t.TempDir(),
		Manifest:   "package.json",
		MaxDepth:   2,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCustomStrategyOrder(t *testing.T) {
	t.Parallel()

	first := Strategy{Name: "fixed", Find: func(Context) (string, bool) { return "/srv/app", true }}
	never := Strategy{Name: "never", Find: func(Context) (string, bool) {
		t.Error("later strategy must not run after a match")
		return "", false
	}}

	root, err := New(first, never).Resolve(Context{Manifest: "package.json"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root != Root(filepath.Clean("/srv/app")) {
		t.Fatalf("root = %q", root)
	}
	if got := root.Join("data", "store.db"); got != filepath.Join("/srv/app", "data", "store.db") {
		t.Fatalf("Join = %q", got)
	}
}
