//go:build unix

package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sidecar/internal/command"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/locate"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/orchestrator/mocks"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// newServer returns a mock server that accepts configuration and status
// queries; tests add their own Spawn and Close expectations.
func newServer(t *testing.T) *mocks.MockServer {
	t.Helper()
	srv := mocks.NewMockServer(gomock.NewController(t))
	srv.EXPECT().Configure(gomock.Any()).AnyTimes()
	srv.EXPECT().Current().Return(supervisor.Snapshot{}, false).AnyTimes()
	return srv
}

func spawned() *supervisor.Process {
	return &supervisor.Process{PID: 4242, StartedAt: time.Now()}
}

type stubProvisioner struct{ err error }

func (s stubProvisioner) Prepare(_ context.Context, root locate.Root) (*provision.Environment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &provision.Environment{
		Root:     root,
		Vars:     map[string]string{"DATABASE_URL": "file:" + root.Join("data", "store.db")},
		Warnings: []provision.Warning{{Step: provision.StepInit, Err: errors.New("db push exited 1")}},
	}, nil
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Publish(_, eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func projectRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte(`{}`), 0o644))
	return root
}

func script(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return []string{path}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Server.Warmup = 10 * time.Millisecond
	cfg.Build.Command = script(t, "exit 0")
	return cfg
}

func newTestOrchestrator(cfg *config.Config, root string, srv Server, rec events.Publisher) *Orchestrator {
	return New(Options{
		Config:         cfg,
		Locate:         locate.Context{WorkDir: root},
		Server:         srv,
		Events:         rec,
		NewProvisioner: func(config.ProvisionConfig) Provisioner { return stubProvisioner{} },
	})
}

func waitOutcome(t *testing.T, o *Orchestrator) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := o.Wait(ctx)
	require.NoError(t, err)
	return out
}


func TestBuildFailurePreventsSpawn(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Build.Command = script(t, "echo type error; exit 1")
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	rec := &recorder{}
	o := newTestOrchestrator(cfg, projectRoot(t), srv, rec)

	assert.Equal(t, Ack, o.Start(context.Background()))
	out := waitOutcome(t, o)

	assert.Equal(t, BuildFailed, out.Kind)
	assert.Equal(t, 1, out.ExitStatus)
	assert.NotContains(t, rec.seen(), events.ServerSpawned)
}

func TestBuildErrorOutcome(t *testing.T) {
	t.Parallel()

	argv := []string{"npm", "run", "build"}
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
	}{
		{"non-zero exit", &command.ExitError{Argv: argv, Status: 2}, BuildFailed, 2},
		{"launch failure", &command.LaunchError{Argv: argv, Err: errors.New("no such file")}, SpawnFailed, 0},
		{"other error", errors.New("boom"), BuildFailed, -1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			builder := mocks.NewMockBuilder(ctrl)
			builder.EXPECT().Run(gomock.Any(), gomock.Any()).Return(tt.err)
			srv := newServer(t)
			srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			o := New(Options{
				Config:         testConfig(t),
				Locate:         locate.Context{WorkDir: projectRoot(t)},
				Server:         srv,
				NewProvisioner: func(config.ProvisionConfig) Provisioner { return stubProvisioner{} },
				NewBuilder:     func(config.BuildConfig) (Builder, error) { return builder, nil },
			})

			o.Start(context.Background())
			out := waitOutcome(t, o)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantStatus, out.ExitStatus)
			assert.ErrorIs(t, out.Err, tt.err)
		})
	}
}

func TestBuildLaunchFailureIsSpawnFailed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Build.Command = []string{"/definitely/not/npm", "run", "build"}
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	o := newTestOrchestrator(cfg, projectRoot(t), srv, nil)

	o.Start(context.Background())
	out := waitOutcome(t, o)
	assert.Equal(t, SpawnFailed, out.Kind)
}

func TestDirectoryNotFound(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Warmup = 10 * time.Second
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	o := New(Options{
		Config: cfg,
		Locate: locate.Context{WorkDir: t.TempDir(), Executable: filepath.Join(t.TempDir(), "shell")},
		Server: srv,
	})

	start := time.Now()
	o.Start(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second, "a failed cycle ends the warm-up wait")

	out := waitOutcome(t, o)
	assert.Equal(t, DirectoryNotFound, out.Kind)
	assert.ErrorIs(t, out.Err, locate.ErrNotFound)
}

func TestProvisionFailed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	prov := mocks.NewMockProvisioner(ctrl)
	prov.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(nil, provision.ErrUnusableRoot)
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	o := New(Options{
		Config:         testConfig(t),
		Locate:         locate.Context{WorkDir: projectRoot(t)},
		Server:         srv,
		NewProvisioner: func(config.ProvisionConfig) Provisioner { return prov },
	})

	o.Start(context.Background())
	out := waitOutcome(t, o)
	assert.Equal(t, ProvisionFailed, out.Kind)
	assert.ErrorIs(t, out.Err, provision.ErrUnusableRoot)
}

func TestSpawnFailed(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("exec: npm: not found"))
	o := newTestOrchestrator(testConfig(t), projectRoot(t), srv, nil)

	o.Start(context.Background())
	out := waitOutcome(t, o)
	assert.Equal(t, SpawnFailed, out.Kind)
	assert.False(t, out.OK())
}

func TestSuccessWithWarnings(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), locate.Root(root), gomock.Any()).Return(spawned(), nil)
	rec := &recorder{}
	o := newTestOrchestrator(testConfig(t), root, srv, rec)

	o.Start(context.Background())
	out := waitOutcome(t, o)

	require.True(t, out.OK(), out.String())
	assert.Equal(t, 4242, out.PID)
	assert.Equal(t, root, out.Root.String())
	assert.Contains(t, out.Server, "Competitor Dashboard")
	assert.Len(t, out.Warnings, 1, "provisioning warnings do not stop the cycle")
	assert.NotEmpty(t, out.Cycle)
	assert.Equal(t, out.Cycle, o.Cycle())

	assert.Contains(t, rec.seen(), events.ProvisionWarning)
	assert.Contains(t, rec.seen(), events.ServerSpawned)

	st := o.Status()
	assert.Equal(t, "finished", st.Phase)
	assert.Equal(t, "success", st.Outcome)
}

func TestStartRunsOneCycle(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Return(spawned(), nil).Times(1)
	o := newTestOrchestrator(testConfig(t), projectRoot(t), srv, nil)

	o.Start(context.Background())
	first := waitOutcome(t, o)
	o.Start(context.Background())

	assert.Equal(t, first.Cycle, o.Cycle())
}

func TestProjectConfigOverlay(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, config.ProjectFileName),
		[]byte("server:\n  env:\n    NODE_ENV: production\n"), 0o644))

	var configured config.ServerConfig
	srv := mocks.NewMockServer(gomock.NewController(t))
	gomock.InOrder(
		srv.EXPECT().Configure(gomock.Any()).Do(func(cfg config.ServerConfig) { configured = cfg }),
		srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Return(spawned(), nil),
	)
	o := newTestOrchestrator(testConfig(t), root, srv, nil)

	o.Start(context.Background())
	require.True(t, waitOutcome(t, o).OK())
	assert.Equal(t, "production", configured.Env["NODE_ENV"])
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestReadinessEndsWarmupEarly(t *testing.T) {
	t.Parallel()

	port := freePort(t)
	var (
		mu     sync.Mutex
		server net.Listener
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if server != nil {
			_ = server.Close()
		}
	})
	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, locate.Root, []string) (*supervisor.Process, error) {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return nil, err
			}
			mu.Lock()
			server = ln
			mu.Unlock()
			return spawned(), nil
		})

	cfg := testConfig(t)
	cfg.Server.Port = port
	cfg.Server.Warmup = 30 * time.Second
	cfg.Server.ReadyTimeout = 20 * time.Second
	rec := &recorder{}
	o := newTestOrchestrator(cfg, projectRoot(t), srv, rec)

	start := time.Now()
	o.Start(context.Background())
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, rec.seen(), events.ServerReady)
}

func TestProjectReadyTimeoutBoundsWarmup(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	overlay := "server:\n  port: " + strconv.Itoa(freePort(t)) + "\n  ready_timeout: 300ms\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, config.ProjectFileName), []byte(overlay), 0o644))

	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Return(spawned(), nil)

	cfg := testConfig(t)
	cfg.Server.Warmup = 30 * time.Second
	o := newTestOrchestrator(cfg, root, srv, nil)

	start := time.Now()
	o.Start(context.Background())
	assert.Less(t, time.Since(start), 10*time.Second, "the project ready_timeout replaces the base warm-up")
	require.True(t, waitOutcome(t, o).OK())
}

func TestShutdownClosesServer(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	srv.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any()).Return(spawned(), nil)
	gomock.InOrder(
		srv.EXPECT().Close().Return(false, nil),
		srv.EXPECT().Close().Return(true, nil),
	)
	rec := &recorder{}
	o := newTestOrchestrator(testConfig(t), projectRoot(t), srv, rec)

	require.NoError(t, o.Shutdown(), "shutdown before start is a no-op")
	assert.NotContains(t, rec.seen(), events.ServerTerminated)

	o.Start(context.Background())
	waitOutcome(t, o)
	require.NoError(t, o.Shutdown())
	assert.Contains(t, rec.seen(), events.ServerTerminated)
}

func TestEndToEndWithRealSupervisor(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Command = script(t, "exec sleep 60")
	sup := supervisor.New(cfg.Server)
	o := newTestOrchestrator(cfg, projectRoot(t), sup, nil)

	o.Start(context.Background())
	out := waitOutcome(t, o)
	require.True(t, out.OK(), out.String())

	snap, ok := sup.Current()
	require.True(t, ok)
	assert.Equal(t, out.PID, snap.PID)

	require.NoError(t, o.Shutdown())
	_, ok = sup.Current()
	assert.False(t, ok)

	_, err := sup.Spawn(context.Background(), out.Root, nil)
	assert.ErrorIs(t, err, supervisor.ErrClosed)
}
