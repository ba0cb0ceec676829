package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bitia-ru/container-volume-backup/pkg/restic"
	"github.com/bitia-ru/container-volume-backup/pkg/types"
	"github.com/bitia-ru/container-volume-backup/pkg/worker"
)

type fakeDiscoverer struct {
	meta    *types.ContainerMetadata
	sel     types.VolumeSelection
	selfErr error
}

func (f *fakeDiscoverer) ResolveSelf(context.Context) (*types.ContainerMetadata, error) {
	return f.meta, f.selfErr
}

func (f *fakeDiscoverer) Discover(context.Context, *types.ContainerMetadata, []string, []string) (types.VolumeSelection, error) {
	return f.sel, nil
}

type fakeRunner struct {
	spec   types.WorkerSpec
	cmd    []string
	code   int64
	stderr string
	err    error
	record func(string)
}

func (f *fakeRunner) RunContainer(_ context.Context, spec types.WorkerSpec, cmd []string, _, stderr io.Writer) (int64, error) {
	f.record("run")
	f.spec = spec
	f.cmd = cmd
	if f.stderr != "" {
		_, _ = io.WriteString(stderr, f.stderr)
	}
	return f.code, f.err
}

type fakeTool struct {
	record  func(string)
	initErr error
	runOp   types.Operation
	runArgs []string
	out     string
	runErr  error
}

func (f *fakeTool) Binary() string { return "restic" }

func (f *fakeTool) Run(_ context.Context, op types.Operation, args []string) (string, error) {
	f.record("tool:" + string(op))
	f.runOp, f.runArgs = op, args
	return f.out, f.runErr
}

func (f *fakeTool) EnsureRepository(context.Context) (bool, error) {
	f.record("init")
	return false, f.initErr
}

type fakeBatch struct {
	record   func(string)
	services []string
	stopErr  error
	startErr error
	started  []string
}

func (f *fakeBatch) Services(context.Context) ([]string, error) { return f.services, nil }

func (f *fakeBatch) StopAll(_ context.Context, svcs []string) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeBatch) StartAll(_ context.Context, svcs []string) error {
	f.record("start")
	f.started = append(f.started, svcs...)
	return f.startErr
}

type probeFunc func(context.Context) error

func (p probeFunc) Check(ctx context.Context) error { return p(ctx) }

// harness wires fakes that append to a shared call log.
type harness struct {
	mu    sync.Mutex
	log   []string
	disc  *fakeDiscoverer
	run   *fakeRunner
	tool  *fakeTool
	batch *fakeBatch
	probe probeFunc
	obs   *observer.ObservedLogs
}

func newHarness() *harness {
	h := &harness{}
	rec := func(s string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.log = append(h.log, s)
	}
	h.disc = &fakeDiscoverer{
		meta: &types.ContainerMetadata{
			ID:    "self",
			Image: "registry/backup:1",
			Labels: map[string]string{
				types.LabelSupervised:  "true",
				types.LabelAppID:       "1234",
				types.LabelServiceName: "backup",
			},
			Mounts: []types.Mount{{Name: "1234_cache", Destination: "/cache", RW: true}},
		},
		sel: types.VolumeSelection{Eligible: []types.Volume{{Name: "1234_data"}}},
	}
	h.run = &fakeRunner{record: rec}
	h.tool = &fakeTool{record: rec}
	h.batch = &fakeBatch{record: rec, services: []string{"web", "worker"}}
	h.probe = func(context.Context) error { rec("probe"); return nil }
	return h
}

func (h *harness) sequencer() *Sequencer {
	core, obs := observer.New(zapcore.DebugLevel)
	h.obs = obs
	services := func(*types.ContainerMetadata) (ServiceBatch, error) { return h.batch, nil }
	settings := Settings{
		BindRoot:  "/data",
		TempDir:   "/tmp",
		Retention: restic.DefaultRetention,
		Env:       worker.MapLookup(map[string]string{"RESTIC_PASSWORD": "pw", "HOME": "/root"}),
	}
	return New(h.disc, h.run, h.tool, services, h.probe, settings, zap.New(core))
}

func TestBackup(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpBackup})
	require.NoError(t, err)

	assert.Equal(t, Done, res.State)
	assert.Equal(t, []State{Preparing, Executing, Done}, res.Trace)
	assert.Equal(t, []string{"probe", "init", "run"}, h.log)
	assert.Equal(t, []string{"restic", "backup", "/data"}, h.run.cmd)
	assert.Equal(t, []string{"1234_data:/data/1234_data:ro", "1234_cache:/cache:rw"}, h.run.spec.Binds)
	assert.Equal(t, []string{"RESTIC_PASSWORD=pw"}, h.run.spec.Env)
	assert.Equal(t, "host", h.run.spec.NetworkMode)
	assert.Equal(t, "registry/backup:1", h.run.spec.Image)
}

func TestBackup_PreflightFailureIsWarning(t *testing.T) {
	h := newHarness()
	h.probe = func(context.Context) error { return errors.New("bucket missing") }

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpBackup})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorContains(t, res.Warnings[0], "bucket missing")
}

func TestBackup_InitFailureAbortsBeforeWorker(t *testing.T) {
	h := newHarness()
	h.tool.initErr = &types.BackupToolError{Command: []string{"restic", "init"}, ExitCode: 1}

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpBackup})
	var terr *types.BackupToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, Failed, res.State)
	assert.NotContains(t, h.log, "run")
}

func TestBackup_DryRun(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpBackup, DryRun: true, Verbosity: 1})
	require.NoError(t, err)

	assert.Equal(t, Done, res.State)
	assert.Equal(t, []string{"run"}, h.log)
	assert.Equal(t, []string{"restic", "backup", "--dry-run", "--verbose=1", "/data"}, h.run.cmd)
}

func TestBackup_NoEligibleVolumesSkipsWorker(t *testing.T) {
	h := newHarness()
	h.disc.sel = types.VolumeSelection{}
	seq := h.sequencer()

	res, err := seq.Run(context.Background(), types.OperationContext{Operation: types.OpBackup})
	require.NoError(t, err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, []State{Preparing, Done}, res.Trace)
	require.Len(t, res.Warnings, 1)
	assert.True(t, errors.Is(res.Warnings[0], types.ErrNoEligibleVolumes))
	assert.Equal(t, 1, h.obs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("no volumes selected, nothing to do").Len())
	assert.Empty(t, h.log)
	assert.Nil(t, h.run.cmd)
}

func TestRestore_NoEligibleVolumesLeavesServicesRunning(t *testing.T) {
	h := newHarness()
	h.disc.sel = types.VolumeSelection{Excluded: map[string]string{"1234_data": types.ReasonExcluded}}

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	require.NoError(t, err)
	assert.Equal(t, []State{Preparing, Done}, res.Trace)
	require.Len(t, res.Warnings, 1)
	assert.Empty(t, h.log)
}

func TestBackup_WorkerExitIsBackupToolError(t *testing.T) {
	h := newHarness()
	h.run.code = 3
	h.run.stderr = "Fatal: unable to open repository\n"

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpBackup})
	var terr *types.BackupToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 3, terr.ExitCode)
	assert.Contains(t, terr.Stderr, "unable to open repository")
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, []State{Preparing, Executing, Failed}, res.Trace)
}

func TestSequencer_EnvironmentUnsupported(t *testing.T) {
	h := newHarness()
	h.disc.selfErr = errors.WithMessage(types.ErrEnvironmentUnsupported, "no cgroup")

	for _, op := range []types.Operation{types.OpBackup, types.OpRestore} {
		res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: op})
		assert.True(t, errors.Is(err, types.ErrEnvironmentUnsupported))
		assert.Equal(t, []State{Preparing, Failed}, res.Trace)
	}
	assert.Empty(t, h.log)
}

func TestRestore(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	require.NoError(t, err)

	assert.Equal(t, []State{Preparing, ServicesStopping, Executing, ServicesStarting, Done}, res.Trace)
	assert.Equal(t, []string{"stop", "run", "start"}, h.log)
	assert.Equal(t, []string{"restic", "restore", "--target", "/", "latest"}, h.run.cmd)
	assert.Equal(t, []string{"1234_data:/data/1234_data:rw", "1234_cache:/cache:rw"}, h.run.spec.Binds)
}

func TestRestore_ExecFailureStillStartsServices(t *testing.T) {
	h := newHarness()
	execErr := &types.RuntimeAPIError{Call: "ContainerCreate", Err: errors.New("no such image")}
	h.run.err = execErr

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	assert.Same(t, execErr, err)
	assert.Equal(t, []string{"stop", "run", "start"}, h.log)
	assert.ElementsMatch(t, []string{"web", "worker"}, h.batch.started)
	assert.Equal(t, []State{Preparing, ServicesStopping, Executing, ServicesStarting, Failed}, res.Trace)
}

func TestRestore_StartFailureReportedFirst(t *testing.T) {
	h := newHarness()
	h.run.code = 1
	h.batch.startErr = &types.ControlPlaneError{Call: "startService", Service: "web", Err: errors.New("timeout")}

	_, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	var cerr *types.ControlPlaneError
	assert.True(t, errors.As(errs[0], &cerr))
	var terr *types.BackupToolError
	assert.True(t, errors.As(errs[1], &terr))
}

func TestRestore_StartFailureAloneFails(t *testing.T) {
	h := newHarness()
	h.batch.startErr = errors.New("supervisor unavailable")

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	assert.ErrorContains(t, err, "supervisor unavailable")
	assert.Equal(t, Failed, res.State)
}

func TestRestore_StopFailureRestartsAndSkipsWorker(t *testing.T) {
	h := newHarness()
	stopErr := errors.New("stop web: 503")
	h.batch.stopErr = stopErr

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	assert.Same(t, stopErr, err)
	assert.Equal(t, []string{"stop", "start"}, h.log)
	assert.Equal(t, []State{Preparing, ServicesStopping, Failed}, res.Trace)
}

func TestRestore_DryRunLeavesServicesRunning(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"run"}, h.log)
	assert.Equal(t, []State{Preparing, Executing, Done}, res.Trace)
	assert.Equal(t, "--dry-run", h.run.cmd[2])
	assert.Equal(t, 1, h.obs.FilterMessage("dry run, would stop services").Len())
}

func TestRestore_NoOtherServices(t *testing.T) {
	h := newHarness()
	h.batch.services = nil

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpRestore})
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, h.log)
	assert.Equal(t, []State{Preparing, Executing, Done}, res.Trace)
}

func TestRestore_ContinuesAfterCancellation(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.batch.record = func(s string) {
		h.log = append(h.log, s)
		if s == "stop" {
			cancel()
		}
	}
	var runCtxErr error
	h.run.record = func(s string) { h.log = append(h.log, s) }
	runner := &ctxRunner{fakeRunner: h.run, seen: &runCtxErr}

	services := func(*types.ContainerMetadata) (ServiceBatch, error) { return h.batch, nil }
	seq := New(h.disc, runner, h.tool, services, nil, Settings{BindRoot: "/data"}, zap.NewNop())

	_, err := seq.Run(ctx, types.OperationContext{Operation: types.OpRestore})
	require.NoError(t, err)
	assert.NoError(t, runCtxErr)
	assert.Equal(t, []string{"stop", "run", "start"}, h.log)
}

type ctxRunner struct {
	*fakeRunner
	seen *error
}

func (r *ctxRunner) RunContainer(ctx context.Context, spec types.WorkerSpec, cmd []string, stdout, stderr io.Writer) (int64, error) {
	*r.seen = ctx.Err()
	return r.fakeRunner.RunContainer(ctx, spec, cmd, stdout, stderr)
}

func TestPrune_RunsToolDirectly(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{
		Operation: types.OpPrune,
		Args:      []string{"--keep-daily", "30"},
		DryRun:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tool:prune"}, h.log)
	assert.Equal(t, "--dry-run", h.tool.runArgs[0])
	assert.Equal(t, []string{"--keep-daily", "30"}, h.tool.runArgs[len(h.tool.runArgs)-2:])
	assert.Equal(t, []State{Preparing, Executing, Done}, res.Trace)
}

func TestList_ReturnsOutput(t *testing.T) {
	h := newHarness()
	h.tool.out = "1a2b3c4d  2024-01-01 00:00:00  dev1\n"

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpList, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, h.tool.out, res.Output)
	assert.Equal(t, types.OpList, h.tool.runOp)
	assert.NotContains(t, h.tool.runArgs, "--dry-run")
}

func TestList_ToolFailure(t *testing.T) {
	h := newHarness()
	h.tool.runErr = &types.BackupToolError{Command: []string{"restic", "snapshots"}, ExitCode: 1}

	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: types.OpList})
	assert.Error(t, err)
	assert.Equal(t, Failed, res.State)
}

func TestSequencer_UnknownOperation(t *testing.T) {
	h := newHarness()
	res, err := h.sequencer().Run(context.Background(), types.OperationContext{Operation: "verify"})
	assert.Error(t, err)
	assert.Equal(t, []State{Failed}, res.Trace)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "services-stopping", ServicesStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
