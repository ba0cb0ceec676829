package orchestrator

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/restic"
	"github.com/bitia-ru/container-volume-backup/pkg/types"
	"github.com/bitia-ru/container-volume-backup/pkg/worker"
)

// Discoverer resolves the orchestrator's container and the volumes to work on.
type Discoverer interface {
	ResolveSelf(ctx context.Context) (*types.ContainerMetadata, error)
	Discover(ctx context.Context, meta *types.ContainerMetadata, include, exclude []string) (types.VolumeSelection, error)
}

// ContainerRunner runs a worker container to completion.
type ContainerRunner interface {
	RunContainer(ctx context.Context, spec types.WorkerSpec, cmd []string, stdout, stderr io.Writer) (int64, error)
}

// Tool runs the backup tool in the orchestrator's own process.
type Tool interface {
	Binary() string
	Run(ctx context.Context, op types.Operation, args []string) (string, error)
	EnsureRepository(ctx context.Context) (bool, error)
}

// ServiceBatch stops and starts a set of services.
type ServiceBatch interface {
	Services(ctx context.Context) ([]string, error)
	StopAll(ctx context.Context, services []string) error
	StartAll(ctx context.Context, services []string) error
}

// ServicesFor returns the service batch for the workload meta belongs to.
type ServicesFor func(meta *types.ContainerMetadata) (ServiceBatch, error)

// RepositoryProbe checks the repository backend before it is initialised.
type RepositoryProbe interface {
	Check(ctx context.Context) error
}

// Settings are the per-process inputs shared by every operation.
type Settings struct {
	Include   []string
	Exclude   []string
	BindRoot  string
	TempDir   string
	Env       worker.LookupFunc
	Retention restic.Retention
	Host      string
	Tags      []string
}

// Sequencer runs operations, wrapping each with the actions it requires
// before and after the backup tool is invoked.
type Sequencer struct {
	discoverer Discoverer
	runner     ContainerRunner
	tool       Tool
	services   ServicesFor
	probe      RepositoryProbe
	settings   Settings
	logger     *zap.Logger
}

func New(discoverer Discoverer, runner ContainerRunner, tool Tool, services ServicesFor, probe RepositoryProbe, settings Settings, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		discoverer: discoverer,
		runner:     runner,
		tool:       tool,
		services:   services,
		probe:      probe,
		settings:   settings,
		logger:     logger.Named("orchestrator"),
	}
}

// Run executes one operation. The returned Result is never nil; its State is
// Done on success and Failed otherwise.
func (s *Sequencer) Run(ctx context.Context, oc types.OperationContext) (*Result, error) {
	inv := &invocation{Sequencer: s, oc: oc, result: &Result{State: Idle}}
	inv.logger = s.logger.With(zap.String("operation", string(oc.Operation)), zap.Bool("dry_run", oc.DryRun))

	var err error
	switch oc.Operation {
	case types.OpBackup:
		err = inv.backup(ctx)
	case types.OpRestore:
		err = inv.restore(ctx)
	case types.OpPrune, types.OpList:
		err = inv.direct(ctx)
	default:
		err = errors.Errorf("unknown operation %q", oc.Operation)
	}

	if err != nil {
		inv.enter(Failed)
		inv.logger.Error("operation failed", zap.Error(err))
		return inv.result, err
	}
	inv.enter(Done)
	inv.logger.Info("operation complete", zap.Int("warnings", len(inv.result.Warnings)))
	return inv.result, nil
}

// invocation holds the state of a single Run.
type invocation struct {
	*Sequencer
	oc     types.OperationContext
	result *Result
	logger *zap.Logger
}

func (inv *invocation) enter(st State) {
	inv.logger.Debug("state", zap.Stringer("from", inv.result.State), zap.Stringer("to", st))
	inv.result.State = st
	inv.result.Trace = append(inv.result.Trace, st)
}

func (inv *invocation) warn(msg string, err error) {
	inv.logger.Warn(msg, zap.Error(err))
	inv.result.Warnings = append(inv.result.Warnings, err)
}

func (inv *invocation) args() []string {
	st := inv.settings
	flags := restic.Flags{
		DryRun:    inv.oc.DryRun,
		Verbosity: inv.oc.Verbosity,
		Host:      st.Host,
		Tags:      st.Tags,
	}
	return restic.Assemble(inv.oc.Operation, flags, restic.DefaultOptions(inv.oc.Operation, st.Retention, st.BindRoot), inv.oc.Args)
}

// prepare resolves the orchestrator's container, selects volumes and builds
// the worker spec for mode. The spec is nil when no volume is eligible.
func (inv *invocation) prepare(ctx context.Context, mode types.AccessMode) (*types.ContainerMetadata, *types.WorkerSpec, error) {
	inv.enter(Preparing)

	meta, err := inv.discoverer.ResolveSelf(ctx)
	if err != nil {
		return nil, nil, err
	}
	sel, err := inv.discoverer.Discover(ctx, meta, inv.settings.Include, inv.settings.Exclude)
	if err != nil {
		return nil, nil, err
	}
	if len(sel.Eligible) == 0 {
		inv.warn("no volumes selected, nothing to do", types.ErrNoEligibleVolumes)
		return meta, nil, nil
	}
	inv.logger.Info("volumes selected", zap.Strings("volumes", sel.Names()))

	spec := worker.BuildSpec(worker.Input{
		Image:      meta.Image,
		Eligible:   sel.Eligible,
		OwnMounts:  meta.NamedMounts(),
		Mode:       mode,
		Supervised: meta.IsSupervised(),
		BindRoot:   inv.settings.BindRoot,
		TempDir:    inv.settings.TempDir,
		Env:        inv.settings.Env,
	})
	inv.logger.Debug("worker spec", zap.String("image", spec.Image), zap.Strings("binds", spec.Binds))
	return meta, &spec, nil
}

func (inv *invocation) backup(ctx context.Context) error {
	_, spec, err := inv.prepare(ctx, types.ReadOnly)
	if err != nil || spec == nil {
		return err
	}

	if inv.oc.DryRun {
		inv.logger.Info("dry run, not initialising repository")
	} else {
		if inv.probe != nil {
			if err := inv.probe.Check(ctx); err != nil {
				inv.warn("repository preflight failed", err)
			}
		}
		if _, err := inv.tool.EnsureRepository(ctx); err != nil {
			return errors.Wrap(err, "initialising repository")
		}
	}

	inv.enter(Executing)
	return inv.execWorker(ctx, *spec)
}

func (inv *invocation) restore(ctx context.Context) error {
	meta, spec, err := inv.prepare(ctx, types.ReadWrite)
	if err != nil || spec == nil {
		return err
	}
	batch, err := inv.services(meta)
	if err != nil {
		return err
	}
	svcs, err := batch.Services(ctx)
	if err != nil {
		return err
	}

	// once services are stopped the rest of the restore must not be cut
	// short, or they would stay down
	detached := context.WithoutCancel(ctx)

	stopped := false
	switch {
	case len(svcs) == 0:
		inv.logger.Info("no other services to stop")
	case inv.oc.DryRun:
		inv.logger.Info("dry run, would stop services", zap.Strings("services", svcs))
	default:
		inv.enter(ServicesStopping)
		if stopErr := batch.StopAll(ctx, svcs); stopErr != nil {
			inv.logger.Warn("stopping services failed, starting them again", zap.Error(stopErr))
			startErr := batch.StartAll(detached, svcs)
			return multierr.Combine(startErr, stopErr)
		}
		stopped = true
	}

	inv.enter(Executing)
	execErr := inv.execWorker(detached, *spec)

	var startErr error
	if stopped {
		inv.enter(ServicesStarting)
		startErr = batch.StartAll(detached, svcs)
	}
	return multierr.Combine(startErr, execErr)
}

// direct runs operations that need no worker container.
func (inv *invocation) direct(ctx context.Context) error {
	inv.enter(Preparing)
	args := inv.args()

	inv.enter(Executing)
	out, err := inv.tool.Run(ctx, inv.oc.Operation, args)
	inv.result.Output = out
	return err
}

func (inv *invocation) execWorker(ctx context.Context, spec types.WorkerSpec) error {
	cmd := restic.Command(inv.tool.Binary(), inv.oc.Operation, inv.args())
	inv.logger.Info("starting worker", zap.Strings("cmd", cmd))

	out := restic.NewWorkerOutput(inv.logger.Named("worker"))
	code, err := inv.runner.RunContainer(ctx, spec, cmd, out.Stdout(), out.Stderr())
	out.Flush()
	if err != nil {
		return err
	}
	if code != 0 {
		return &types.BackupToolError{Command: cmd, ExitCode: int(code), Stderr: out.StderrText()}
	}
	return nil
}
