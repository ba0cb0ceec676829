package restic

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	utilsexec "k8s.io/utils/exec"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// Runner invokes the backup tool as a local process. The process inherits
// the agent's environment, which carries the repository settings.
type Runner struct {
	exec   utilsexec.Interface
	binary string
	logger *zap.Logger
}

func NewRunner(exec utilsexec.Interface, binary string, logger *zap.Logger) *Runner {
	return &Runner{exec: exec, binary: binary, logger: logger.Named("restic")}
}

// Binary is the executable name used for local and worker invocations.
func (r *Runner) Binary() string { return r.binary }

// Run executes the tool with op's subcommand and args, forwarding output to
// the log as it arrives. It returns the captured stdout.
func (r *Runner) Run(ctx context.Context, op types.Operation, args []string) (string, error) {
	return r.run(ctx, Command(r.binary, op, args), NewOutput(r.logger))
}

// EnsureRepository initialises the repository unless it already exists.
// It reports whether a new repository was created.
func (r *Runner) EnsureRepository(ctx context.Context) (bool, error) {
	if _, err := r.run(ctx, []string{r.binary, "cat", "config"}, newQuietOutput(r.logger)); err == nil {
		r.logger.Debug("repository already initialised")
		return false, nil
	}

	_, err := r.run(ctx, []string{r.binary, "init"}, NewOutput(r.logger))
	if err == nil {
		r.logger.Info("initialised repository")
		return true, nil
	}
	var terr *types.BackupToolError
	if errors.As(err, &terr) && alreadyInitialised(terr.Stderr) {
		return false, nil
	}
	return false, err
}

func alreadyInitialised(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "already exists") || strings.Contains(s, "already initialized")
}

// run executes argv to completion. ctx is only used for logging scope; an
// invocation is never cancelled once started.
func (r *Runner) run(_ context.Context, argv []string, out *Output) (string, error) {
	r.logger.Debug("exec", zap.Strings("argv", argv))

	cmd := r.exec.Command(argv[0], argv[1:]...)
	cmd.SetStdout(out.Stdout())
	cmd.SetStderr(out.Stderr())
	err := cmd.Run()
	out.Flush()

	if err != nil {
		code := -1
		var exitErr utilsexec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		}
		return out.StdoutText(), &types.BackupToolError{
			Command:  argv,
			ExitCode: code,
			Stderr:   out.StderrText(),
			Err:      err,
		}
	}
	return out.StdoutText(), nil
}
