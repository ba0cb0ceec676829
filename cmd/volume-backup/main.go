package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	utilsexec "k8s.io/utils/exec"

	"github.com/bitia-ru/container-volume-backup/pkg/config"
	"github.com/bitia-ru/container-volume-backup/pkg/discovery"
	"github.com/bitia-ru/container-volume-backup/pkg/logger"
	"github.com/bitia-ru/container-volume-backup/pkg/orchestrator"
	"github.com/bitia-ru/container-volume-backup/pkg/repository"
	"github.com/bitia-ru/container-volume-backup/pkg/restic"
	"github.com/bitia-ru/container-volume-backup/pkg/runtime"
	"github.com/bitia-ru/container-volume-backup/pkg/services"
	"github.com/bitia-ru/container-volume-backup/pkg/supervisor"
	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

const commandDaemon = "daemon"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] [command] [-- tool args...]

Commands:
  daemon    run scheduled backups and watch for restore requests (default)
  backup    back up the workload's volumes now
  restore   restore a snapshot (latest unless an ID is given) into the workload's volumes
  prune     apply the retention policy and prune the repository
  list      list snapshots

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.CommandLine.SetInterspersed(false)
	flag.Usage = usage
	flag.Parse()

	command, args, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log, command, args)
	cancel()
	if err != nil {
		log.Error("exiting", zap.String("command", command), zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// parseCommand splits the positional arguments into a command and the
// arguments forwarded to the backup tool.
func parseCommand(args []string) (string, []string, error) {
	if len(args) == 0 {
		return commandDaemon, nil, nil
	}
	if args[0] == commandDaemon {
		if len(args) > 1 {
			return "", nil, errors.Errorf("%s takes no arguments", commandDaemon)
		}
		return commandDaemon, nil, nil
	}
	if _, ok := types.ParseOperation(args[0]); !ok {
		return "", nil, errors.Errorf("unknown command %q", args[0])
	}
	return args[0], args[1:], nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, command string, args []string) error {
	docker, err := runtime.NewDocker(log)
	if err != nil {
		return err
	}
	defer docker.Close()

	identity := discovery.FirstOf{}
	var sup services.SupervisorAPI
	if cfg.SupervisorEnabled() {
		client := supervisor.New(cfg.SupervisorAddress, cfg.SupervisorAPIKey, cfg.ServiceName, log)
		identity = append(identity, client)
		sup = client
	}
	identity = append(identity, discovery.NewProcIdentity(afero.NewOsFs()))

	servicesFor := func(meta *types.ContainerMetadata) (orchestrator.ServiceBatch, error) {
		b, err := services.ForContainer(meta, sup, docker, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	seq := orchestrator.New(
		discovery.New(docker, identity, log),
		docker,
		restic.NewRunner(utilsexec.New(), cfg.Binary, log),
		servicesFor,
		repository.NewProbe(os.LookupEnv, nil, log),
		cfg.Settings(os.LookupEnv),
		log,
	)

	if command == commandDaemon {
		return newDaemon(seq, cfg, afero.NewOsFs(), log).Run(ctx)
	}

	op, _ := types.ParseOperation(command)
	res, err := seq.Run(ctx, cfg.OperationContext(op, args))
	if err != nil {
		return err
	}
	if op == types.OpList {
		fmt.Print(res.Output)
	}
	return nil
}
