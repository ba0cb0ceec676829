package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bitia-ru/container-volume-backup/pkg/config"
	"github.com/bitia-ru/container-volume-backup/pkg/logger"
	"github.com/bitia-ru/container-volume-backup/pkg/orchestrator"
	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// restoreSettle is how long the restore file must stay quiet before it is read.
const restoreSettle = time.Second

type operationRunner interface {
	Run(ctx context.Context, oc types.OperationContext) (*orchestrator.Result, error)
}

// daemon runs backups on a schedule and restores when a restore file
// appears. Only one operation runs at a time.
type daemon struct {
	seq    operationRunner
	cfg    *config.Config
	fs     afero.Fs
	logger *zap.Logger

	mu sync.Mutex
}

func newDaemon(seq operationRunner, cfg *config.Config, fs afero.Fs, log *zap.Logger) *daemon {
	return &daemon{seq: seq, cfg: cfg, fs: fs, logger: log.Named("daemon")}
}

func (d *daemon) Run(ctx context.Context) error {
	cl := logger.Cron(d.logger)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(d.cfg.Cron, func() { d.scheduledBackup(ctx) }); err != nil {
		return errors.Wrapf(err, "invalid schedule %q", d.cfg.Cron)
	}

	dir := filepath.Dir(d.cfg.RestoreFile)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	c.Start()
	defer func() { <-c.Stop().Done() }()
	d.logger.Info("daemon started", zap.String("schedule", d.cfg.Cron), zap.String("restore_file", d.cfg.RestoreFile))

	settle := time.NewTimer(restoreSettle)
	if !d.restorePending() {
		settle.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(d.cfg.RestoreFile) && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				settle.Reset(restoreSettle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		case <-settle.C:
			d.restoreFromFile(ctx)
		}
	}
}

func (d *daemon) restorePending() bool {
	ok, err := afero.Exists(d.fs, d.cfg.RestoreFile)
	return err == nil && ok
}

// scheduledBackup backs up and then prunes, unless a restore is pending.
func (d *daemon) scheduledBackup(ctx context.Context) {
	if d.restorePending() {
		d.logger.Warn("restore file present, skipping scheduled backup", zap.String("path", d.cfg.RestoreFile))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.seq.Run(ctx, d.cfg.OperationContext(types.OpBackup, nil)); err != nil {
		return
	}
	_, _ = d.seq.Run(ctx, d.cfg.OperationContext(types.OpPrune, nil))
}

// restoreFromFile restores using the file's contents as backup tool
// arguments and removes the file afterwards, whatever the outcome.
func (d *daemon) restoreFromFile(ctx context.Context) {
	data, err := afero.ReadFile(d.fs, d.cfg.RestoreFile)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Error("reading restore file", zap.Error(err))
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	args := strings.Fields(string(data))
	d.logger.Info("restore requested", zap.Strings("args", args))
	_, _ = d.seq.Run(ctx, d.cfg.OperationContext(types.OpRestore, args))

	if err := d.fs.Remove(d.cfg.RestoreFile); err != nil && !os.IsNotExist(err) {
		d.logger.Error("removing restore file, backups stay paused", zap.String("path", d.cfg.RestoreFile), zap.Error(err))
	}
}
