package restic

import (
	"strconv"
	"strings"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// Flags are the priority flags placed ahead of an operation's defaults.
type Flags struct {
	DryRun    bool
	Verbosity int
	Host      string
	Tags      []string
}

// Retention is the snapshot retention policy applied on prune.
type Retention struct {
	Yearly  int
	Monthly int
	Weekly  int
	Daily   int
	Hourly  int
}

// DefaultRetention keeps 3 yearly, 12 monthly, 5 weekly, 7 daily and 24 hourly snapshots.
var DefaultRetention = Retention{Yearly: 3, Monthly: 12, Weekly: 5, Daily: 7, Hourly: 24}

// RestoreTarget is where restore writes; snapshots hold absolute bind paths.
const RestoreTarget = "/"

// LatestSnapshot is restored when the caller names no snapshot.
const LatestSnapshot = "latest"

// restoreValueFlags are the restore options that consume the following argument.
var restoreValueFlags = map[string]bool{
	"-t": true, "--target": true,
	"-i": true, "--include": true,
	"-e": true, "--exclude": true,
	"--iinclude": true, "--iexclude": true,
	"--include-file": true, "--exclude-file": true,
	"--iinclude-file": true, "--iexclude-file": true,
	"-H": true, "--host": true,
	"--tag": true, "--path": true,
	"--overwrite": true,
	"--cache-dir": true, "--repo": true, "-r": true,
	"--password-file": true, "-p": true,
	"--option": true, "-o": true,
}

// HasSnapshotArg reports whether args name a snapshot, that is, contain a
// positional argument.
func HasSnapshotArg(args []string) bool {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return i+1 < len(args)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			if !strings.Contains(a, "=") && restoreValueFlags[a] {
				i++
			}
		default:
			return true
		}
	}
	return false
}

// Subcommand maps an operation onto the tool's subcommand.
func Subcommand(op types.Operation) string {
	switch op {
	case types.OpPrune:
		return "forget"
	case types.OpList:
		return "snapshots"
	default:
		return string(op)
	}
}

// PriorityFlags returns the flags that must precede everything else.
// --dry-run is always first when set, except for list: the snapshots
// subcommand is read-only, has no --dry-run option and fails with
// "unknown flag" if given one, so a dry-run list is just a list.
func PriorityFlags(op types.Operation, f Flags) []string {
	var args []string
	if f.DryRun && op != types.OpList {
		args = append(args, "--dry-run")
	}
	if f.Verbosity > 0 {
		args = append(args, "--verbose="+strconv.Itoa(f.Verbosity))
	}
	if f.Host != "" {
		args = append(args, "--host", f.Host)
	}
	for _, tag := range f.Tags {
		if tag != "" {
			args = append(args, "--tag", tag)
		}
	}
	return args
}

// DefaultOptions returns the operation's default arguments.
func DefaultOptions(op types.Operation, retention Retention, bindRoot string) []string {
	switch op {
	case types.OpBackup:
		return []string{bindRoot}
	case types.OpRestore:
		return []string{"--target", RestoreTarget}
	case types.OpPrune:
		args := []string{"--prune"}
		for _, k := range []struct {
			flag string
			n    int
		}{
			{"--keep-yearly", retention.Yearly},
			{"--keep-monthly", retention.Monthly},
			{"--keep-weekly", retention.Weekly},
			{"--keep-daily", retention.Daily},
			{"--keep-hourly", retention.Hourly},
		} {
			if k.n > 0 {
				args = append(args, k.flag, strconv.Itoa(k.n))
			}
		}
		return args
	default:
		return nil
	}
}

// Assemble builds the final argument list: priority flags, then the
// operation's defaults, then the caller's own arguments. The tool applies
// last-wins for repeated options, so the caller can override a default.
// A restore without a snapshot from the caller restores the latest one.
func Assemble(op types.Operation, f Flags, defaults, extra []string) []string {
	args := PriorityFlags(op, f)
	args = append(args, defaults...)
	if op == types.OpRestore && !HasSnapshotArg(extra) {
		args = append(args, LatestSnapshot)
	}
	return append(args, extra...)
}

// Command returns the full argv for running op with args.
func Command(binary string, op types.Operation, args []string) []string {
	return append([]string{binary, Subcommand(op)}, args...)
}
