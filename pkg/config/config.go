package config

import (
	"path"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bitia-ru/container-volume-backup/pkg/orchestrator"
	"github.com/bitia-ru/container-volume-backup/pkg/restic"
	"github.com/bitia-ru/container-volume-backup/pkg/types"
	"github.com/bitia-ru/container-volume-backup/pkg/worker"
)

// Config is the process configuration, read once at startup from the
// environment and command line flags.
type Config struct {
	Cron        string
	Include     []string
	Exclude     []string
	Host        string
	Tags        []string
	Retention   restic.Retention
	Binary      string
	BindRoot    string
	TempDir     string
	RestoreFile string

	SupervisorAddress string
	SupervisorAPIKey  string
	ServiceName       string

	LogLevel    string
	Development bool
	DryRun      bool
	Verbosity   int
}

// keys are environment variable names; flags bound to them take precedence.
const (
	keyCron              = "BACKUP_CRON"
	keyInclude           = "INCLUDE_VOLUMES"
	keyExclude           = "EXCLUDE_VOLUMES"
	keyHost              = "RESTIC_HOST"
	keyTags              = "RESTIC_TAGS"
	keyKeepYearly        = "RESTIC_KEEP_YEARLY"
	keyKeepMonthly       = "RESTIC_KEEP_MONTHLY"
	keyKeepWeekly        = "RESTIC_KEEP_WEEKLY"
	keyKeepDaily         = "RESTIC_KEEP_DAILY"
	keyKeepHourly        = "RESTIC_KEEP_HOURLY"
	keyBinary            = "RESTIC_BINARY"
	keyBindRoot          = "BIND_ROOT"
	keyTempDir           = "TMPDIR"
	keyRestoreFile       = "RESTORE_FILE"
	keySupervisorAddress = "BALENA_SUPERVISOR_ADDRESS"
	keySupervisorAPIKey  = "BALENA_SUPERVISOR_API_KEY"
	keyServiceName       = "BALENA_SERVICE_NAME"
	keyLogLevel          = "LOG_LEVEL"
	keyMode              = "MODE"
	keyDryRun            = "DRY_RUN"
	keyVerbose           = "VERBOSE"
)

var flagKeys = map[string]string{
	"cron":    keyCron,
	"include": keyInclude,
	"exclude": keyExclude,
	"host":    keyHost,
	"tag":     keyTags,
	"dry-run": keyDryRun,
	"verbose": keyVerbose,
}

// RegisterFlags adds the command line flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Bool("dry-run", false, "Show what would be done without changing anything")
	fs.CountP("verbose", "v", "Increase backup tool verbosity (repeatable)")
	fs.String("include", "", "Only volumes matching these names (comma, semicolon or space separated)")
	fs.String("exclude", "", "Never these volumes (comma, semicolon or space separated)")
	fs.String("cron", "", "Backup schedule for daemon mode")
	fs.String("host", "", "Host name recorded in snapshots")
	fs.String("tag", "", "Snapshot tags (comma, semicolon or space separated)")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(keyCron, "0 */8 * * *")
	v.SetDefault(keyKeepYearly, restic.DefaultRetention.Yearly)
	v.SetDefault(keyKeepMonthly, restic.DefaultRetention.Monthly)
	v.SetDefault(keyKeepWeekly, restic.DefaultRetention.Weekly)
	v.SetDefault(keyKeepDaily, restic.DefaultRetention.Daily)
	v.SetDefault(keyKeepHourly, restic.DefaultRetention.Hourly)
	v.SetDefault(keyBinary, "restic")
	v.SetDefault(keyBindRoot, "/data")
	v.SetDefault(keyTempDir, "/tmp")
	v.SetDefault(keyRestoreFile, "/tmp/restore")
	v.SetDefault(keyLogLevel, "info")
	return v
}

// Load reads the configuration. fs may be nil; when given, its flags must
// have been registered with RegisterFlags and parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := newViper()
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag --%s", name)
				}
			}
		}
	}

	cfg := &Config{
		Cron:        strings.TrimSpace(v.GetString(keyCron)),
		Include:     SplitList(v.GetString(keyInclude)),
		Exclude:     SplitList(v.GetString(keyExclude)),
		Host:        v.GetString(keyHost),
		Tags:        SplitList(v.GetString(keyTags)),
		Binary:      v.GetString(keyBinary),
		BindRoot:    v.GetString(keyBindRoot),
		TempDir:     v.GetString(keyTempDir),
		RestoreFile: v.GetString(keyRestoreFile),
		Retention: restic.Retention{
			Yearly:  v.GetInt(keyKeepYearly),
			Monthly: v.GetInt(keyKeepMonthly),
			Weekly:  v.GetInt(keyKeepWeekly),
			Daily:   v.GetInt(keyKeepDaily),
			Hourly:  v.GetInt(keyKeepHourly),
		},
		SupervisorAddress: strings.TrimRight(v.GetString(keySupervisorAddress), "/"),
		SupervisorAPIKey:  v.GetString(keySupervisorAPIKey),
		ServiceName:       v.GetString(keyServiceName),
		LogLevel:          v.GetString(keyLogLevel),
		Development:       v.GetString(keyMode) == "development",
		DryRun:            v.GetBool(keyDryRun),
		Verbosity:         v.GetInt(keyVerbose),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Binary == "" {
		return errors.Errorf("%s must not be empty", keyBinary)
	}
	if !path.IsAbs(c.BindRoot) {
		return errors.Errorf("%s must be an absolute path, got %q", keyBindRoot, c.BindRoot)
	}
	if c.TempDir != "" && !path.IsAbs(c.TempDir) {
		return errors.Errorf("%s must be an absolute path, got %q", keyTempDir, c.TempDir)
	}
	r := c.Retention
	for _, n := range []int{r.Yearly, r.Monthly, r.Weekly, r.Daily, r.Hourly} {
		if n < 0 {
			return errors.Errorf("retention counts must not be negative: %+v", r)
		}
	}
	if c.Verbosity < 0 {
		return errors.Errorf("verbosity must not be negative")
	}
	return nil
}

// SupervisorEnabled reports whether a supervisor API is configured.
func (c *Config) SupervisorEnabled() bool {
	return c.SupervisorAddress != "" && c.SupervisorAPIKey != ""
}

// Settings derives the orchestrator settings. env supplies the variables
// forwarded to worker containers.
func (c *Config) Settings(env worker.LookupFunc) orchestrator.Settings {
	return orchestrator.Settings{
		Include:   c.Include,
		Exclude:   c.Exclude,
		BindRoot:  c.BindRoot,
		TempDir:   c.TempDir,
		Env:       env,
		Retention: c.Retention,
		Host:      c.Host,
		Tags:      c.Tags,
	}
}

// OperationContext builds the per-invocation context for op.
func (c *Config) OperationContext(op types.Operation, args []string) types.OperationContext {
	return types.OperationContext{
		Operation: op,
		Args:      args,
		DryRun:    c.DryRun,
		Verbosity: c.Verbosity,
	}
}

// SplitList splits a list given as one string on runs of whitespace, commas
// and semicolons.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
}
