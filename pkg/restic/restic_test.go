package restic

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	utilsexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"

	"github.com/bitia-ru/container-volume-backup/pkg/types"
)

// scripted returns a FakeExec that answers successive commands with the
// given stdout, stderr and error, recording each argv.
func scripted(argvs *[][]string, results ...testingexec.FakeAction) *testingexec.FakeExec {
	fe := &testingexec.FakeExec{}
	for _, res := range results {
		res := res
		fe.CommandScript = append(fe.CommandScript, func(cmd string, args ...string) utilsexec.Cmd {
			*argvs = append(*argvs, append([]string{cmd}, args...))
			fc := &testingexec.FakeCmd{RunScript: []testingexec.FakeAction{res}}
			return testingexec.InitFakeCmd(fc, cmd, args...)
		})
	}
	return fe
}

func ok(stdout string) testingexec.FakeAction {
	return func() ([]byte, []byte, error) { return []byte(stdout), nil, nil }
}

func fail(stderr string, code int) testingexec.FakeAction {
	return func() ([]byte, []byte, error) {
		return nil, []byte(stderr), testingexec.FakeExitError{Status: code}
	}
}

func TestRun_ReturnsStdoutAndStreamsLines(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var argvs [][]string
	fe := scripted(&argvs, ok("ID        Time\n1a2b3c4d  2024-01-01\n"))
	r := NewRunner(fe, "restic", zap.New(core))

	out, err := r.Run(context.Background(), types.OpList, []string{"--host", "dev1"})
	require.NoError(t, err)
	assert.Equal(t, "ID        Time\n1a2b3c4d  2024-01-01\n", out)
	assert.Equal(t, [][]string{{"restic", "snapshots", "--host", "dev1"}}, argvs)

	lines := logs.FilterLevelExact(zapcore.InfoLevel).All()
	require.Len(t, lines, 2)
	assert.Equal(t, "1a2b3c4d  2024-01-01", lines[1].Message)
}

func TestRun_NonZeroExitIsBackupToolError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var argvs [][]string
	fe := scripted(&argvs, fail("Fatal: wrong password or no key found\n", 1))
	r := NewRunner(fe, "restic", zap.New(core))

	_, err := r.Run(context.Background(), types.OpPrune, []string{"--prune"})
	var terr *types.BackupToolError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 1, terr.ExitCode)
	assert.Equal(t, []string{"restic", "forget", "--prune"}, terr.Command)
	assert.Contains(t, terr.Stderr, "wrong password")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestEnsureRepository_Exists(t *testing.T) {
	var argvs [][]string
	fe := scripted(&argvs, ok(`{"version":2}`))
	r := NewRunner(fe, "restic", zap.NewNop())

	created, err := r.EnsureRepository(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, [][]string{{"restic", "cat", "config"}}, argvs)
}

func TestEnsureRepository_Initialises(t *testing.T) {
	var argvs [][]string
	fe := scripted(&argvs,
		fail("Fatal: unable to open config file: Stat: stat /repo/config: no such file or directory\n", 1),
		ok("created restic repository 1a2b3c at /repo\n"),
	)
	r := NewRunner(fe, "restic", zap.NewNop())

	created, err := r.EnsureRepository(context.Background())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, [][]string{{"restic", "cat", "config"}, {"restic", "init"}}, argvs)
}

func TestEnsureRepository_AlreadyInitialisedIsNotAnError(t *testing.T) {
	var argvs [][]string
	fe := scripted(&argvs,
		fail("Fatal: wrong password\n", 1),
		fail("Fatal: create key in repository at /repo failed: repository master key and config already initialized\n", 1),
	)
	r := NewRunner(fe, "restic", zap.NewNop())

	created, err := r.EnsureRepository(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEnsureRepository_InitFails(t *testing.T) {
	var argvs [][]string
	fe := scripted(&argvs,
		fail("Fatal: unable to open config file\n", 1),
		fail("Fatal: create repository at s3:host/bucket failed: Access Denied\n", 1),
	)
	r := NewRunner(fe, "restic", zap.NewNop())

	_, err := r.EnsureRepository(context.Background())
	var terr *types.BackupToolError
	require.True(t, errors.As(err, &terr))
	assert.Contains(t, terr.Error(), "Access Denied")
}
