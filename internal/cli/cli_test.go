package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/config"
	gdtest "github.com/dl-alexandre/gdmirror/internal/testing"
	"github.com/dl-alexandre/gdmirror/internal/testing/fakedrive"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Command string           `json:"command"`
	TraceID string           `json:"traceId"`
	Data    json.RawMessage  `json:"data"`
	Errors  []types.CLIError `json:"errors"`
}

type cliResult struct {
	stdout string
	stderr string
	code   int
}

func (r cliResult) envelope(t *testing.T) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &env), "stdout: %s", r.stdout)
	return env
}

// resetFlags restores every flag to its default between executions of the
// shared command tree
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	code := Execute(gdtest.TestContext(t))
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

// setupCLI isolates the config directory and serves d instead of Drive
func setupCLI(t *testing.T, d *fakedrive.Drive) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvPrefix+"CONFIG_DIR", dir)
	t.Setenv(config.EnvPrefix+"USE_KEYRING", "false")
	t.Setenv(config.EnvPrefix+"ACCESS_TOKEN", "")

	prev := openRemote
	openRemote = func(ctx context.Context, cfg *config.Config, driveID string) (*remoteSession, error) {
		return &remoteSession{store: d, keys: api.NewResourceKeyManager(), source: "test"}, nil
	}
	t.Cleanup(func() { openRemote = prev })
	return dir
}

type runData struct {
	RunID  string          `json:"runId"`
	RootID string          `json:"rootId"`
	Status string          `json:"status"`
	Totals types.RunTotals `json:"totals"`
}

func decodeRun(t *testing.T, r cliResult) runData {
	t.Helper()
	var data runData
	require.NoError(t, json.Unmarshal(r.envelope(t).Data, &data))
	return data
}

func TestRunCommand_MirrorsThenSkips(t *testing.T) {
	d := gdtest.ScenarioDrive()
	setupCLI(t, d)
	out := filepath.Join(t.TempDir(), "mirror")

	res := executeCLI(t, "run", "--root", "root", "--out", out, "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	first := decodeRun(t, res)
	assert.Equal(t, 3, first.Totals.Completed)
	assert.Equal(t, "ok", first.Status)
	assert.NotEmpty(t, first.RunID)

	assert.Equal(t, map[string]string{
		"A.txt":     "0123456789",
		"Doc1.docx": "docx-bytes",
		"Sub/B.txt": "hello",
	}, gdtest.ReadTree(t, afero.NewOsFs(), out))

	res = executeCLI(t, "run", "--root", "root", "--out", out, "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	second := decodeRun(t, res)
	assert.Equal(t, 0, second.Totals.Completed)
	assert.Equal(t, 3, second.Totals.Skipped)

	res = executeCLI(t, "history", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &runs))
	assert.Len(t, runs, 2)
}

func TestRunCommand_SharedWithMe(t *testing.T) {
	d := gdtest.ScenarioDrive()
	d.AddFile(fakedrive.SharedID, "s1", "notes.txt", []byte("from a friend"))
	d.AddFolder(fakedrive.SharedID, "s2", "Team")
	d.AddFile("s2", "s3", "plan.txt", []byte("plan"))
	setupCLI(t, d)
	out := t.TempDir()

	res := executeCLI(t, "run", "--root", "shared", "--out", out, "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	data := decodeRun(t, res)
	assert.Equal(t, utils.SharedFolderAlias, data.RootID)
	assert.Equal(t, 2, data.Totals.Completed)

	assert.Equal(t, map[string]string{
		"notes.txt":     "from a friend",
		"Team/plan.txt": "plan",
	}, gdtest.ReadTree(t, afero.NewOsFs(), out))
	assert.Zero(t, d.Calls(fakedrive.OpDownload, "a"), "My Drive is not mirrored")
}

func TestRunCommand_PathRootAndFormat(t *testing.T) {
	d := gdtest.ScenarioDrive()
	d.AddNative("sub", "sheet", "Budget", types.SubtypeSpreadsheet, []byte("csv-bytes"))
	setupCLI(t, d)
	out := t.TempDir()

	res := executeCLI(t, "run", "--root", "/Sub", "--out", out, "--format", "spreadsheet=csv", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "sub", decodeRun(t, res).RootID)

	assert.Equal(t, map[string]string{
		"B.txt":      "hello",
		"Budget.csv": "csv-bytes",
	}, gdtest.ReadTree(t, afero.NewOsFs(), out))
	assert.Equal(t, []string{utils.FormatMappings["csv"]}, d.ExportedAs("sheet"))
}

func TestRunCommand_DryRunAndExclude(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())
	out := filepath.Join(t.TempDir(), "never")

	res := executeCLI(t, "run", "--out", out, "--dry-run", "--exclude", "Sub/", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	data := decodeRun(t, res)
	assert.Equal(t, 2, data.Totals.Planned)
	assert.Equal(t, 1, data.Totals.Excluded)
	assert.Equal(t, 0, data.Totals.Completed)

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err), "dry run must not create the output directory")
}

func TestRunCommand_Errors(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"missing out", []string{"run", "--json"}, utils.ExitInvalidArgument, utils.ErrCodeInvalidArgument},
		{"bad format", []string{"run", "--out", t.TempDir(), "--format", "document=wpd", "--json"}, utils.ExitInvalidArgument, utils.ErrCodeInvalidArgument},
		{"bad exclude", []string{"run", "--out", t.TempDir(), "--exclude", "a[", "--json"}, utils.ExitInvalidArgument, utils.ErrCodeInvalidArgument},
		{"missing root", []string{"run", "--root", "/Nope", "--out", t.TempDir(), "--json"}, utils.ExitFileNotFound, utils.ErrCodeFileNotFound},
		{"root is a file", []string{"run", "--root", "a", "--out", t.TempDir(), "--json"}, utils.ExitInvalidArgument, utils.ErrCodeInvalidArgument},
		{"unknown profile", []string{"run", "--profile", "ghost", "--json"}, utils.ExitInvalidArgument, utils.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executeCLI(t, tt.args...)
			assert.Equal(t, tt.wantCode, res.code, res.stdout)
			env := res.envelope(t)
			require.Len(t, env.Errors, 1)
			assert.Equal(t, tt.wantErr, env.Errors[0].Code)
		})
	}
}

func TestRunCommand_PartialFailureExitCode(t *testing.T) {
	d := gdtest.ScenarioDrive()
	d.FailNext(fakedrive.OpList, "sub", fakedrive.Transient(), fakedrive.Transient(), fakedrive.Transient())
	setupCLI(t, d)
	out := t.TempDir()

	res := executeCLI(t, "run", "--out", out, "--json")
	assert.Equal(t, utils.ExitPartialFailure, res.code)
	data := decodeRun(t, res)
	assert.Equal(t, "partial", data.Status)
	assert.Equal(t, 1, data.Totals.Failed)
	assert.Equal(t, 2, data.Totals.Completed)
}

func TestRunCommand_AuthFailureAborts(t *testing.T) {
	d := gdtest.ScenarioDrive()
	d.FailNext(fakedrive.OpList, fakedrive.RootID, fakedrive.AuthExpired())
	setupCLI(t, d)

	res := executeCLI(t, "run", "--out", t.TempDir(), "--json")
	assert.Equal(t, utils.ExitAuthExpired, res.code)
	env := res.envelope(t)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, utils.ErrCodeAuthExpired, env.Errors[0].Code)

	res = executeCLI(t, "history", "--json")
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "aborted", runs[0]["status"])
}

func TestProfileCommands(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())
	out := t.TempDir()

	res := executeCLI(t, "profile", "add", "work", "--root", "/Sub", "--out", out, "--concurrency", "2", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)

	res = executeCLI(t, "profile", "list", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	var profiles []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, "work", profiles[0]["name"])
	assert.Equal(t, "/Sub", profiles[0]["root"])

	res = executeCLI(t, "run", "--profile", "work", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, 1, decodeRun(t, res).Totals.Completed)
	assert.Equal(t, map[string]string{"B.txt": "hello"}, gdtest.ReadTree(t, afero.NewOsFs(), out))

	res = executeCLI(t, "history", "--profile", "work", "--json")
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &runs))
	assert.Len(t, runs, 1)

	res = executeCLI(t, "profile", "remove", "work", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)

	res = executeCLI(t, "profile", "remove", "work", "--json")
	assert.Equal(t, utils.ExitInvalidArgument, res.code)
}

func TestProfileAdd_RejectsBadFormat(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())

	res := executeCLI(t, "profile", "add", "bad", "--out", t.TempDir(), "--format", "video=mp4", "--json")
	assert.Equal(t, utils.ExitInvalidArgument, res.code)
}

func TestConfigCommands(t *testing.T) {
	dir := setupCLI(t, gdtest.ScenarioDrive())

	res := executeCLI(t, "config", "set", "concurrency", "8", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stdout)
	_, err := os.Stat(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)

	res = executeCLI(t, "config", "show", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &view))
	assert.EqualValues(t, 8, view["concurrency"])

	res = executeCLI(t, "config", "set", "concurrency", "0", "--json")
	assert.Equal(t, utils.ExitInvalidArgument, res.code)

	res = executeCLI(t, "config", "set", "colour", "on", "--json")
	assert.Equal(t, utils.ExitInvalidArgument, res.code)

	res = executeCLI(t, "config", "reset", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	cfg, err := config.LoadFile()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Concurrency, cfg.Concurrency)
}

func TestInvalidConfigBlocksRunButNotConfig(t *testing.T) {
	dir := setupCLI(t, gdtest.ScenarioDrive())
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(`{"concurrency": 999}`), 0600))

	res := executeCLI(t, "run", "--out", t.TempDir(), "--json")
	assert.Equal(t, utils.ExitInvalidConfig, res.code)

	res = executeCLI(t, "config", "set", "concurrency", "4", "--json")
	assert.Equal(t, utils.ExitSuccess, res.code, res.stdout)

	res = executeCLI(t, "run", "--out", t.TempDir(), "--json")
	assert.Equal(t, utils.ExitSuccess, res.code, res.stderr)
}

func TestAuthCommands(t *testing.T) {
	dir := setupCLI(t, gdtest.ScenarioDrive())

	res := executeCLI(t, "auth", "status", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &status))
	assert.Equal(t, false, status["authenticated"])

	tokenFile := filepath.Join(dir, "token.json")
	tok := map[string]interface{}{
		"access_token":  "ya29.test",
		"refresh_token": "1//refresh",
		"expiry":        time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tokenFile, data, 0600))

	res = executeCLI(t, "auth", "import", tokenFile, "--account", "work", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stdout)

	res = executeCLI(t, "auth", "status", "--account", "work", "--json")
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &status))
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, "stored", status["source"])
	assert.Equal(t, true, status["canRefresh"])

	res = executeCLI(t, "auth", "logout", "--account", "work", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stdout)

	res = executeCLI(t, "auth", "logout", "--account", "work", "--json")
	assert.Equal(t, utils.ExitAuthRequired, res.code)
}

func TestAuthStatus_EnvironmentToken(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())
	t.Setenv(config.EnvPrefix+"ACCESS_TOKEN", "ya29.env")

	res := executeCLI(t, "auth", "status", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(res.envelope(t).Data, &status))
	assert.Equal(t, "environment", status["source"])
}

func TestVersionAndTableOutput(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())

	res := executeCLI(t, "version", "--json")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Equal(t, "version", res.envelope(t).Command)

	res = executeCLI(t, "version")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "VERSION")

	res = executeCLI(t, "profile", "list")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "No profiles saved")

	res = executeCLI(t, "run", "--out", t.TempDir(), "--quiet")
	require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "COMPLETED")
}

func TestUnknownFlagIsInvalidArgument(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())

	res := executeCLI(t, "run", "--no-such-flag")
	assert.Equal(t, utils.ExitInvalidArgument, res.code)
	assert.Contains(t, res.stderr, "unknown flag")
}

func TestExecute_EachCallGetsItsOwnContext(t *testing.T) {
	setupCLI(t, gdtest.ScenarioDrive())

	t.Run("first", func(t *testing.T) {
		res := executeCLI(t, "version", "--json")
		require.Equal(t, utils.ExitSuccess, res.code, res.stderr)
	})

	// the first call's context has been cancelled by now
	t.Run("second", func(t *testing.T) {
		res := executeCLI(t, "run", "--out", t.TempDir(), "--json")
		require.Equal(t, utils.ExitSuccess, res.code, res.stdout)
		assert.Equal(t, 3, decodeRun(t, res).Totals.Completed)
	})
}
