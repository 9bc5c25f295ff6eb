package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/txfs/internal/doctor"
	"github.com/jvs-project/txfs/internal/plan"
	"github.com/jvs-project/txfs/pkg/color"
	"github.com/jvs-project/txfs/pkg/config"
)

func executeCommand(root *cobra.Command, args ...string) (stdout string, err error) {
	// Capture os.Stdout since CLI uses fmt.Printf directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	root.SetArgs(args)
	err = root.Execute()

	w.Close()
	os.Stdout = oldStdout
	return <-done, err
}

func createTestRootCmd() *cobra.Command {
	jsonOutput = false
	rootDir = "."
	logLevel = ""
	applyDryRun, applyProgress, applyMetrics = false, false, false
	logLimit = 20
	doctorStrict, doctorRepair, doctorStaleAfter = false, false, doctor.DefaultStaleAfter
	color.Disable()

	cmd := &cobra.Command{
		Use:           "txfs",
		Short:         rootCmd.Short,
		Long:          rootCmd.Long,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&rootDir, "root", ".", "")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "")
	cmd.AddCommand(applyCmd, jailCmd, logCmd, configCmd, doctorCmd)
	return cmd
}

// setupRoot returns a root whose config keeps fsync off and logs quietly.
func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.KTM.Fsync = false
	cfg.Logging.Level = "error"
	require.NoError(t, config.Save(root, cfg))
	return root
}

func writePlan(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

const seedPlan = `
description: seed
steps:
  - op: mkdir
    path: data
  - op: parallel
    steps:
      - op: write
        path: data/a.txt
        text: a
      - op: write
        path: data/b.txt
        text: b
`

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand(createTestRootCmd(), "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "transactional filesystem")
}

func TestRootCommand_JSONFlag(t *testing.T) {
	cmd := createTestRootCmd()
	_, err := executeCommand(cmd, "--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestApplyCommand_Commits(t *testing.T) {
	root := setupRoot(t)
	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, seedPlan))
	require.NoError(t, err)
	assert.Contains(t, stdout, "committed 3 steps")

	data, err := os.ReadFile(filepath.Join(root, "data", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestApplyCommand_JSON(t *testing.T) {
	root := setupRoot(t)
	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "--json", "apply", writePlan(t, seedPlan))
	require.NoError(t, err)

	var res plan.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Committed)
	assert.Equal(t, "seed", res.Description)
	assert.Equal(t, 3, res.Executed)
}

func TestApplyCommand_RollsBack(t *testing.T) {
	root := setupRoot(t)
	doc := "steps:\n  - op: write\n    path: a.txt\n    text: a\n  - op: delete\n    path: missing.txt\n"
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, doc))
	assert.ErrorContains(t, err, "plan rolled back")
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
}

func TestApplyCommand_DryRun(t *testing.T) {
	root := setupRoot(t)
	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "apply", "--dry-run", writePlan(t, seedPlan))
	require.NoError(t, err)
	assert.Contains(t, stdout, "valid plan")
	assert.NoDirExists(t, filepath.Join(root, "data"))
}

func TestApplyCommand_InvalidPlan(t *testing.T) {
	root := setupRoot(t)
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, "steps:\n  - op: chmod\n    path: a\n"))
	assert.ErrorContains(t, err, "unknown op")
}

func TestJailCheckCommand(t *testing.T) {
	root := setupRoot(t)

	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "jail", "check", "data/a.txt")
	require.NoError(t, err)
	assert.Contains(t, stdout, "allowed")
	assert.Contains(t, stdout, filepath.Join(root, "data", "a.txt"))

	stdout, err = executeCommand(createTestRootCmd(), "--root", root, "jail", "check", "ok.txt", "../outside.txt")
	assert.ErrorContains(t, err, "1 path(s) outside jail")
	assert.Contains(t, stdout, "denied")
}

func TestJailCheckCommand_JSON(t *testing.T) {
	root := setupRoot(t)
	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "--json", "jail", "check", "x.txt")
	require.NoError(t, err)

	var results []jailResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Allowed)
}

func TestLogCommands(t *testing.T) {
	root := setupRoot(t)
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, seedPlan))
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "log", "verify")
	require.NoError(t, err)
	assert.Contains(t, stdout, "OK")

	stdout, err = executeCommand(createTestRootCmd(), "--root", root, "--json", "log", "show")
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	assert.NotEmpty(t, records)
}

func TestLogVerify_Tampered(t *testing.T) {
	root := setupRoot(t)
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, seedPlan))
	require.NoError(t, err)

	logPath := filepath.Join(root, config.Dir, "tx.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"event_type":"commit"`), []byte(`"event_type":"abort"`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(logPath, tampered, 0644))

	_, err = executeCommand(createTestRootCmd(), "--root", root, "log", "verify")
	assert.Error(t, err)
}

func TestLogVerify_Disabled(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.KTM.LogPath = ""
	require.NoError(t, config.Save(root, cfg))

	_, err := executeCommand(createTestRootCmd(), "--root", root, "log", "verify")
	assert.ErrorContains(t, err, "disabled")
}

func TestConfigCommands(t *testing.T) {
	root := t.TempDir()

	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, config.Path(root))
	assert.Contains(t, stdout, "dependent_option: block_commit_until_complete")

	_, err = executeCommand(createTestRootCmd(), "--root", root, "config", "set", "transaction.isolation", "serializable")
	require.NoError(t, err)

	stdout, err = executeCommand(createTestRootCmd(), "--root", root, "config", "get", "transaction.isolation")
	require.NoError(t, err)
	assert.Equal(t, "serializable\n", stdout)

	_, err = executeCommand(createTestRootCmd(), "--root", root, "config", "set", "logging.level", "loud")
	assert.Error(t, err)
	_, err = executeCommand(createTestRootCmd(), "--root", root, "config", "get", "nope")
	assert.ErrorContains(t, err, "unknown config key")
}

func TestLogLevelOverride(t *testing.T) {
	root := t.TempDir()
	stdout, err := executeCommand(createTestRootCmd(), "--root", root, "--log-level", "debug", "config", "get", "logging.level")
	require.NoError(t, err)
	assert.Equal(t, "debug\n", stdout)

	_, err = executeCommand(createTestRootCmd(), "--root", root, "--log-level", "loud", "config", "get", "logging.level")
	assert.Error(t, err)
}

func TestDoctorCommand_Healthy(t *testing.T) {
	root := setupRoot(t)
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, seedPlan))
	require.NoError(t, err)

	out, err := executeCommand(createTestRootCmd(), "--root", root, "doctor", "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, "Root is healthy.")
}

func TestDoctorCommand_Repair(t *testing.T) {
	root := setupRoot(t)
	stale := filepath.Join(root, config.Dir, "staging", "abandoned")
	require.NoError(t, os.MkdirAll(stale, 0700))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, err := executeCommand(createTestRootCmd(), "--root", root, "doctor")
	require.NoError(t, err, "abandoned staging is only a warning")
	assert.Contains(t, out, "abandoned staging directory")
	assert.DirExists(t, stale)

	out, err = executeCommand(createTestRootCmd(), "--root", root, "doctor", "--repair")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")
	assert.NoDirExists(t, stale)
}

func TestDoctorCommand_TamperedLogJSON(t *testing.T) {
	root := setupRoot(t)
	_, err := executeCommand(createTestRootCmd(), "--root", root, "apply", writePlan(t, seedPlan))
	require.NoError(t, err)

	logPath := filepath.Join(root, config.Dir, "tx.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"event_type":"commit"`), []byte(`"event_type":"abort"`), 1)
	require.NoError(t, os.WriteFile(logPath, tampered, 0644))

	out, err := executeCommand(createTestRootCmd(), "--root", root, "--json", "doctor")
	assert.ErrorIs(t, err, errUnhealthy)

	var result doctor.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Healthy)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "log", result.Findings[0].Category)
}
