package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appAudit "github.com/bountyhub/bountyhub/internal/application/audit"
	"github.com/bountyhub/bountyhub/internal/config"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/internal/infrastructure/docstore"
	"github.com/bountyhub/bountyhub/internal/infrastructure/memory"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { cfgFile = "" })
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bountyhub.yaml")

	out, err := runCmd(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultYAML, string(data))

	_, err = runCmd(t, "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	_, err = runCmd(t, "init", "--config", path, "--force")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultYAML, string(data))
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bountyhub dev (none)")
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	renderStats(&buf, task.NewStats(map[task.Status]int{
		task.StatusCompleted: 3,
		task.StatusFailed:    1,
	}, 2))

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, string(task.StatusCompleted))
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "success rate: 75.0%")
	assert.Contains(t, out, "dead letters: 2")
}

func TestRenderDeadLetters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dl := &task.DeadLetter{
		ID:             "tsk_1",
		OriginalTaskID: "tsk_1",
		Task:           &task.Task{ID: "tsk_1", Type: task.TypeWebhookRetry},
		FailureReason:  "endpoint returned 410",
		FailureCount:   5,
		LastAttemptAt:  now,
	}
	var buf bytes.Buffer
	renderDeadLetters(&buf, []*task.DeadLetter{dl})

	out := buf.String()
	assert.Contains(t, out, "tsk_1")
	assert.Contains(t, out, string(task.TypeWebhookRetry))
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
	assert.Contains(t, out, "endpoint returned 410")
}

func TestLoadMachines(t *testing.T) {
	store := memory.NewStore()
	auditor := appAudit.NewService(docstore.NewAuditRepository(store), zerolog.Nop())

	machines, err := loadMachines(&config.Config{}, auditor, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, machines.Bounties)
	require.NotNil(t, machines.Applications)
	require.NotNil(t, machines.Payments)

	dir := t.TempDir()
	override := filepath.Join(dir, "machines.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
stateMachines:
  - entityType: application
    initialState: pending
    finalStates: [accepted, rejected]
    transitions:
      - {from: pending, to: accepted, allowedRoles: [business]}
      - {from: pending, to: rejected, allowedRoles: [business, admin]}
`), 0o644))

	machines, err = loadMachines(&config.Config{StateMachinesFile: override}, auditor, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, machines.Applications.CanTransition("pending", "withdrawn", sm.Context{Role: sm.RoleCreator}))
	assert.True(t, machines.Applications.CanTransition("pending", "accepted", sm.Context{Role: sm.RoleBusiness}))

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("stateMachines:\n  - {entityType: invoice, initialState: a, transitions: [{from: a, to: b}]}\n"), 0o644))
	_, err = loadMachines(&config.Config{StateMachinesFile: unknown}, auditor, zerolog.Nop())
	assert.ErrorContains(t, err, "invoice")

	_, err = loadMachines(&config.Config{StateMachinesFile: filepath.Join(dir, "missing.yaml")}, auditor, zerolog.Nop())
	assert.Error(t, err)
}
