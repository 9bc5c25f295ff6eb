package model_test

import (
	"testing"
	"time"

	"github.com/jvs-project/txfs/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := model.DefaultOptions()
	assert.Equal(t, model.ModeRequired, o.Mode)
	assert.Equal(t, model.IsolationReadCommitted, o.IsolationLevel)
	assert.Equal(t, model.BlockCommitUntilComplete, o.DependentOption)
	assert.False(t, o.Fork)
	assert.Zero(t, o.Timeout)
	require.NoError(t, o.Validate())
}

func TestNormalize_FillsDefaults(t *testing.T) {
	o := model.TransactionOptions{Fork: true}.Normalize()
	assert.Equal(t, model.ModeRequired, o.Mode)
	assert.Equal(t, model.IsolationReadCommitted, o.IsolationLevel)
	assert.True(t, o.Fork)
	require.NoError(t, o.Validate())
}

func TestNormalize_CopiesCustomContext(t *testing.T) {
	cc := map[string]any{"user": "alice"}
	o := model.TransactionOptions{CustomContext: cc}.Normalize()
	cc["user"] = "mallory"
	cc["extra"] = 1

	assert.Equal(t, "alice", o.CustomContext["user"])
	assert.NotContains(t, o.CustomContext, "extra")
}

func TestValidate_Rejects(t *testing.T) {
	base := model.DefaultOptions()

	bad := base
	bad.Mode = "sometimes"
	assert.Error(t, bad.Validate())

	bad = base
	bad.IsolationLevel = "dirty"
	assert.Error(t, bad.Validate())

	bad = base
	bad.DependentOption = "maybe"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Timeout = -time.Second
	assert.Error(t, bad.Validate())
}

func TestTransactionState_String(t *testing.T) {
	assert.Equal(t, "Active", model.StateActive.String())
	assert.Equal(t, "CommittedOrCompleted", model.StateCommittedOrCompleted.String())
	assert.Equal(t, "Disposed", model.StateDisposed.String())
	assert.Equal(t, "TransactionState(42)", model.TransactionState(42).String())
}
