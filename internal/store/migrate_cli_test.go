package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "survey.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, dbPath))
	assert.Contains(t, out.String(), "all migrations applied")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, dbPath))
	assert.Contains(t, out.String(), "version 1 dirty=false")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"down"}, dbPath))
	assert.Contains(t, out.String(), "rolled back")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, dbPath))
	assert.Contains(t, out.String(), "version 0")
}

func TestRunMigrateCommandErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "survey.db")
	var out bytes.Buffer

	assert.Error(t, RunMigrateCommand(&out, nil, dbPath), "action required")
	assert.Error(t, RunMigrateCommand(&out, []string{"sideways"}, dbPath))
	assert.NoError(t, RunMigrateCommand(&out, []string{"help"}, dbPath))
}
