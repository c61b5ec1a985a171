package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flume.report/internal/calibration"
)

func TestCalibrationPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")

	m := calibration.NewManager(0.01)
	m.SetOrigin(100, 200)
	require.NoError(t, m.SetBoundary(46100, 23200))
	_, err := m.GenerateGrid(23000, 11500, nil)
	require.NoError(t, err)
	m.SetHomePosition(23100, 23200)

	require.NoError(t, saveCalibration(m, path))

	restored := calibration.NewManager(0.01)
	require.NoError(t, loadCalibration(restored, path))

	origin, ok := restored.Origin()
	require.True(t, ok)
	assert.Equal(t, 100, origin.XSteps)
	assert.Equal(t, 200, origin.YSteps)

	grid, ok := restored.Grid()
	require.True(t, ok)
	assert.Equal(t, 23000, grid.XSpacing)

	home, err := restored.HomePosition()
	require.NoError(t, err)
	assert.Equal(t, 23100, home.XSteps)
}

func TestLoadCalibrationMissingFileIsFine(t *testing.T) {
	m := calibration.NewManager(0.01)
	require.NoError(t, loadCalibration(m, filepath.Join(t.TempDir(), "nope.json")))
	_, ok := m.Origin()
	assert.False(t, ok)
}

func TestLoadCalibrationRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	m := calibration.NewManager(0.01)
	assert.Error(t, loadCalibration(m, path))
}
