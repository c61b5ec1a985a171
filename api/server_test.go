package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flume.report/internal/adv"
	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/flow"
	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/motor"
	"github.com/banshee-data/flume.report/internal/sampler"
	"github.com/banshee-data/flume.report/internal/store"
	"github.com/banshee-data/flume.report/internal/timeutil"
)

type testServer struct {
	srv     *Server
	mux     *http.ServeMux
	sampler *sampler.Sampler
	calib   *calibration.Manager
	db      *store.DB
}

// newTestServer wires the full engine over simulated hardware: a fast mock
// stage, a synthetic probe with pacing disabled, and a temp-file database.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	db, err := store.Open(filepath.Join(t.TempDir(), "survey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(store.Migrations()))

	stage := motor.NewMock(2_000_000)
	probe := adv.NewMock(1)
	probe.Interval = 0

	clock := timeutil.RealClock{}
	synchro := sampler.NewSynchronizer(stage, probe, clock, sampler.SynchronizerConfig{
		PositionTolerance: 5,
		PollInterval:      time.Millisecond,
		SampleInterval:    time.Millisecond,
		Gate:              sampler.QualityGate{MinSNR: 5.0, MinCorrelation: 70.0},
	})
	decider := flow.NewDurationDecider(flow.PolicyLinear, 1.0, 0.5, 20*time.Millisecond, 100*time.Millisecond)
	smp := sampler.New(synchro, stage, probe, db.NewPlaneWriter(), decider, clock, sampler.Options{
		MinSamples:       5,
		MaxBurstDuration: 100 * time.Millisecond,
		MotionTimeout:    time.Second,
		RetryLimit:       3,
	})

	calib := calibration.NewManager(0.01)
	srv := NewServer(smp, stage, calib, db)
	return &testServer{srv: srv, mux: srv.ServeMux(), sampler: smp, calib: calib, db: db}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

// calibrate sets up a 3x2 grid directly on the manager for tests that start
// at acquisition.
func (ts *testServer) calibrate(t *testing.T) {
	t.Helper()
	ts.calib.SetOrigin(0, 0)
	require.NoError(t, ts.calib.SetBoundary(460, 230))
	_, err := ts.calib.GenerateGrid(230, 230, nil)
	require.NoError(t, err)
}

func (ts *testServer) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-ts.sampler.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for sequence worker")
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status sampler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, sampler.StateIdle, status.State)
	assert.Zero(t, status.TotalPositions)
}

func TestMethodChecks(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/status", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, "/start", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodGet, "/abort", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/planes", nil).Code)
}

func TestCalibrationWorkflow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/calibration/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// No coordinates: origin captured from the stage's current position.
	rec = ts.do(t, http.MethodPost, "/calibration/origin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap calibration.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.Origin)
	assert.Zero(t, snap.Origin.XSteps)

	rec = ts.do(t, http.MethodPost, "/calibration/boundary?x=46000&y=23000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := json.Marshal(gridRequest{XSpacing: 23000, YSpacing: 23000})
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/calibration/grid", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []calibration.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	assert.Len(t, positions, 6, "3x2 grid inclusive of both extents")

	rec = ts.do(t, http.MethodPost, "/calibration/finish", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status sampler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, sampler.StateIdle, status.State)
}

func TestBoundaryBeforeOriginRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/calibration/boundary?x=100&y=100", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartWithoutGrid(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/start?z=0.5", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartInvalidZ(t *testing.T) {
	ts := newTestServer(t)
	ts.calibrate(t)
	rec := ts.do(t, http.MethodPost, "/start?z=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcquisitionRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.calibrate(t)

	rec := ts.do(t, http.MethodPost, "/start?z=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second start while the sequence runs is a sequencing conflict.
	rec = ts.do(t, http.MethodPost, "/start?z=0.5", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.waitIdle(t)

	rec = ts.do(t, http.MethodGet, "/planes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var planes []store.Plane
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &planes))
	require.Len(t, planes, 1)
	assert.Equal(t, 0.5, planes[0].ZPlane)
	assert.Equal(t, 1, planes[0].RunNumber)
	assert.NotNil(t, planes[0].ClosedAt)

	rec = ts.do(t, http.MethodGet, "/measurements?plane_id="+planes[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ms []store.Measurement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ms))
	assert.Len(t, ms, 6)

	// Charts render over the latest plane when plane_id is omitted.
	rec = ts.do(t, http.MethodGet, "/plane-chart?metric=froude", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echarts")

	rec = ts.do(t, http.MethodGet, "/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echarts")
}

func TestPlaneChartUnknownMetric(t *testing.T) {
	ts := newTestServer(t)
	ts.calibrate(t)

	rec := ts.do(t, http.MethodPost, "/start?z=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ts.waitIdle(t)

	rec = ts.do(t, http.MethodGet, "/plane-chart?metric=vorticity", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeasurementsNoPlanes(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/measurements", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseIdleRejected(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/pause", nil).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/resume", nil).Code)
}

func TestAbortIdleIsHarmless(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status sampler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, sampler.StateIdle, status.State)
}

func TestReturnHome(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/home", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "no grid yet, no home position")

	ts.calibrate(t)
	rec = ts.do(t, http.MethodPost, "/home", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var home calibration.Point
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &home))
	assert.Equal(t, 230, home.XSteps, "grid center X")
	assert.Equal(t, 230, home.YSteps, "grid max Y")
}
