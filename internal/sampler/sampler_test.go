package sampler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/flow"
	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/timeutil"
)

type planeKey struct {
	z   float64
	run int
}

// fakeStore records every storage interaction so tests can assert the
// close-exactly-once guarantee.
type fakeStore struct {
	mu      sync.Mutex
	planes  []planeKey
	records []MeasurementRecord
	closes  int

	// beginErr is returned by the next BeginPlane call if set, then cleared.
	beginErr error
}

func (s *fakeStore) BeginPlane(z float64, run int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		err := s.beginErr
		s.beginErr = nil
		return err
	}
	s.planes = append(s.planes, planeKey{z, run})
	return nil
}

func (s *fakeStore) Append(rec MeasurementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStore) snapshot() (planes []planeKey, records []MeasurementRecord, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]planeKey(nil), s.planes...), append([]MeasurementRecord(nil), s.records...), s.closes
}

type harness struct {
	sampler *Sampler
	motor   *fakeMotor
	sensor  *fakeSensor
	store   *fakeStore
	clock   *timeutil.MockClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Cleanup(monitoring.Mute())
	motor := &fakeMotor{completeAfter: 1}
	sensor := &fakeSensor{sample: goodSample()}
	store := &fakeStore{}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	synchro := NewSynchronizer(motor, sensor, clock, SynchronizerConfig{
		PositionTolerance: 1,
		PollInterval:      50 * time.Millisecond,
		SampleInterval:    100 * time.Millisecond,
		Gate:              testGate(),
	})
	decider := flow.NewDurationDecider(flow.PolicyLinear, 1.0, 0.5, 10*time.Second, 120*time.Second)
	s := New(synchro, motor, sensor, store, decider, clock, Options{
		MinSamples:       3,
		MaxBurstDuration: 2 * time.Minute,
		MotionTimeout:    time.Minute,
		RetryLimit:       3,
	})
	return &harness{sampler: s, motor: motor, sensor: sensor, store: store, clock: clock}
}

func gridPositions(n int) []calibration.Position {
	out := make([]calibration.Position, n)
	for i := range out {
		out[i] = calibration.Position{XSteps: i * 23000, YSteps: 46000, Label: "grid"}
	}
	return out
}

func waitDone(t *testing.T, s *Sampler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sequence worker did not finish")
	}
}

func waitState(t *testing.T, s *Sampler, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, s.State())
}

func TestSequenceHappyPath(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sampler.Start(gridPositions(3), 0.5))
	waitDone(t, h.sampler)

	planes, records, closes := h.store.snapshot()
	assert.Equal(t, []planeKey{{0.5, 1}}, planes)
	require.Len(t, records, 3)
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateIdle, h.sampler.State())

	for i, rec := range records {
		assert.Equal(t, i*23000, rec.Position.XSteps, "record %d", i)
		assert.Equal(t, 0.5, rec.ZPlane)
		assert.Equal(t, 1, rec.RunNumber)
		assert.False(t, rec.AllInvalid)
		assert.InDelta(t, 0.5, rec.UMean, 1e-9)
		assert.InDelta(t, 0.313, rec.FroudeNumber, 0.005)
		assert.Greater(t, rec.ValidSamples, 3)
	}

	st := h.sampler.Status()
	assert.Equal(t, 3, st.PositionsCompleted)
	assert.Equal(t, 0, st.MeasurementsFailed)
	assert.Greater(t, st.SamplesCollected, 9)
}

func TestRunNumbering(t *testing.T) {
	h := newHarness(t)

	runOnce := func(z float64) {
		require.NoError(t, h.sampler.Start(gridPositions(1), z))
		waitDone(t, h.sampler)
	}

	runOnce(0.5)
	runOnce(0.5)
	runOnce(0.7)
	runOnce(0.5) // new plane resets, even back to an earlier value

	planes, _, closes := h.store.snapshot()
	assert.Equal(t, []planeKey{{0.5, 1}, {0.5, 2}, {0.7, 1}, {0.5, 1}}, planes)
	assert.Equal(t, 4, closes)
}

func TestFailedStartKeepsRunNumber(t *testing.T) {
	h := newHarness(t)

	h.store.mu.Lock()
	h.store.beginErr = errors.New("database is locked")
	h.store.mu.Unlock()
	require.Error(t, h.sampler.Start(gridPositions(1), 0.5))
	assert.Equal(t, StateIdle, h.sampler.State())

	h.sensor.mu.Lock()
	h.sensor.startErr = errors.New("device not configured")
	h.sensor.mu.Unlock()
	require.Error(t, h.sampler.Start(gridPositions(1), 0.5))
	_, _, closes := h.store.snapshot()
	assert.Equal(t, 1, closes, "the opened plane is finalized when the stream fails to start")

	h.sensor.mu.Lock()
	h.sensor.startErr = nil
	h.sensor.mu.Unlock()
	require.NoError(t, h.sampler.Start(gridPositions(1), 0.5))
	waitDone(t, h.sampler)

	// Both failed starts at z=0.5 left the run counter untouched.
	planes, _, _ := h.store.snapshot()
	assert.Equal(t, []planeKey{{0.5, 1}, {0.5, 1}}, planes)
	assert.Equal(t, 1, h.sampler.Checkpoint().RunNumber)
}

func TestMotionFailureEscalates(t *testing.T) {
	h := newHarness(t)
	h.motor.completeAfter = -1 // stage never reports complete

	require.NoError(t, h.sampler.Start(gridPositions(2), 1.0))
	waitDone(t, h.sampler)

	assert.Equal(t, StateError, h.sampler.State())
	_, records, closes := h.store.snapshot()
	assert.Empty(t, records)
	assert.Equal(t, 1, closes, "storage must close exactly once on failure")
	assert.GreaterOrEqual(t, h.motor.stopCount(), 1, "motor stops in place on failure")

	// Initial attempt plus three retries, each retry preceded by the
	// escalating backoff.
	var backoffs []time.Duration
	for _, d := range h.clock.Sleeps() {
		if d >= 500*time.Millisecond {
			backoffs = append(backoffs, d)
		}
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, backoffs)

	// The error state is sticky until an operator reset.
	require.ErrorIs(t, h.sampler.Start(gridPositions(1), 1.0), ErrBadState)
	h.sampler.Abort()
	assert.Equal(t, StateIdle, h.sampler.State())

	h.motor.mu.Lock()
	h.motor.completeAfter = 1
	h.motor.mu.Unlock()
	require.NoError(t, h.sampler.Start(gridPositions(1), 1.0))
	waitDone(t, h.sampler)
}

func TestPauseResumeKeepsRecordsIdempotent(t *testing.T) {
	h := newHarness(t)

	// Pause from inside the second position's burst. The in-progress burst
	// is abandoned and the position re-sampled after resume, so the record
	// count matches the position count exactly.
	var once sync.Once
	h.sensor.onRead = func(n int) {
		if n > 150 {
			once.Do(func() {
				assert.NoError(t, h.sampler.Pause())
			})
		}
	}

	require.NoError(t, h.sampler.Start(gridPositions(3), 0.5))
	waitState(t, h.sampler, StatePaused)

	// Paused: no new records may appear.
	_, before, _ := h.store.snapshot()
	time.Sleep(20 * time.Millisecond)
	_, after, _ := h.store.snapshot()
	assert.Equal(t, len(before), len(after))

	h.sensor.mu.Lock()
	h.sensor.onRead = nil
	h.sensor.mu.Unlock()
	require.NoError(t, h.sampler.Resume())
	waitDone(t, h.sampler)

	_, records, closes := h.store.snapshot()
	assert.Len(t, records, 3)
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateIdle, h.sampler.State())
}

func TestPauseStopsStream(t *testing.T) {
	h := newHarness(t)

	var once sync.Once
	h.sensor.onRead = func(n int) {
		once.Do(func() {
			assert.NoError(t, h.sampler.Pause())
		})
	}

	require.NoError(t, h.sampler.Start(gridPositions(1), 0.5))
	waitState(t, h.sampler, StatePaused)

	_, starts, stops := h.sensor.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	h.sensor.mu.Lock()
	h.sensor.onRead = nil
	h.sensor.mu.Unlock()
	require.NoError(t, h.sampler.Resume())
	waitDone(t, h.sampler)

	_, starts, stops = h.sensor.counts()
	assert.Equal(t, 2, starts, "stream restarts on resume")
	assert.Equal(t, 2, stops, "stream stops again at sequence end")
}

func TestAbortFinalizesOnce(t *testing.T) {
	h := newHarness(t)

	var once sync.Once
	h.sensor.onRead = func(n int) {
		if n > 50 {
			once.Do(h.sampler.Abort)
		}
	}

	require.NoError(t, h.sampler.Start(gridPositions(5), 0.5))
	waitDone(t, h.sampler)

	assert.Equal(t, StateIdle, h.sampler.State())
	_, records, closes := h.store.snapshot()
	assert.Equal(t, 1, closes, "storage closes exactly once on abort")
	assert.Less(t, len(records), 5, "aborted sequence keeps only completed positions")
	assert.GreaterOrEqual(t, h.motor.stopCount(), 1, "abort stops the motor immediately")

	// Aborting again once idle is a no-op.
	h.sampler.Abort()
	_, _, closes = h.store.snapshot()
	assert.Equal(t, 1, closes)
}

func TestAbortWhilePaused(t *testing.T) {
	h := newHarness(t)

	var once sync.Once
	h.sensor.onRead = func(n int) {
		once.Do(func() {
			assert.NoError(t, h.sampler.Pause())
		})
	}

	require.NoError(t, h.sampler.Start(gridPositions(2), 0.5))
	waitState(t, h.sampler, StatePaused)

	h.sampler.Abort()
	waitDone(t, h.sampler)

	assert.Equal(t, StateIdle, h.sampler.State())
	_, _, closes := h.store.snapshot()
	assert.Equal(t, 1, closes)
}

func TestAllInvalidBurstStillStored(t *testing.T) {
	h := newHarness(t)
	h.sensor.sample = badSample()

	require.NoError(t, h.sampler.Start(gridPositions(1), 0.5))
	waitDone(t, h.sampler)

	_, records, _ := h.store.snapshot()
	require.Len(t, records, 1)
	assert.True(t, records[0].AllInvalid)
	assert.Equal(t, 0, records[0].ValidSamples)
	assert.NotZero(t, records[0].TotalSamples)
	assert.Zero(t, records[0].VelocityMagnitude)
	assert.Equal(t, StateIdle, h.sampler.State())
}

func TestDenseZoneExtendsBurst(t *testing.T) {
	h := newHarness(t)

	base := calibration.Position{XSteps: 1000, YSteps: 1000}
	dense := calibration.Position{XSteps: 2000, YSteps: 1000, InROI: true, DensityMultiplier: 2}

	require.NoError(t, h.sampler.Start([]calibration.Position{base, dense}, 0.5))
	waitDone(t, h.sampler)

	_, records, _ := h.store.snapshot()
	require.Len(t, records, 2)
	assert.Greater(t, records[1].Duration, records[0].Duration,
		"dense-zone positions sample longer at equal flow")
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.sampler.Start(nil, 0.5), ErrEmptySequence)

	require.NoError(t, h.sampler.StartCalibration())
	assert.Equal(t, StateCalibrating, h.sampler.State())
	require.ErrorIs(t, h.sampler.Start(gridPositions(1), 0.5), ErrBadState)
	require.ErrorIs(t, h.sampler.StartCalibration(), ErrBadState)
	require.NoError(t, h.sampler.FinishCalibration())
	require.ErrorIs(t, h.sampler.FinishCalibration(), ErrBadState)

	require.ErrorIs(t, h.sampler.Pause(), ErrBadState)
	require.ErrorIs(t, h.sampler.Resume(), ErrBadState)
}

func TestCheckpointTracksProgress(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sampler.Start(gridPositions(2), 1.5))
	waitDone(t, h.sampler)

	cp := h.sampler.Checkpoint()
	assert.Equal(t, StateIdle, cp.State)
	assert.Equal(t, 2, cp.PositionIndex)
	assert.Equal(t, 2, cp.TotalPositions)
	assert.Equal(t, 1.5, cp.ZPlane)
	assert.Equal(t, 1, cp.RunNumber)
}

func TestReturnHome(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sampler.ReturnHome(calibration.Point{XSteps: 23000, YSteps: 92000}))
	assert.Equal(t, [][2]int{{23000, 92000}}, h.motor.moveLog())
	assert.Equal(t, StateIdle, h.sampler.State())

	require.NoError(t, h.sampler.StartCalibration())
	require.ErrorIs(t, h.sampler.ReturnHome(calibration.Point{}), ErrBadState)
}

type recordingObserver struct {
	mu       sync.Mutex
	statesCh []stateChange
	records  []MeasurementRecord
	messages []string
}

func (o *recordingObserver) StateChanged(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statesCh = append(o.statesCh, stateChange{from, to})
}

func (o *recordingObserver) RecordCompleted(rec MeasurementRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *recordingObserver) StatusMessage(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func TestObserverNotifications(t *testing.T) {
	h := newHarness(t)
	obs := &recordingObserver{}
	id := h.sampler.Attach(obs)
	defer h.sampler.Detach(id)

	require.NoError(t, h.sampler.Start(gridPositions(2), 0.5))
	waitDone(t, h.sampler)

	// Delivery is asynchronous; give the dispatch goroutines a beat.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		obs.mu.Lock()
		n := len(obs.records)
		obs.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.records, 2)
	require.NotEmpty(t, obs.statesCh)
	assert.Equal(t, stateChange{StateIdle, StateMoving}, obs.statesCh[0])
	last := obs.statesCh[len(obs.statesCh)-1]
	assert.Equal(t, StateIdle, last.to)
	assert.NotEmpty(t, obs.messages)
}
