// Package sampler implements the acquisition orchestration engine for the
// flume survey: a single-worker state machine that steps the XY stage
// through a calibrated position sequence, collects an adaptively-sized
// sample burst at each stop, and hands the finished measurement records to
// the storage collaborator.
//
// Concurrency model: one control loop per session. The worker goroutine
// exclusively owns all motor and sensor I/O while a sequence is active.
// Pause and abort are cooperative, observed only at suspension points
// (after verified motion, between sample reads, between positions); abort
// additionally fires an immediate motor stop without going through the
// verification path. Observer notifications are one-way and never block
// the worker.
package sampler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/flow"
	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/timeutil"
)

// Options carries the sampler-level tuning parameters.
type Options struct {
	// MinSamples is the valid-sample count needed before the flow regime
	// is estimated and the burst duration decided.
	MinSamples int

	// MaxBurstDuration caps every burst regardless of the decided duration.
	MaxBurstDuration time.Duration

	// MotionTimeout bounds each motion verification attempt.
	MotionTimeout time.Duration

	// RetryLimit is the number of motion retries after the first failed
	// attempt, each preceded by the backoff schedule delay.
	RetryLimit int
}

type suspendAction int

const (
	actionContinue suspendAction = iota
	actionAbort
)

// Sampler is the acquisition state machine. Construct with New; all
// exported methods are safe for concurrent use, but only the internal
// worker mutates the sequence state.
type Sampler struct {
	synchro *Synchronizer
	motor   Motor
	sensor  Sensor
	store   Storage
	clock   timeutil.Clock
	decider *flow.DurationDecider
	notify  *notifier
	opts    Options

	mu        sync.Mutex
	state     State
	runCtx    RunContext
	positions []calibration.Position
	index     int
	completed int
	samples   int
	failed    int
	running   bool

	paused    atomic.Bool
	resumeCh  chan struct{}
	abortCh   chan struct{}
	abortOnce *sync.Once
	storeOnce *sync.Once
	done      chan struct{}
}

// New creates a Sampler over the given collaborators. The decider supplies
// the adaptive-duration policy; clock should be timeutil.RealClock{} outside
// of tests.
func New(synchro *Synchronizer, motor Motor, sensor Sensor, store Storage,
	decider *flow.DurationDecider, clock timeutil.Clock, opts Options) *Sampler {

	if opts.RetryLimit <= 0 {
		opts.RetryLimit = len(retryDelays)
	}
	done := make(chan struct{})
	close(done)
	return &Sampler{
		synchro: synchro,
		motor:   motor,
		sensor:  sensor,
		store:   store,
		clock:   clock,
		decider: decider,
		notify:  newNotifier(),
		opts:    opts,
		state:   StateIdle,
		done:    done,
	}
}

// Attach registers an observer for state, record, and status notifications.
func (s *Sampler) Attach(obs Observer) string { return s.notify.attach(obs) }

// Detach removes a previously attached observer.
func (s *Sampler) Detach(id string) { s.notify.detach(id) }

// State returns a snapshot of the current machine state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a point-in-time snapshot for observers.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:              s.state,
		ZPlane:             s.runCtx.ZPlane,
		RunNumber:          s.runCtx.RunNumber,
		PositionIndex:      s.index,
		TotalPositions:     len(s.positions),
		PositionsCompleted: s.completed,
		SamplesCollected:   s.samples,
		MeasurementsFailed: s.failed,
	}
}

// Checkpoint returns the serializable resume point of the sequence.
func (s *Sampler) Checkpoint() SequenceCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SequenceCheckpoint{
		State:          s.state,
		PositionIndex:  s.index,
		TotalPositions: len(s.positions),
		ZPlane:         s.runCtx.ZPlane,
		RunNumber:      s.runCtx.RunNumber,
	}
}

// Done returns a channel closed when the current sequence worker exits.
func (s *Sampler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// StartCalibration moves the machine into the interactive calibration
// phase. Valid only from idle.
func (s *Sampler) StartCalibration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot calibrate from %s", ErrBadState, s.state)
	}
	s.transitionLocked(StateCalibrating)
	return nil
}

// FinishCalibration ends the calibration phase, on completion or abort.
func (s *Sampler) FinishCalibration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCalibrating {
		return fmt.Errorf("%w: not calibrating", ErrBadState)
	}
	s.transitionLocked(StateIdle)
	return nil
}

// Start begins an acquisition sequence over the given positions at the
// given Z-plane. A repeated Z value increments the run counter; a new value
// resets it to 1. The sequence executes on a dedicated worker goroutine;
// use Done, observers, or Status to follow progress.
func (s *Sampler) Start(positions []calibration.Position, zPlane float64) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start acquisition from %s", ErrBadState, s.state)
	}
	if len(positions) == 0 {
		s.mu.Unlock()
		return ErrEmptySequence
	}

	// The run context commits only once both collaborators accept the
	// start, so a failed start never consumes a run number.
	next := s.runCtx
	next.Advance(zPlane)
	z, run := next.ZPlane, next.RunNumber
	s.mu.Unlock()

	if err := s.store.BeginPlane(z, run); err != nil {
		return fmt.Errorf("storage begin plane: %w", err)
	}
	storeOnce := &sync.Once{}
	if err := s.sensor.StartStream(); err != nil {
		storeOnce.Do(func() { s.closeStoreWith() })
		return fmt.Errorf("sensor start stream: %w", err)
	}

	s.mu.Lock()
	s.runCtx = next
	s.positions = positions
	s.index = 0
	s.completed = 0
	s.samples = 0
	s.failed = 0
	s.running = true
	s.paused.Store(false)
	s.resumeCh = make(chan struct{}, 1)
	s.abortCh = make(chan struct{})
	s.abortOnce = &sync.Once{}
	s.storeOnce = storeOnce
	s.done = make(chan struct{})
	s.transitionLocked(StateMoving)
	s.mu.Unlock()

	monitoring.Logf("sampler: acquisition started, z=%v run=%d positions=%d", z, run, len(positions))
	s.notify.statusMessage(fmt.Sprintf("acquisition started: z=%v run=%d, %d positions", z, run, len(positions)))
	go s.run()
	return nil
}

// Pause requests a cooperative pause. The worker suspends at the next
// suspension point; all completed records are preserved.
func (s *Sampler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateMoving && s.state != StateSampling {
		return fmt.Errorf("%w: cannot pause from %s", ErrBadState, s.state)
	}
	s.paused.Store(true)
	monitoring.Logf("sampler: pause requested")
	return nil
}

// Resume continues a paused sequence in the phase it was paused in.
func (s *Sampler) Resume() error {
	if !s.paused.Load() {
		return fmt.Errorf("%w: not paused", ErrBadState)
	}
	s.paused.Store(false)
	s.mu.Lock()
	ch := s.resumeCh
	s.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
	monitoring.Logf("sampler: resume requested")
	return nil
}

// Abort stops the sequence: the motor is commanded to stop in place
// immediately (fire-and-forget), the worker finalizes storage at its next
// suspension point, and the machine returns to idle. Abort is also the
// operator reset out of the error state.
func (s *Sampler) Abort() {
	// Immediate physical stop, outside the verification path.
	if err := s.motor.Stop(); err != nil {
		monitoring.Logf("sampler: abort motor stop failed: %v", err)
	}

	s.mu.Lock()
	running := s.running
	st := s.state
	abortOnce, abortCh := s.abortOnce, s.abortCh
	s.mu.Unlock()

	if running {
		abortOnce.Do(func() { close(abortCh) })
		// Wake a paused worker. The abort channel is selected in the
		// suspension gate, so nothing further is needed here.
		return
	}
	if st == StateError || st == StateCalibrating {
		s.transition(StateIdle)
	}
}

// ReturnHome moves the stage to the configured home position, independent
// of any sampling sequence. Valid only from idle.
func (s *Sampler) ReturnHome(home calibration.Point) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot return home from %s", ErrBadState, s.state)
	}
	s.transitionLocked(StateMoving)
	s.mu.Unlock()

	monitoring.Logf("sampler: returning home to X=%d, Y=%d", home.XSteps, home.YSteps)
	err := s.synchro.MoveAndVerify(home.XSteps, home.YSteps, s.opts.MotionTimeout)
	s.transition(StateIdle)
	if err != nil {
		return fmt.Errorf("return home: %w", err)
	}
	return nil
}

// run is the acquisition worker: exactly one per active sequence.
func (s *Sampler) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		done := s.done
		s.mu.Unlock()
		close(done)
	}()

	for {
		s.mu.Lock()
		idx := s.index
		total := len(s.positions)
		s.mu.Unlock()
		if idx >= total {
			break
		}

		if s.gate() == actionAbort {
			s.finishAbort()
			return
		}

		pos := s.positionAt(idx)
		s.transition(StateMoving)
		if err := s.moveWithRetry(pos); err != nil {
			s.fail(err)
			return
		}

		if s.gate() == actionAbort {
			s.finishAbort()
			return
		}

		s.transition(StateSampling)
		res, err := s.collectAt(pos)
		if err != nil {
			s.fail(err)
			return
		}
		if res.Interrupted {
			// In-progress burst abandoned; the position is re-sampled
			// after resume so no record is lost or duplicated.
			if s.gate() == actionAbort {
				s.finishAbort()
				return
			}
			continue
		}

		rec := s.buildRecord(pos, res)
		if err := s.store.Append(rec); err != nil {
			s.fail(fmt.Errorf("storage append: %w", err))
			return
		}

		s.mu.Lock()
		s.index = idx + 1
		s.completed++
		s.samples += rec.TotalSamples
		completed, totalNow := s.completed, len(s.positions)
		s.mu.Unlock()

		s.notify.recordCompleted(rec)
		s.notify.statusMessage(fmt.Sprintf(
			"position %d/%d: Fr=%.2f, %d/%d valid samples in %v",
			completed, totalNow, rec.FroudeNumber, rec.ValidSamples, rec.TotalSamples,
			rec.Duration.Round(time.Millisecond)))
		monitoring.Logf("sampler: position %d/%d complete (Fr=%.2f, valid=%d/%d)",
			completed, totalNow, rec.FroudeNumber, rec.ValidSamples, rec.TotalSamples)
	}

	// Terminal condition: sequence exhausted. The completion notification
	// fires before the transition back to idle.
	st := s.Status()
	s.notify.statusMessage(fmt.Sprintf("sequence complete: %d positions, %d samples", st.PositionsCompleted, st.SamplesCollected))
	if err := s.sensor.StopStream(); err != nil {
		monitoring.Logf("sampler: stop stream: %v", err)
	}
	s.closeStore()
	s.transition(StateIdle)
}

func (s *Sampler) positionAt(idx int) calibration.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[idx]
}

// moveWithRetry drives one motion with the sampler-level timeout retry:
// motion timeouts back off 0.5s/1s/2s before escalating. Communication
// failures arrive already retried by the synchronizer and escalate
// directly.
func (s *Sampler) moveWithRetry(pos calibration.Position) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.synchro.MoveAndVerify(pos.XSteps, pos.YSteps, s.opts.MotionTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrMotionTimeout) {
			return err
		}
		if attempt >= s.opts.RetryLimit {
			return err
		}
		delay := retryDelays[attempt%len(retryDelays)]
		s.notify.statusMessage(fmt.Sprintf("motion retry %d/%d for (%d,%d) in %v",
			attempt+1, s.opts.RetryLimit, pos.XSteps, pos.YSteps, delay))
		monitoring.Logf("sampler: motion retry %d/%d for (%d,%d)", attempt+1, s.opts.RetryLimit, pos.XSteps, pos.YSteps)
		s.clock.Sleep(delay)
	}
}

// collectAt runs the adaptive burst for one position.
func (s *Sampler) collectAt(pos calibration.Position) (BurstResult, error) {
	return s.synchro.CollectBurst(BurstOptions{
		MinSamples:  s.opts.MinSamples,
		MaxDuration: s.opts.MaxBurstDuration,
		Decide: func(froude float64, known bool) time.Duration {
			d := s.decider.Base()
			regime := "unknown regime"
			if known {
				d = s.decider.Decide(froude)
				regime = "subcritical"
				if flow.IsSupercritical(froude) {
					regime = "supercritical"
				}
			}
			if pos.InROI && pos.DensityMultiplier > 1 {
				d = time.Duration(float64(d) * pos.DensityMultiplier)
			}
			if d > s.opts.MaxBurstDuration {
				d = s.opts.MaxBurstDuration
			}
			s.notify.statusMessage(fmt.Sprintf("Fr=%.2f (%s): sampling %v", froude, regime, d))
			return d
		},
		Interrupted: s.interrupted,
	})
}

func (s *Sampler) buildRecord(pos calibration.Position, res BurstResult) MeasurementRecord {
	s.mu.Lock()
	z, run := s.runCtx.ZPlane, s.runCtx.RunNumber
	s.mu.Unlock()
	startedAt := s.clock.Now().Add(-res.Duration)
	return NewMeasurementRecord(pos, z, run, res.Samples, res.Froude, startedAt, res.Duration)
}

func (s *Sampler) interrupted() bool {
	return s.paused.Load() || s.aborted()
}

func (s *Sampler) aborted() bool {
	s.mu.Lock()
	ch := s.abortCh
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// gate is the worker's suspension point: it honors an abort request first,
// then blocks while paused, restoring the pre-pause phase on resume.
func (s *Sampler) gate() suspendAction {
	if s.aborted() {
		return actionAbort
	}
	if !s.paused.Load() {
		return actionContinue
	}

	prev := s.State()
	if err := s.sensor.StopStream(); err != nil {
		monitoring.Logf("sampler: stop stream on pause: %v", err)
	}
	s.transition(StatePaused)
	s.notify.statusMessage("acquisition paused")

	for {
		select {
		case <-s.resumeCh:
			if s.paused.Load() {
				continue // stale wakeup
			}
			if err := s.sensor.StartStream(); err != nil {
				s.fail(fmt.Errorf("sensor restart on resume: %w", err))
				return actionAbort
			}
			s.transition(prev)
			s.notify.statusMessage("acquisition resumed")
			return actionContinue
		case <-s.abortCh:
			return actionAbort
		}
	}
}

// fail handles an unrecoverable failure: the motor stops in place (not
// returned home), storage is finalized, and the machine enters the error
// state, which only an explicit abort/reset leaves.
func (s *Sampler) fail(err error) {
	monitoring.Logf("sampler: unrecoverable failure: %v", err)
	if stopErr := s.motor.Stop(); stopErr != nil {
		monitoring.Logf("sampler: motor stop on failure: %v", stopErr)
	}
	if streamErr := s.sensor.StopStream(); streamErr != nil {
		monitoring.Logf("sampler: stop stream on failure: %v", streamErr)
	}
	s.closeStore()
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	s.notify.statusMessage(fmt.Sprintf("acquisition failed: %v", err))
	s.transition(StateError)
}

// finishAbort finalizes an aborted sequence: storage is closed before the
// state change completes, so every already-completed position survives.
func (s *Sampler) finishAbort() {
	if err := s.sensor.StopStream(); err != nil {
		monitoring.Logf("sampler: stop stream on abort: %v", err)
	}
	s.closeStore()
	s.notify.statusMessage("acquisition aborted")
	s.transition(StateIdle)
}

func (s *Sampler) closeStore() {
	s.mu.Lock()
	once := s.storeOnce
	s.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(s.closeStoreWith)
}

func (s *Sampler) closeStoreWith() {
	if err := s.store.Close(); err != nil {
		monitoring.Logf("sampler: storage close: %v", err)
	}
}

func (s *Sampler) transition(to State) {
	s.mu.Lock()
	s.transitionLocked(to)
	s.mu.Unlock()
}

func (s *Sampler) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	monitoring.Logf("sampler: state %s -> %s", from, to)
	s.notify.stateChanged(from, to)
}
