package sampler

import (
	"fmt"
	"time"

	"github.com/banshee-data/flume.report/internal/flow"
	"github.com/banshee-data/flume.report/internal/monitoring"
	"github.com/banshee-data/flume.report/internal/timeutil"
)

// retryDelays is the exponential backoff schedule for communication-level
// failures: one initial attempt plus one retry per delay.
var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// SynchronizerConfig carries the motion and sampling parameters the
// synchronizer needs. Values come from config.AcquisitionConfig; the struct
// keeps the package free of a config dependency.
type SynchronizerConfig struct {
	// PositionTolerance is the acceptable error on each axis, in steps.
	PositionTolerance int

	// PollInterval is the pause between motion-complete polls.
	PollInterval time.Duration

	// SampleInterval paces sensor reads (1 / sample rate).
	SampleInterval time.Duration

	// Gate validates each sample.
	Gate QualityGate

	// OnRetry, if non-nil, is invoked for every communication retry so the
	// sampler can surface attempts on the status channel.
	OnRetry func(op string, attempt int, err error)
}

// Synchronizer aligns stage motion with probe sampling: it wraps every
// motion request with position verification and every burst with
// quality-gated, retry-protected reads.
type Synchronizer struct {
	motor  Motor
	sensor Sensor
	clock  timeutil.Clock
	cfg    SynchronizerConfig
}

// NewSynchronizer wires the two hardware collaborators together.
func NewSynchronizer(motor Motor, sensor Sensor, clock timeutil.Clock, cfg SynchronizerConfig) *Synchronizer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 100 * time.Millisecond
	}
	return &Synchronizer{motor: motor, sensor: sensor, clock: clock, cfg: cfg}
}

// withCommRetry runs fn, retrying transport failures with backoff. After the
// budget is exhausted the last error is surfaced as ErrCommunication.
func (s *Synchronizer) withCommRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= len(retryDelays) {
			return fmt.Errorf("%w: %s: %v", ErrCommunication, op, err)
		}
		delay := retryDelays[attempt]
		monitoring.Logf("synchronizer: %s failed (%v), retry %d/%d in %v", op, err, attempt+1, len(retryDelays), delay)
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(op, attempt+1, err)
		}
		s.clock.Sleep(delay)
	}
}

// MoveAndVerify issues a motion command and polls until the stage reports
// complete and its position is within tolerance of the target, or the
// timeout elapses (ErrMotionTimeout). Transport failures are retried
// internally; ErrCommunication is returned once the budget is spent.
func (s *Synchronizer) MoveAndVerify(xSteps, ySteps int, timeout time.Duration) error {
	err := s.withCommRetry("motor move", func() error {
		return s.motor.MoveTo(xSteps, ySteps)
	})
	if err != nil {
		return err
	}

	start := s.clock.Now()
	for s.clock.Since(start) < timeout {
		var done bool
		err := s.withCommRetry("motion status", func() error {
			var pollErr error
			done, pollErr = s.motor.MotionComplete()
			return pollErr
		})
		if err != nil {
			return err
		}

		if done {
			var x, y int
			err := s.withCommRetry("position query", func() error {
				var posErr error
				x, y, posErr = s.motor.CurrentPosition()
				return posErr
			})
			if err != nil {
				return err
			}
			if abs(x-xSteps) <= s.cfg.PositionTolerance && abs(y-ySteps) <= s.cfg.PositionTolerance {
				return nil
			}
			// reported complete but not settled inside tolerance yet
		}
		s.clock.Sleep(s.cfg.PollInterval)
	}

	return fmt.Errorf("%w: target (%d,%d) not verified within %v", ErrMotionTimeout, xSteps, ySteps, timeout)
}

// BurstOptions controls one sample burst at a stationary position.
type BurstOptions struct {
	// MinSamples is the number of valid samples needed for the initial
	// flow-regime estimate.
	MinSamples int

	// MaxDuration is the hard cap on the burst, whatever Decide returns.
	MaxDuration time.Duration

	// Decide, if non-nil, is called once the minimum valid sample count is
	// reached, with the provisional Froude estimate, and returns the total
	// burst duration to collect. known is false when the flow regime could
	// not be determined (e.g. a non-positive depth reading). With a nil
	// Decide the burst stops as soon as the minimum is reached.
	Decide func(froude float64, known bool) time.Duration

	// Interrupted, if non-nil, is polled between sample reads; returning
	// true ends the burst early. This is the burst's cooperative
	// suspension point.
	Interrupted func() bool
}

// BurstResult is the outcome of one burst. A burst with zero valid samples
// is not an error: it is flagged AllInvalid so the caller can decide to
// retry or record a low-confidence measurement.
type BurstResult struct {
	Samples      []Sample
	ValidSamples int
	AllInvalid   bool
	Froude       float64
	FroudeKnown  bool
	Target       time.Duration
	Duration     time.Duration
	Interrupted  bool
}

// CollectBurst reads quality-gated samples until the adaptive duration (or
// MaxDuration) elapses. Invalid samples are kept in the burst, counted but
// excluded from statistics.
func (s *Synchronizer) CollectBurst(opts BurstOptions) (BurstResult, error) {
	start := s.clock.Now()
	res := BurstResult{Target: opts.MaxDuration}

	var uSum, vSum, wSum, depthSum float64
	decided := false

	for {
		if opts.Interrupted != nil && opts.Interrupted() {
			res.Interrupted = true
			break
		}
		elapsed := s.clock.Since(start)
		if elapsed >= opts.MaxDuration {
			break
		}
		if decided && elapsed >= res.Target {
			break
		}

		var sample *Sample
		err := s.withCommRetry("sensor read", func() error {
			var readErr error
			sample, readErr = s.sensor.ReadSample()
			return readErr
		})
		if err != nil {
			res.Duration = s.clock.Since(start)
			return res, err
		}
		if sample == nil {
			// stream timeout, not a fault; pace and keep reading
			s.clock.Sleep(s.cfg.SampleInterval)
			continue
		}

		sm := *sample
		sm.Valid = s.cfg.Gate.Pass(sm)
		res.Samples = append(res.Samples, sm)
		if sm.Valid {
			res.ValidSamples++
			uSum += sm.U
			vSum += sm.V
			wSum += sm.W
			depthSum += sm.Depth
		}

		if !decided && res.ValidSamples >= opts.MinSamples {
			decided = true
			n := float64(res.ValidSamples)
			magnitude := flow.Magnitude(uSum/n, vSum/n, wSum/n)
			froude, ferr := flow.Froude(magnitude, depthSum/n)
			if ferr != nil {
				monitoring.Logf("synchronizer: flow regime unknown: %v", ferr)
			} else {
				res.Froude = froude
				res.FroudeKnown = true
			}
			if opts.Decide == nil {
				break
			}
			res.Target = opts.Decide(res.Froude, res.FroudeKnown)
			if res.Target > opts.MaxDuration {
				res.Target = opts.MaxDuration
			}
		}

		s.clock.Sleep(s.cfg.SampleInterval)
	}

	res.AllInvalid = res.ValidSamples == 0
	res.Duration = s.clock.Since(start)
	return res, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
