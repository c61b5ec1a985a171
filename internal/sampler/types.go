package sampler

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/flume.report/internal/calibration"
	"github.com/banshee-data/flume.report/internal/flow"
)

// State is one of the acquisition state machine states. Exactly one instance
// exists per running session; it is mutated only by the sampler's own
// transition function and observed by everyone else as a snapshot.
type State string

const (
	StateIdle        State = "idle"
	StateCalibrating State = "calibrating"
	StateMoving      State = "moving"
	StateSampling    State = "sampling"
	StatePaused      State = "paused"
	StateError       State = "error"
)

// Sample is one sensor reading: three velocity components in m/s, the two
// quality metrics, and the depth sounding. Samples are consumed immediately
// by the burst statistics and not retained individually beyond the burst.
type Sample struct {
	U           float64 `json:"u"`
	V           float64 `json:"v"`
	W           float64 `json:"w"`
	SNR         float64 `json:"snr"`         // dB
	Correlation float64 `json:"correlation"` // percent
	Depth       float64 `json:"depth"`       // m
	Amplitude   float64 `json:"amplitude"`
	Temperature float64 `json:"temperature"` // °C
	Valid       bool    `json:"valid"`
}

// Magnitude returns the velocity magnitude of the sample.
func (s Sample) Magnitude() float64 {
	return flow.Magnitude(s.U, s.V, s.W)
}

// QualityGate holds the thresholds a sample must meet to count as valid.
type QualityGate struct {
	MinSNR         float64
	MinCorrelation float64
}

// Pass reports whether the sample meets both thresholds.
func (g QualityGate) Pass(s Sample) bool {
	return s.SNR >= g.MinSNR && s.Correlation >= g.MinCorrelation
}

// MeasurementRecord aggregates one burst at one position. Created once per
// completed position, immutable; ownership passes to the storage
// collaborator on Append.
type MeasurementRecord struct {
	Position  calibration.Position `json:"position"`
	ZPlane    float64              `json:"z_plane"`
	RunNumber int                  `json:"run_number"`

	UMean float64 `json:"u_mean"`
	VMean float64 `json:"v_mean"`
	WMean float64 `json:"w_mean"`
	UStd  float64 `json:"u_std"`
	VStd  float64 `json:"v_std"`
	WStd  float64 `json:"w_std"`

	VelocityMagnitude   float64 `json:"velocity_magnitude"`
	FroudeNumber        float64 `json:"froude_number"`
	TurbulenceIntensity float64 `json:"turbulence_intensity"`
	DepthMean           float64 `json:"depth_mean"`

	TotalSamples int  `json:"total_samples"`
	ValidSamples int  `json:"valid_samples"`
	AllInvalid   bool `json:"all_invalid"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// NewMeasurementRecord computes burst statistics over the valid samples.
// A burst with zero valid samples yields a record flagged AllInvalid with
// zeroed statistics, so the low-confidence measurement can still be stored
// for offline review.
func NewMeasurementRecord(pos calibration.Position, zPlane float64, runNumber int,
	samples []Sample, froude float64, startedAt time.Time, duration time.Duration) MeasurementRecord {

	rec := MeasurementRecord{
		Position:     pos,
		ZPlane:       zPlane,
		RunNumber:    runNumber,
		FroudeNumber: froude,
		TotalSamples: len(samples),
		StartedAt:    startedAt,
		Duration:     duration,
	}

	var u, v, w, depth []float64
	for _, s := range samples {
		if !s.Valid {
			continue
		}
		u = append(u, s.U)
		v = append(v, s.V)
		w = append(w, s.W)
		depth = append(depth, s.Depth)
	}
	rec.ValidSamples = len(u)
	if rec.ValidSamples == 0 {
		rec.AllInvalid = true
		return rec
	}

	rec.UMean, rec.UStd = meanStd(u)
	rec.VMean, rec.VStd = meanStd(v)
	rec.WMean, rec.WStd = meanStd(w)
	rec.DepthMean = stat.Mean(depth, nil)
	rec.VelocityMagnitude = flow.Magnitude(rec.UMean, rec.VMean, rec.WMean)
	rec.TurbulenceIntensity = flow.TurbulenceIntensity(
		rec.UStd, rec.VStd, rec.WStd, rec.UMean, rec.VMean, rec.WMean)
	return rec
}

// meanStd wraps gonum's MeanStdDev, defining the deviation of a single
// sample as zero instead of NaN.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 1 {
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// RunContext identifies the active Z-plane sweep. Reusing the same Z value
// increments the run counter; a new value resets it to 1.
type RunContext struct {
	ZPlane    float64 `json:"z_plane"`
	RunNumber int     `json:"run_number"`

	started bool
}

// Advance updates the context for a new acquisition at the given Z value.
func (rc *RunContext) Advance(zPlane float64) {
	if rc.started && zPlane == rc.ZPlane {
		rc.RunNumber++
		return
	}
	rc.ZPlane = zPlane
	rc.RunNumber = 1
	rc.started = true
}

// SequenceCheckpoint is the serializable resume point of a sequence: which
// position comes next and the run identity it belongs to.
type SequenceCheckpoint struct {
	State          State   `json:"state"`
	PositionIndex  int     `json:"position_index"`
	TotalPositions int     `json:"total_positions"`
	ZPlane         float64 `json:"z_plane"`
	RunNumber      int     `json:"run_number"`
}

// Status is a point-in-time snapshot of the sampler for observers.
type Status struct {
	State              State   `json:"state"`
	ZPlane             float64 `json:"z_plane"`
	RunNumber          int     `json:"run_number"`
	PositionIndex      int     `json:"position_index"`
	TotalPositions     int     `json:"total_positions"`
	PositionsCompleted int     `json:"positions_completed"`
	SamplesCollected   int     `json:"samples_collected"`
	MeasurementsFailed int     `json:"measurements_failed"`
}
