// Package flow provides hydraulic calculations for open-channel velocity
// surveys: Froude number, turbulence intensity, and the adaptive burst
// duration policy driven by the local flow regime.
package flow

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Gravity is the gravitational acceleration used for wave-speed
// calculations, in m/s².
const Gravity = 9.81

// WaterDensity of fresh water in kg/m³.
const WaterDensity = 1000

// ErrInvalidInput is returned when a calculation receives a physically
// meaningless argument, such as a non-positive depth.
var ErrInvalidInput = errors.New("invalid input")

// Froude computes the Froude number Fr = V / sqrt(g*h) for a velocity
// magnitude in m/s and a water depth in m. Fr > 1 indicates supercritical
// flow. Returns ErrInvalidInput when the depth is not positive or g*h
// underflows to zero.
func Froude(velocityMagnitude, depth float64) (float64, error) {
	if depth <= 0 {
		return 0, fmt.Errorf("%w: depth %v must be positive", ErrInvalidInput, depth)
	}
	gh := Gravity * depth
	if gh == 0 || math.IsNaN(gh) {
		return 0, fmt.Errorf("%w: g*h underflow for depth %v", ErrInvalidInput, depth)
	}
	return velocityMagnitude / math.Sqrt(gh), nil
}

// IsSupercritical reports whether the flow regime at the given Froude
// number is supercritical.
func IsSupercritical(froude float64) bool {
	return froude > 1.0
}

// Magnitude returns the velocity magnitude of the three component means.
func Magnitude(u, v, w float64) float64 {
	return math.Sqrt(u*u + v*v + w*w)
}

// TurbulenceIntensity computes TI = sqrt(u'² + v'² + w'²) / |V| where the
// primed quantities are the per-component standard deviations over the
// burst. Defined as 0 when the mean velocity magnitude is (near) zero.
func TurbulenceIntensity(uStd, vStd, wStd, uMean, vMean, wMean float64) float64 {
	magnitude := Magnitude(uMean, vMean, wMean)
	if magnitude < 1e-6 {
		return 0
	}
	rms := math.Sqrt(uStd*uStd + vStd*vStd + wStd*wStd)
	return rms / magnitude
}

// SeriesTurbulenceIntensity computes the turbulence intensity directly from
// the component time series of a burst.
func SeriesTurbulenceIntensity(u, v, w []float64) float64 {
	uMean, uStd := stat.MeanStdDev(u, nil)
	vMean, vStd := stat.MeanStdDev(v, nil)
	wMean, wStd := stat.MeanStdDev(w, nil)
	return TurbulenceIntensity(uStd, vStd, wStd, uMean, vMean, wMean)
}

// KinematicViscosity approximates the kinematic viscosity of fresh water in
// m²/s for a temperature in °C. Valid roughly between 0 and 30°C.
func KinematicViscosity(temperatureC float64) float64 {
	return 1.787e-3 * math.Exp(-0.0337*temperatureC) / WaterDensity
}

// Reynolds computes Re = V*L/ν for a velocity in m/s and a characteristic
// length (typically the probe diameter) in m.
func Reynolds(velocity, characteristicLength, temperatureC float64) float64 {
	nu := KinematicViscosity(temperatureC)
	if nu == 0 {
		return 0
	}
	return velocity * characteristicLength / nu
}

// DurationPolicy selects how the burst duration grows once the flow turns
// supercritical.
type DurationPolicy string

const (
	// PolicyLinear extends the base duration linearly in the Froude excess
	// above the threshold.
	PolicyLinear DurationPolicy = "linear"
	// PolicyThreshold jumps straight to the maximum duration once the
	// threshold is crossed.
	PolicyThreshold DurationPolicy = "threshold"
)

// DurationDecider computes adaptive burst durations. The zero value is not
// usable; construct with NewDurationDecider.
type DurationDecider struct {
	policy    DurationPolicy
	threshold float64
	gain      float64
	base      time.Duration
	max       time.Duration
}

// NewDurationDecider builds a decider for the given policy. The gain scales
// the linear growth per unit of Froude excess; a gain of 0.5 gives ~1.5x
// base at one full unit above the threshold.
func NewDurationDecider(policy DurationPolicy, threshold, gain float64, base, max time.Duration) *DurationDecider {
	if max < base {
		max = base
	}
	return &DurationDecider{
		policy:    policy,
		threshold: threshold,
		gain:      gain,
		base:      base,
		max:       max,
	}
}

// Decide returns the sampling duration for a (possibly provisional) Froude
// estimate. The result is always within [base, max] and is monotonically
// non-decreasing in the Froude number above the threshold, so it is safe to
// call repeatedly as the running estimate is refined mid-burst.
func (d *DurationDecider) Decide(froude float64) time.Duration {
	if froude <= d.threshold {
		return d.base
	}
	switch d.policy {
	case PolicyThreshold:
		return d.max
	default:
		multiplier := 1.0 + (froude-d.threshold)*d.gain
		scaled := time.Duration(float64(d.base) * multiplier)
		if scaled > d.max {
			return d.max
		}
		if scaled < d.base {
			return d.base
		}
		return scaled
	}
}

// Base returns the policy's base duration, used as the fallback when the
// flow regime is unknown.
func (d *DurationDecider) Base() time.Duration { return d.base }

// Max returns the policy's duration cap.
func (d *DurationDecider) Max() time.Duration { return d.max }
