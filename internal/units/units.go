// Package units provides shared constants and conversions between motor
// steps and engineering units for the XY stage.
package units

// StepsPerFoot is the fixed linear scale of the Velmex stage lead screws:
// 4600 steps travel 0.1 feet.
const StepsPerFoot = 46000

// StepsToFeet converts a motor step count to feet.
func StepsToFeet(steps int) float64 {
	return float64(steps) / StepsPerFoot
}

// FeetToSteps converts a distance in feet to whole motor steps.
func FeetToSteps(feet float64) int {
	return int(feet * StepsPerFoot)
}
