// Package monitoring holds the daemon-wide diagnostic logger shared by the
// acquisition engine and the hardware drivers.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced with SetLogger; tests typically mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger. Returns the previous logger so callers can restore it.
func SetLogger(f func(format string, v ...interface{})) (prev func(format string, v ...interface{})) {
	prev = Logf
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	return prev
}

// Mute silences the logger for the duration of a test and restores it via
// the returned func.
func Mute() (restore func()) {
	prev := SetLogger(nil)
	return func() { SetLogger(prev) }
}
