package monitoring

import "log"

// Logf is the package-level diagnostic logger for the hub. It defaults
// to log.Printf but may be replaced with SetLogger; tests mute it, and
// deployments can redirect it to their own sink.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
