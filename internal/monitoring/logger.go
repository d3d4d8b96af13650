// Package monitoring holds the diagnostic logger shared by the confusion
// packages. Library code never calls the log package directly so that tests
// and embedding applications can capture or silence output.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a recoverable data problem (for example an ambiguous instance
// encoding) through Logf with a WARNING prefix.
func Warnf(format string, v ...interface{}) {
	Logf("WARNING: "+format, v...)
}
