// Package monitoring holds the process-wide diagnostic logger used by every
// library package. Binaries point it at their structured logger.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger and returns the previous one so
// callers can restore it. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	prev := Logf
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	return prev
}
