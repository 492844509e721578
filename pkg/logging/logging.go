// Package logging sets up the zap logger the rest of the engine takes as
// a constructor argument, structured-field style ("zap.String", "zap.Error")
// rather than formatted strings.
package logging

import "go.uber.org/zap"

// New builds a production logger in JSON mode, or a development logger
// (console-friendly, debug-level) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, the default a package
// falls back to when constructed without one explicitly.
func Nop() *zap.Logger {
	return zap.NewNop()
}
