package types

// Logger is implemented by the client so its own logging sink can be
// plugged in. The logging package provides an implementation backed by
// github.com/prometheus/common/log; nothing in this module substitutes it
// when no Logger is passed.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug flips debug-level logging on/off and returns the
	// previous state.
	ToggleDebug(value bool) bool
}
