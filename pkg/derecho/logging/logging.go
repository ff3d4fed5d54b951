// Package logging provides the default types.Logger implementation, wired
// on top of github.com/prometheus/common/log.
package logging

import (
	"fmt"
	"sync/atomic"

	commonlog "github.com/prometheus/common/log"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// commonLogger adapts a github.com/prometheus/common/log.Logger to the
// types.Logger interface. Debug-level calls are gated by an atomic flag
// since the wrapped interface doesn't expose level control directly.
type commonLogger struct {
	base  commonlog.Logger
	debug int32
}

// New builds a types.Logger backed by prometheus/common/log, with the
// given fields attached to every line via With.
func New(fields map[string]interface{}) types.Logger {
	base := commonlog.Base()
	for k, v := range fields {
		base = base.With(k, v)
	}
	return &commonLogger{base: base}
}

func (l *commonLogger) Info(v ...interface{})                  { l.base.Info(v...) }
func (l *commonLogger) Infof(format string, v ...interface{})  { l.base.Infof(format, v...) }
func (l *commonLogger) Warn(v ...interface{})                  { l.base.Warn(v...) }
func (l *commonLogger) Warnf(format string, v ...interface{})  { l.base.Warnf(format, v...) }
func (l *commonLogger) Error(v ...interface{})                 { l.base.Error(v...) }
func (l *commonLogger) Errorf(format string, v ...interface{}) { l.base.Errorf(format, v...) }
func (l *commonLogger) Fatal(v ...interface{})                 { l.base.Fatal(v...) }
func (l *commonLogger) Fatalf(format string, v ...interface{}) { l.base.Fatalf(format, v...) }
func (l *commonLogger) Panic(v ...interface{}) {
	l.base.Error(v...)
	panic(fmt.Sprint(v...))
}

func (l *commonLogger) Panicf(format string, v ...interface{}) {
	l.base.Errorf(format, v...)
	panic(fmt.Sprintf(format, v...))
}

func (l *commonLogger) Debug(v ...interface{}) {
	if atomic.LoadInt32(&l.debug) == 1 {
		l.base.Debug(v...)
	}
}

func (l *commonLogger) Debugf(format string, v ...interface{}) {
	if atomic.LoadInt32(&l.debug) == 1 {
		l.base.Debugf(format, v...)
	}
}

func (l *commonLogger) ToggleDebug(value bool) bool {
	var next int32
	if value {
		next = 1
	}
	old := atomic.SwapInt32(&l.debug, next)
	return old == 1
}
