// Package log is the daemon's package-level zap logger.
package log

import (
	"fmt"

	"go.uber.org/zap"
)

// log discards until Init or Use is called, so packages can log from tests.
var log = zap.NewNop().Sugar()

// Init installs a production logger, or a development logger when debug is set.
func Init(debug bool) error {
	var (
		zapLogger *zap.Logger
		err       error
	)
	if debug {
		zapLogger, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		zapLogger, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}
	log = zapLogger.Sugar()
	return nil
}

// Use installs l as the package logger.
func Use(l *zap.Logger) {
	log = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Sync flushes any buffered log entries.
func Sync() {
	log.Sync()
}

// Debugf logs a printf-style message at debug level.
func Debugf(template string, args ...interface{}) {
	log.Debugf(template, args...)
}

// Infof logs a printf-style message at info level.
func Infof(template string, args ...interface{}) {
	log.Infof(template, args...)
}

// Infow logs msg at info level with alternating key/value context.
func Infow(msg string, keysAndValues ...interface{}) {
	log.Infow(msg, keysAndValues...)
}

// Warnf logs a printf-style message at warn level.
func Warnf(template string, args ...interface{}) {
	log.Warnf(template, args...)
}

// Errorf logs a printf-style message at error level.
func Errorf(template string, args ...interface{}) {
	log.Errorf(template, args...)
}

// Fatalf logs at fatal level, then runs the logger's fatal hook, which exits
// the process unless the installed logger overrides it. Deferred calls do
// not run.
func Fatalf(template string, args ...interface{}) {
	log.Fatalf(template, args...)
}
