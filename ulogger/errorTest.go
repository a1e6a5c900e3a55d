package ulogger

import (
	"sync"
	"testing"
)

// ErrorTestLogger discards everything below Errorf and fails the test on
// Errorf and Fatalf. Useful for tests that must not log errors.
type ErrorTestLogger struct {
	t     *testing.T
	mutex sync.Mutex
}

func NewErrorTestLogger(t *testing.T) *ErrorTestLogger {
	return &ErrorTestLogger{t: t}
}

func (l *ErrorTestLogger) New(service string, options ...Option) Logger {
	return l
}

func (l *ErrorTestLogger) Debugf(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Infof(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Warnf(format string, args ...interface{}) {}

func (l *ErrorTestLogger) Errorf(format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.t.Errorf("[ERROR] "+format, args...)
}

func (l *ErrorTestLogger) Fatalf(format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.t.Fatalf("[FATAL] "+format, args...)
}
