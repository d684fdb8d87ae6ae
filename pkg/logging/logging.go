package logging

const (
	LogLevelDebug = 0
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
)

// Logger is the operational logger used across the supervisor packages.
type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
}

type LogLevelFunc func(level int, format string, args ...interface{})
type LogFunc func(format string, args ...interface{})

type LogFuncs struct {
	LogLevelf LogLevelFunc
	Debugf    LogFunc
	Infof     LogFunc
	Warnf     LogFunc
	Errorf    LogFunc
}

// FromLogger bridges an existing Logger into LogFuncs, typically to derive a prefixed child.
func FromLogger(parent Logger) LogFuncs {
	return LogFuncs{
		Debugf: parent.Debugf,
		Infof:  parent.Infof,
		Warnf:  parent.Warnf,
		Errorf: parent.Errorf,
	}
}

type logger struct {
	prefix string
	funcs  LogFuncs
}

func NewLogger(prefix string, funcs LogFuncs) Logger {
	return &logger{
		prefix: prefix,
		funcs:  funcs,
	}
}

// NewNopLogger returns a logger that drops everything.
func NewNopLogger() Logger {
	return &logger{}
}

func (l *logger) logf(level int, msg string, args ...interface{}) {
	if l.prefix != "" {
		msg = l.prefix + msg
	}
	if l.funcs.LogLevelf != nil {
		l.funcs.LogLevelf(level, msg, args...)
		return
	}

	var f LogFunc
	switch level {
	case LogLevelDebug:
		f = l.funcs.Debugf
	case LogLevelInfo:
		f = l.funcs.Infof
	case LogLevelWarn:
		f = l.funcs.Warnf
	case LogLevelError:
		f = l.funcs.Errorf
	}
	if f != nil {
		f(msg, args...)
	}
}

func (l *logger) LogLevelf(level int, format string, args ...interface{}) {
	l.logf(level, format, args...)
}

func (l *logger) Debugf(msg string, args ...interface{}) {
	l.logf(LogLevelDebug, msg, args...)
}

func (l *logger) Infof(msg string, args ...interface{}) {
	l.logf(LogLevelInfo, msg, args...)
}

func (l *logger) Warnf(msg string, args ...interface{}) {
	l.logf(LogLevelWarn, msg, args...)
}

func (l *logger) Errorf(msg string, args ...interface{}) {
	l.logf(LogLevelError, msg, args...)
}
