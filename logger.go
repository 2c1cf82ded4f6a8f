package modbus

import (
	"go.uber.org/zap"
)

// LeveledLogger is the logging seam every Channel and Server accepts:
// three severities (info, warning, error) plus a fatal that exits. Callers may inject their own
// implementation; the default is backed by zap.
type LeveledLogger interface {
	Info(msg string)
	Infof(format string, msg ...interface{})
	Warning(msg string)
	Warningf(format string, msg ...interface{})
	Error(msg string)
	Errorf(format string, msg ...interface{})
	Fatal(msg string)
	Fatalf(format string, msg ...interface{})
}

var _ LeveledLogger = (*zapLogger)(nil)

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// newLogger builds the default LeveledLogger, a zap.SugaredLogger tagged
// with the given component name.
func newLogger(component string) *zapLogger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return &zapLogger{sugar: base.Sugar().Named(component)}
}

func (l *zapLogger) Info(msg string)                          { l.sugar.Info(msg) }
func (l *zapLogger) Infof(format string, a ...interface{})    { l.sugar.Infof(format, a...) }
func (l *zapLogger) Warning(msg string)                       { l.sugar.Warn(msg) }
func (l *zapLogger) Warningf(format string, a ...interface{}) { l.sugar.Warnf(format, a...) }
func (l *zapLogger) Error(msg string)                         { l.sugar.Error(msg) }
func (l *zapLogger) Errorf(format string, a ...interface{})   { l.sugar.Errorf(format, a...) }
func (l *zapLogger) Fatal(msg string)                         { l.sugar.Fatal(msg) }
func (l *zapLogger) Fatalf(format string, a ...interface{})   { l.sugar.Fatalf(format, a...) }

// DecodeLevel controls how much frame/PDU detail a Channel or server
// traces. It gates every per-frame log call and can be swapped at runtime.
type DecodeLevel int

const (
	// DecodeNothing disables frame tracing entirely.
	DecodeNothing DecodeLevel = iota
	// DecodeHeader traces frame header fields (tx_id, unit_id, PDU length).
	DecodeHeader
	// DecodeDataHeaders traces the same header fields and, on the client's
	// transmitted frames, the function code as well. PDU bodies are not
	// traced at any level.
	DecodeDataHeaders
)

func (l DecodeLevel) String() string {
	switch l {
	case DecodeNothing:
		return "nothing"
	case DecodeHeader:
		return "header"
	case DecodeDataHeaders:
		return "data-headers"
	default:
		return "unknown"
	}
}
