package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug for very verbose output such
// as prompt bodies and retrieval candidate dumps. Almost always filtered
// in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level string, supporting "trace" in addition
// to the standard zap levels.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
