package logging

import (
	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

// Mautrix adapts a zap logger into the zerolog logger the Matrix client
// library uses internally, so protocol-level logs land in the same sinks
// as the daemon's own.
func Mautrix(logger *zap.Logger) zerolog.Logger {
	return zerolog.New(zapWriter{logger: logger.Named("mautrix")}).With().Timestamp().Logger()
}

// zapWriter routes zerolog output lines through zap. Levels are mapped by
// zerolog's WriteLevel hook; plain Write falls back to info.
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}

func (w zapWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	msg := string(p)
	switch level {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		w.logger.Debug(msg)
	case zerolog.WarnLevel:
		w.logger.Warn(msg)
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}

var _ zerolog.LevelWriter = zapWriter{}
