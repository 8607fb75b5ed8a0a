package notify

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// zapAdapter routes watermill's logging through zap.
type zapAdapter struct {
	l *zap.Logger
}

// NewLoggerAdapter wraps l as a watermill.LoggerAdapter.
func NewLoggerAdapter(l *zap.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapAdapter{l: l}
}

func (a *zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (a *zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Info(msg, toZap(fields)...)
}

func (a *zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, toZap(fields)...)
}

// Trace maps to Debug; zap has no lower level.
func (a *zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{l: a.l.With(toZap(fields)...)}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
