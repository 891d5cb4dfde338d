package zap

import (
	"strings"

	"github.com/unkn0wn-root/cascluster"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ZapLogger struct{ L *zap.Logger }

var _ cascluster.Logger = ZapLogger{}

func (z ZapLogger) Debug(msg string, f cascluster.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f cascluster.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f cascluster.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f cascluster.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f cascluster.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Build returns a console logger with colours for env "dev" (default) or an
// ISO8601 JSON logger for "prod". node, when set, is attached to every line.
func Build(env, level, node string) (*zap.Logger, error) {
	lvl := ParseLevel(level)

	var (
		l   *zap.Logger
		err error
	)
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		l, err = cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		cfg.DisableStacktrace = true
		l, err = cfg.Build()
	}
	if err != nil {
		return nil, err
	}
	if node != "" {
		l = l.With(zap.String("node", node))
	}
	return l, nil
}

// ParseLevel maps a level name to zapcore; unknown names mean info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
