// Package blog sets up the logging sink used across bitbucket:
// go.uber.org/zap for structured, leveled logging and lumberjack for
// the rotating log-file sink behind the `logfile`/`loglevel` options
// (§6). This mirrors how gcsfuse wires its own logging package.
package blog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the logger writes.
type Config struct {
	// Path to the log file. Empty means stderr only.
	Path string
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// MaxSizeMB bounds the rotated log file size (lumberjack).
	MaxSizeMB int
	// MaxBackups bounds how many rotated files are retained.
	MaxBackups int
}

// New builds a *zap.SugaredLogger per cfg. The zero Config logs at
// info level to stderr. Tests do not use it: they pass a nil logger,
// which the packages replace with a no-op logger.
func New(cfg Config) *zap.SugaredLogger {
	level := parseLevel(cfg.Level)

	var sinks []zapcore.WriteSyncer
	sinks = append(sinks, zapcore.AddSync(os.Stderr))
	if cfg.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 3),
		}
		sinks = append(sinks, zapcore.AddSync(lj))
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.NewMultiWriteSyncer(sinks...),
		level,
	)
	return zap.New(core).Sugar()
}

// Nop returns a logger that discards everything, for tests and
// call-sites that run before configuration is known.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
