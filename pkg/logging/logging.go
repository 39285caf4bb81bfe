// Package logging builds the single zap logger handle used across meshd.
//
// The logger is constructed once at process boot and passed down as a
// constructor argument to every component, so nothing in pkg/membership,
// pkg/coordinator or pkg/instance reaches for a package-level global.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls where and how verbosely the logger writes.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Empty defaults to "info".
	Level string
	// File is an optional path to append logs to. Empty means stderr only.
	File string
}

// New builds a *zap.Logger from Options. The returned logger is safe to
// share across every owned Instance, Engine and Coordinator.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything, used as a safe default in
// tests and anywhere a caller did not provide one.
func Nop() *zap.Logger {
	return zap.NewNop()
}
