// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level  string
	output []string
}

// Option customizes New.
type Option func(*options)

// WithLevel sets the minimum level ("debug", "info", "warn", "error"). An
// empty value keeps the mode's default.
func WithLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// WithOutput replaces the output paths. Production loggers default to stderr,
// which keeps stdout free for the isolated capture worker's report.
func WithOutput(paths ...string) Option {
	return func(o *options) { o.output = paths }
}

// New builds a zap.Logger configured for development or production.
func New(development bool, opts ...Option) (*zap.Logger, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := zap.NewProductionConfig()
	mode := "prod"
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		mode = "dev"
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if o.level != "" {
		level, err := zap.ParseAtomicLevel(o.level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = level
	}
	if len(o.output) > 0 {
		cfg.OutputPaths = o.output
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}
