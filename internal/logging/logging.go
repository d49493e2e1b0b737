// Package logging builds the zap loggers used across the subsystem and
// carries execution correlation fields through context.
//
// Services hold a plain *zap.Logger; this package decides what that logger
// writes (format, level, sampling) and optionally tees entries into an
// OpenTelemetry log bridge so they correlate with traces.
package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures logger construction.
type Config struct {
	// Level is the minimum enabled level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format selects the encoder: json or console.
	Format string `koanf:"format"`

	// Sampling caps repeated entries per second when enabled.
	Sampling SamplingConfig `koanf:"sampling"`

	// Fields are constant fields stamped on every entry.
	Fields map[string]string `koanf:"fields"`
}

// SamplingConfig bounds log volume under load.
type SamplingConfig struct {
	Enabled    bool `koanf:"enabled"`
	Initial    int  `koanf:"initial"`
	Thereafter int  `koanf:"thereafter"`
}

// DefaultConfig returns production defaults: sampled JSON at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Sampling: SamplingConfig{
			Enabled:    true,
			Initial:    100,
			Thereafter: 100,
		},
	}
}

// Validate checks the config for usable values.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("invalid log format %q (want json or console)", c.Format)
	}
	return nil
}

// New builds a logger from config. Pass a non-nil provider to tee entries
// into the OpenTelemetry log pipeline alongside stderr.
func New(cfg *Config, provider otellog.LoggerProvider) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	if cfg.Sampling.Enabled {
		core = zapcore.NewSamplerWithOptions(core, 1, cfg.Sampling.Initial, cfg.Sampling.Thereafter)
	}
	if provider != nil {
		bridge := otelzap.NewCore("github.com/bottleneckbots/agentmem",
			otelzap.WithLoggerProvider(provider))
		core = zapcore.NewTee(core, bridge)
	}

	logger := zap.New(core)

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}

	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
