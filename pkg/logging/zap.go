package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the operational log backend
type ZapConfig struct {
	Level      string `yaml:"level,omitempty"`  // "debug", "info", "warn", "error"
	Format     string `yaml:"format,omitempty"` // "json", "console"
	Output     string `yaml:"output,omitempty"` // "stdout", "stderr", file path
	Caller     bool   `yaml:"caller,omitempty"`
	Stacktrace bool   `yaml:"stacktrace,omitempty"`
}

// DefaultZapConfig returns the configuration used when none is given
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// NewZapLogger builds a zap logger from configuration. The returned cleanup
// function syncs the logger and closes the output file, if any.
func NewZapLogger(config ZapConfig) (*zap.Logger, func(), error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var file *os.File
	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		writeSyncer = zapcore.Lock(os.Stdout)
	case "stderr", "":
		writeSyncer = zapcore.Lock(os.Stderr)
	default:
		file, err = os.OpenFile(config.Output, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output %q: %w", config.Output, err)
		}
		writeSyncer = zapcore.Lock(file)
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger := zap.New(zapcore.NewCore(encoder, writeSyncer, level), opts...)

	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}

	return logger, cleanup, nil
}

// NewZapLogFuncs adapts a sugared zap logger to LogFuncs
func NewZapLogFuncs(sugar *zap.SugaredLogger) LogFuncs {
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

// ParseLevel mirrors zapcore.ParseLevel, which the pinned zap version lacks.
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
