package config

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	Path string `yaml:"path"`
}

// CreateLogger builds the process logger. With a configured log path the
// logger tees structured output into a file alongside stderr; the returned
// closer flushes and releases the file.
func (c *Config) CreateLogger(debug bool) (*zap.Logger, io.Closer, error) {
	filename := c.LogFile
	if filename != "" || c.Logger != nil {
		dir := ""
		if c.Logger != nil {
			dir = c.Logger.Path
		}
		if filename == "" {
			filename = "qicd.log"
		}

		path := filepath.Join(dir, filename)
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, errors.Wrap(err, "create logger")
			}
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create logger")
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		level := zapcore.InfoLevel
		if debug {
			encoderCfg = zap.NewDevelopmentEncoderConfig()
			level = zapcore.DebugLevel
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderCfg),
				zapcore.AddSync(file),
				level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stderr),
				level,
			),
		)
		return zap.New(core), file, nil
	}

	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}

	return logger, io.NopCloser(nil), errors.Wrap(err, "create logger")
}
