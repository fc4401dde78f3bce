package logger

import (
	"marquee/pkg/models"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	z            *zap.Logger
	file         *os.File
	debugEnabled bool
}

func NewLogger(cfg *models.LogConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.DebugEnabled {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	newEncoder := func() zapcore.Encoder {
		if cfg.Json {
			return zapcore.NewJSONEncoder(encCfg)
		}
		return zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core
	if cfg.ToStdout {
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), level))
	}

	var file *os.File
	if cfg.ToFile {
		if cfg.FilePath == "" {
			cfg.FilePath = "marquee.log"
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		file = f
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.AddSync(f), level))
	}

	z := zap.New(zapcore.NewTee(cores...))
	if name := strings.Trim(cfg.Prefix, "[] "); name != "" {
		z = z.Named(name)
	}

	return &Logger{
		z:            z,
		file:         file,
		debugEnabled: cfg.DebugEnabled,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) Info(msg string) {
	l.z.Info(msg)
}

func (l *Logger) Warn(msg string) {
	l.z.Warn(msg)
}

func (l *Logger) Debug(msg string) {
	if l.debugEnabled {
		l.z.Debug(msg)
	}
}

func (l *Logger) Error(msg string) {
	l.z.Error(msg)
}

func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
