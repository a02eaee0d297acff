package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig bounds a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultSyncLog keeps sync.log under a megabyte with a single backup.
func DefaultSyncLog(path string) FileConfig {
	return FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1}
}

// Tee returns base with every entry also written as JSON to the rotating
// file. The returned close func flushes and closes the file.
func Tee(base *zap.Logger, cfg FileConfig) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, nil, err
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zapcore.InfoLevel)

	if base == nil {
		base = zap.NewNop()
	}
	log := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	return log, func() error {
		_ = log.Sync()
		return w.Close()
	}, nil
}
