// Package log implements structured logging using slog.
package log

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/cv2x/internal/config"
)

// Init installs the global logger described by cfg. Records always go to
// stdout and, when enabled, to a rotating file.
func Init(cfg config.LogConfig) error {
	return initWith(cfg, os.Stdout)
}

func initWith(cfg config.LogConfig, stdout io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()

	w := stdout
	if cfg.File.Enabled {
		w = io.MultiWriter(stdout, rotatingFile(cfg.File))
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.JSON() {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler).With("service", "cv2x"))
	slog.Debug("logger initialised", "level", level, "format", cfg.Format, "file", cfg.File.Enabled)
	return nil
}

func rotatingFile(fc config.FileConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
}
