// Package logging builds the process logger and the per-fuzzer/per-target
// loggers every campaign event is written to.
//
// The process logger writes JSON to stderr. Loggers returned by
// Registry.For tee into workdir/log/<fuzzer>/<target>.log as well, so a
// failing campaign can be diagnosed from its target log alone.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"captain/internal/workdir"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. verbose lowers the level to debug.
func New(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Registry hands out target loggers and owns their files.
type Registry struct {
	root   *zap.Logger
	layout workdir.Layout
	level  zapcore.LevelEnabler

	mu      sync.Mutex
	files   map[string]*os.File
	loggers map[string]*zap.Logger
}

// NewRegistry returns a Registry whose loggers extend root.
func NewRegistry(root *zap.Logger, layout workdir.Layout) *Registry {
	return &Registry{
		root:    root,
		layout:  layout,
		level:   zapcore.DebugLevel,
		files:   make(map[string]*os.File),
		loggers: make(map[string]*zap.Logger),
	}
}

// For returns the logger for a fuzzer/target pair, creating its file on
// first use. If the file cannot be opened the root logger is used alone.
func (r *Registry) For(fuzzer, target string) *zap.Logger {
	key := fuzzer + "/" + target

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[key]; ok {
		return l
	}

	fields := []zap.Field{zap.String("fuzzer", fuzzer), zap.String("target", target)}
	path := r.layout.TargetLog(fuzzer, target)
	file, err := openAppend(path)
	if err != nil {
		r.root.Warn("Could not open target log, using process log only", zap.String("path", path), zap.Error(err))
		l := r.root.With(fields...)
		r.loggers[key] = l
		return l
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), r.level)

	l := r.root.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})).With(fields...)

	r.files[key] = file
	r.loggers[key] = l
	return l
}

// Close flushes and closes every target log file.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, l := range r.loggers {
		_ = l.Sync()
		if f, ok := r.files[key]; ok {
			errs = append(errs, f.Close())
		}
	}
	r.files = make(map[string]*os.File)
	r.loggers = make(map[string]*zap.Logger)
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
