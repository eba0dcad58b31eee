// Package logging configures logrus for the observatory binaries.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and the optional rotated log file.
type Options struct {
	Debug bool `yaml:"debug"`
	// File is written in addition to stderr when set.
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

var DefaultOptions = Options{
	MaxSize:    50,
	MaxBackups: 5,
	MaxAge:     30,
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup applies opts to logger. The returned closer releases the log file.
func Setup(logger *log.Logger, opts Options) io.Closer {
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if opts.Debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
		Compress:   opts.Compress,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return file
}
