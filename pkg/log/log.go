package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.Nop()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// FileTarget describes an optional rotated log file
type FileTarget struct {
	Path       string // Directory holding the log file
	FileName   string
	MaxSizeMB  int // Rotate after this size (default: 100)
	MaxBackups int // Rotated files to keep (default: 5)
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	File       *FileTarget
}

// ParseLevel maps a user supplied level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(s) {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return Level(s)
	case "warning":
		return WarnLevel
	default:
		return InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// The file always receives JSON so it can be shipped as-is
	if cfg.File != nil && cfg.File.FileName != "" {
		output = zerolog.MultiLevelWriter(output, newFileWriter(cfg.File))
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

func newFileWriter(t *FileTarget) io.Writer {
	maxSize := t.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := t.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(t.Path, t.FileName),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithGroup creates a child logger with task_group field
func WithGroup(group string) zerolog.Logger {
	return Logger.With().Str("task_group", group).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
