// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger or Configure runs.
var CLILogger = zap.NewNop()

var (
	mu      sync.Mutex
	logFile *lumberjack.Logger
)

// LogConfig configures a logger.
type LogConfig struct {
	// Name is attached to every entry as the logger name.
	Name string

	// Level is debug, info, warn or error. Empty means info.
	Level string

	// JSON selects the JSON encoder for the console output.
	JSON bool

	// File, when set, receives JSON entries through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console defaults to stderr. Stdout is reserved for JSONL reports.
	Console io.Writer
}

// InitCLILogger installs a console logger at info level, or debug when
// verbose is set.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	// a fixed level and no file cannot fail
	_ = Configure(LogConfig{Name: name, Level: level})
}

// Configure replaces CLILogger. Any previous log file is closed.
func Configure(cfg LogConfig) error {
	logger, file, err := newLogger(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	if logFile != nil {
		_ = logFile.Close()
	}
	CLILogger = logger
	logFile = file
	return nil
}

// Sync flushes CLILogger and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func newLogger(cfg LogConfig) (*zap.Logger, *lumberjack.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	var consoleEnc zapcore.Encoder
	if cfg.JSON {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	} else {
		plain := encCfg
		plain.TimeKey = ""
		plain.CallerKey = ""
		plain.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(plain)
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.AddSync(console), level)}

	var file *lumberjack.Logger
	if strings.TrimSpace(cfg.File) != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, file, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
