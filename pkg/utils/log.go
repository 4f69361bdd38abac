package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// PrefixLogger is a registered logger and the level it was created with.
type PrefixLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
}

func (pl *PrefixLogger) Level() string {
	switch pl.level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	loggersMu       sync.Mutex
	loggers         = make(map[string]*PrefixLogger)
	output          io.Writer = os.Stderr
	DefaultLogLevel           = log.InfoLevel
)

// NewLogrusLogger returns the logger registered under prefix, creating it on
// first use.
func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, found := loggers[prefix]; found {
		return logger.Logger.WithPrefix(prefix)
	}
	l := logrus.New()
	l.Out = output
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceFormatting: true,
	}
	l.SetReportCaller(true)
	logger := log.NewLogrusLogger(l, "main", fields)
	logger.SetLevel(level)
	loggers[prefix] = &PrefixLogger{
		Logger: logger,
		level:  level,
	}
	return logger.WithPrefix(prefix)
}

func SetLogLevel(prefix string, level log.Level) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, found := loggers[prefix]; found {
		logger.level = level
		logger.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// SetAllLogLevels changes every registered logger and the default level used
// for loggers created afterwards.
func SetAllLogLevels(level log.Level) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	DefaultLogLevel = level
	for _, logger := range loggers {
		logger.level = level
		logger.Logger.SetLevel(level)
	}
}

// SetOutput redirects loggers created after the call.
func SetOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	output = w
}

func GetLoggers() map[string]*PrefixLogger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	out := make(map[string]*PrefixLogger, len(loggers))
	for k, v := range loggers {
		out[k] = v
	}
	return out
}

// ParseLogLevel accepts logrus level names ("debug", "info", "warn", ...).
func ParseLogLevel(name string) (log.Level, error) {
	if strings.TrimSpace(name) == "" {
		return DefaultLogLevel, nil
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return DefaultLogLevel, err
	}
	return log.Level(lvl), nil
}
