package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Config controls the shared logger.
type Config struct {
	Level  string
	Format string // text or json
}

var (
	mu      sync.Mutex
	base    *logrus.Logger
	loggers = make(map[string]*logrus.Entry)
)

// Configure (re)initialises the shared logger. Component loggers created
// earlier keep pointing at the same underlying logger, so they pick up the
// new level and formatter.
func Configure(cfg Config, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	logger := baseLocked()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	levelStr := "info"
	if env := os.Getenv("SESSIONKEEPER_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   isTerminal(out),
		})
	}
}

// NewLogger returns the logger for a component. Entries are cached per component.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}
	entry := baseLocked().WithField("component", component)
	loggers[component] = entry
	return entry
}

func baseLocked() *logrus.Logger {
	if base == nil {
		base = logrus.New()
	}
	return base
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
