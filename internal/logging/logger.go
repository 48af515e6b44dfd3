// Package logging provides config-driven categorized file-based logging for
// autotune. Logs are written to <state-dir>/logs/ with separate files per
// category. Nothing is written unless debug mode is enabled via Configure.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategoryConfig     Category = "config"     // Config load and hot reload
	CategoryRegistry   Category = "registry"   // Capability registration and lookup
	CategoryInvoke     Category = "invoke"     // Plugin invocation boundary
	CategoryUsage      Category = "usage"      // Usage tracking and snapshots
	CategoryScheduler  Category = "scheduler"  // Tick loop, selection, dispatch
	CategoryExperiment Category = "experiment" // Experiment state machine
	CategoryStore      Category = "store"      // Run store operations
	CategoryAPI        Category = "api"        // LLM provider calls
)

// Options controls what gets logged. Applied via Configure, typically from
// the loaded config so this package never reads config files itself.
type Options struct {
	Debug      bool
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil means all categories enabled
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string

	optsMu   sync.RWMutex
	opts     Options
	logLevel int
)

// Initialize sets up the logging directory. Should be called once at startup
// with the state directory (e.g. <workspace>/.autotune).
func Initialize(stateDir string) error {
	if stateDir == "" {
		return fmt.Errorf("state dir required")
	}
	logsDir = filepath.Join(stateDir, "logs")
	return nil
}

// Configure applies logging options. Safe to call again on config reload.
func Configure(o Options) {
	optsMu.Lock()
	defer optsMu.Unlock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// IsDebugMode reports whether logging is active at all.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.Debug
}

// IsCategoryEnabled reports whether a category should be written.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	if !opts.Debug {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	return ok && enabled
}

func levelEnabled(level int) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return level >= logLevel
}

// Get returns the logger for a category, creating its log file on first use.
// Returns a usable no-op logger when the category is disabled.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l = &Logger{category: category}
	if IsCategoryEnabled(category) && logsDir != "" {
		if err := os.MkdirAll(logsDir, 0755); err == nil {
			path := filepath.Join(logsDir, string(category)+".log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
				l.file = f
				l.logger = log.New(f, "", 0)
			}
		}
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || !IsCategoryEnabled(l.category) || !levelEnabled(level) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("%s [%s] %s", ts, tag, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// CloseAll closes all open log files. Call on shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// ============================================================================
// Convenience helpers - one Info/Debug/Warn/Error set per category
// ============================================================================

// Boot logs boot/wiring info.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootDebug logs boot/wiring debug details.
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

// BootError logs boot failures.
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Config logs config activity.
func Config(format string, args ...interface{}) { Get(CategoryConfig).Info(format, args...) }

// ConfigDebug logs config debug details.
func ConfigDebug(format string, args ...interface{}) { Get(CategoryConfig).Debug(format, args...) }

// ConfigWarn logs config warnings.
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

// Registry logs capability registration activity.
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

// RegistryDebug logs registry debug details.
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }

// Invoke logs invocation boundary activity.
func Invoke(format string, args ...interface{}) { Get(CategoryInvoke).Info(format, args...) }

// InvokeDebug logs invocation debug details.
func InvokeDebug(format string, args ...interface{}) { Get(CategoryInvoke).Debug(format, args...) }

// InvokeWarn logs invocation warnings (timeouts, malformed results).
func InvokeWarn(format string, args ...interface{}) { Get(CategoryInvoke).Warn(format, args...) }

// Usage logs usage tracker activity.
func Usage(format string, args ...interface{}) { Get(CategoryUsage).Info(format, args...) }

// UsageDebug logs usage tracker debug details.
func UsageDebug(format string, args ...interface{}) { Get(CategoryUsage).Debug(format, args...) }

// Scheduler logs tick loop activity.
func Scheduler(format string, args ...interface{}) { Get(CategoryScheduler).Info(format, args...) }

// SchedulerDebug logs tick loop debug details.
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs tick loop warnings (skipped ticks, backoff).
func SchedulerWarn(format string, args ...interface{}) { Get(CategoryScheduler).Warn(format, args...) }

// Experiment logs experiment lifecycle activity.
func Experiment(format string, args ...interface{}) { Get(CategoryExperiment).Info(format, args...) }

// ExperimentDebug logs experiment debug details.
func ExperimentDebug(format string, args ...interface{}) {
	Get(CategoryExperiment).Debug(format, args...)
}

// ExperimentWarn logs experiment warnings (cleanup failures).
func ExperimentWarn(format string, args ...interface{}) {
	Get(CategoryExperiment).Warn(format, args...)
}

// Store logs run store activity.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs run store debug details.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// API logs LLM provider call activity.
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIDebug logs LLM provider call debug details.
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

// ============================================================================
// Performance timing helper
// ============================================================================

// Timer measures an operation's duration for a category.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("SLOW: %s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
