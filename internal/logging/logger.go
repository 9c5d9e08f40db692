// Package logging provides categorized structured logging for freelab.
// Every category is a named child of one zap logger; categories can be switched
// off individually from configuration, in which case their loggers are no-ops.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Boot/initialization
	CategoryAPI          Category = "api"          // HTTP surface
	CategoryAuth         Category = "auth"         // Claims extraction, membership
	CategoryPerception   Category = "perception"   // Generative backend calls
	CategoryArticulation Category = "articulation" // Output parsing and repair
	CategoryQuota        Category = "quota"        // Admission and metering
	CategoryStore        Category = "store"        // SQL stores
	CategoryStep         Category = "step"         // Step orchestration
	CategoryJournal      Category = "journal"      // Step journal archive
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string // "json" or "console"
	Categories map[string]bool
}

// Logger is a category-scoped logger with printf-style helpers.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg. Safe to call again after a
// configuration reload.
func Initialize(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	install(l, cfg.Categories)
	return nil
}

// InitializeWithCore installs a logger writing to core. Used by tests to
// capture entries with zaptest/observer.
func InitializeWithCore(core zapcore.Core, enabled map[string]bool) {
	install(zap.New(core), enabled)
}

// Use installs an already-built zap logger, e.g. the one created by the CLI.
func Use(l *zap.Logger, enabled map[string]bool) {
	install(l, enabled)
}

func install(l *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Zap returns the underlying process logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = Zap().Sync()
}

// IsCategoryEnabled reports whether category writes anything. Categories not
// named in configuration are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) the logger for category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	enabled := IsCategoryEnabled(category)

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	zl := zap.NewNop()
	if enabled {
		zl = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.Desugar().With(fields...).Sugar()}
}

// Zap exposes the structured logger behind l.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIWarn(format string, args ...interface{})  { Get(CategoryAPI).Warn(format, args...) }

func Auth(format string, args ...interface{})      { Get(CategoryAuth).Info(format, args...) }
func AuthDebug(format string, args ...interface{}) { Get(CategoryAuth).Debug(format, args...) }

func Perception(format string, args ...interface{})      { Get(CategoryPerception).Info(format, args...) }
func PerceptionDebug(format string, args ...interface{}) { Get(CategoryPerception).Debug(format, args...) }
func PerceptionWarn(format string, args ...interface{})  { Get(CategoryPerception).Warn(format, args...) }

func Articulation(format string, args ...interface{}) { Get(CategoryArticulation).Info(format, args...) }
func ArticulationDebug(format string, args ...interface{}) {
	Get(CategoryArticulation).Debug(format, args...)
}
func ArticulationWarn(format string, args ...interface{}) {
	Get(CategoryArticulation).Warn(format, args...)
}

func Quota(format string, args ...interface{})      { Get(CategoryQuota).Info(format, args...) }
func QuotaDebug(format string, args ...interface{}) { Get(CategoryQuota).Debug(format, args...) }
func QuotaWarn(format string, args ...interface{})  { Get(CategoryQuota).Warn(format, args...) }
func QuotaError(format string, args ...interface{}) { Get(CategoryQuota).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Step(format string, args ...interface{})      { Get(CategoryStep).Info(format, args...) }
func StepDebug(format string, args ...interface{}) { Get(CategoryStep).Debug(format, args...) }
func StepWarn(format string, args ...interface{})  { Get(CategoryStep).Warn(format, args...) }
func StepError(format string, args ...interface{}) { Get(CategoryStep).Error(format, args...) }

func Journal(format string, args ...interface{})     { Get(CategoryJournal).Info(format, args...) }
func JournalWarn(format string, args ...interface{}) { Get(CategoryJournal).Warn(format, args...) }
