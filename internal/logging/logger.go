// Package logging provides categorized logging for policyguard on top of
// zap. Each subsystem logs through its own named logger so operators can
// follow one concern (store, agent, llm) without the rest.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup/shutdown
	CategoryExtract   Category = "extract"   // text extraction, OCR fallback
	CategoryChunker   Category = "chunker"   // chunking and classification
	CategoryEmbedding Category = "embedding" // embedding engine calls
	CategoryStore     Category = "store"     // chunk store operations
	CategoryLLM       Category = "llm"       // LLM provider calls
	CategoryAgent     Category = "agent"     // guardrail state machine
	CategoryChat      Category = "chat"      // session orchestration
	CategoryIngest    Category = "ingest"    // ingestion pipeline
	CategoryAPI       Category = "api"       // HTTP surface
	CategoryAudit     Category = "audit"     // grounding failures, isolation checks
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize installs the process-wide logger. debug enables DebugLevel
// with development encoding. Later calls replace the root and drop cached
// category loggers.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Printf-style helpers for the hot categories, so call sites read
// logging.Store("inserted %d chunks", n).

func Extract(format string, args ...interface{})   { Get(CategoryExtract).Infof(format, args...) }
func Chunker(format string, args ...interface{})   { Get(CategoryChunker).Infof(format, args...) }
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Infof(format, args...) }
func Store(format string, args ...interface{})     { Get(CategoryStore).Infof(format, args...) }
func LLM(format string, args ...interface{})       { Get(CategoryLLM).Infof(format, args...) }
func Agent(format string, args ...interface{})     { Get(CategoryAgent).Infof(format, args...) }
func Chat(format string, args ...interface{})      { Get(CategoryChat).Infof(format, args...) }
func Ingest(format string, args ...interface{})    { Get(CategoryIngest).Infof(format, args...) }

func ExtractDebug(format string, args ...interface{}) { Get(CategoryExtract).Debugf(format, args...) }
func ChunkerDebug(format string, args ...interface{}) { Get(CategoryChunker).Debugf(format, args...) }
func StoreDebug(format string, args ...interface{})   { Get(CategoryStore).Debugf(format, args...) }
func LLMDebug(format string, args ...interface{})     { Get(CategoryLLM).Debugf(format, args...) }
func AgentDebug(format string, args ...interface{})   { Get(CategoryAgent).Debugf(format, args...) }

// Audit records legally significant events: grounding failures, isolation
// checks, verdict downgrades. Warn level so production filters never drop
// them.
func Audit(format string, args ...interface{}) { Get(CategoryAudit).Warnf(format, args...) }
