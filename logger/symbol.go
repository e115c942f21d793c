package logger

import (
	"github.com/teranos/weft/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Queue + " Job started", "job_id", id)
//
//	// Use:
//	logger.QueueInfow("Job started", "job_id", id)
//
// This makes logs queryable by symbol and keeps messages clean.

// QueueInfow logs an info message with the Queue symbol (꩜)
func QueueInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// QueueDebugw logs a debug message with the Queue symbol (꩜)
func QueueDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// QueueWarnw logs a warning message with the Queue symbol (꩜)
func QueueWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// QueueErrorw logs an error message with the Queue symbol (꩜)
func QueueErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Queue}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}

// QueueOpenInfow logs an info message with the QueueOpen symbol (✿)
// Used for graceful startup operations
func QueueOpenInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.QueueOpen}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// QueueCloseInfow logs an info message with the QueueClose symbol (❀)
// Used for graceful shutdown operations
func QueueCloseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.QueueClose}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WireInfow logs an info message with the Wire symbol (⇌)
// Used for transport and chunked message operations
func WireInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wire}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WireDebugw logs a debug message with the Wire symbol (⇌)
func WireDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wire}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
// Used for database/storage operations
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// DBDebugw logs a debug message with the DB symbol (⊔)
func DBDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
// For ad-hoc symbol usage not covered by the helpers above.
//
// Example:
//
//	symbolLogger := logger.WithSymbol(sym.Machine)
//	symbolLogger.Infow("Publishing machine status", "machine_id", id)
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ============================================================================
// Instance logger wrappers
// ============================================================================
// These functions wrap any logger with a symbol field, useful when you have
// an instance logger (e.g., s.logger, b.logger) rather than using the global Logger.
//
// Usage:
//
//	// At initialization:
//	type Watchdog struct {
//	    queueLog *zap.SugaredLogger
//	}
//	w.queueLog = logger.AddQueueSymbol(baseLogger)
//
//	// Or inline:
//	logger.AddQueueSymbol(s.logger).Infow("Watchdog started", "interval", interval)

// AddQueueSymbol wraps a logger with the Queue symbol (꩜)
func AddQueueSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Queue)
}

// AddQueueOpenSymbol wraps a logger with the QueueOpen symbol (✿)
func AddQueueOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.QueueOpen)
}

// AddQueueCloseSymbol wraps a logger with the QueueClose symbol (❀)
func AddQueueCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.QueueClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddWireSymbol wraps a logger with the Wire symbol (⇌)
func AddWireSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Wire)
}

// AddWorkerSymbol wraps a logger with the Worker symbol (⌬)
func AddWorkerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Worker)
}

// AddMachineSymbol wraps a logger with the Machine symbol (⍟)
func AddMachineSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Machine)
}
