package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "kafka reader commerce.facts")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverToError recovers from a panic and stores it in *err, so a goroutine
// in an errgroup reports the panic instead of crashing the process:
//
//	g.Go(func() (err error) {
//	    defer observability.RecoverToError(logger, "song rollup", &err)
//	    ...
//	})
func RecoverToError(logger *Logger, where string, err *error) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if err != nil {
			*err = fmt.Errorf("panic in %s: %v", where, r)
		}
	}
}

func logPanic(logger *Logger, where string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
