package log

import (
	"context"
	"fmt"
)

// SafeError logs err at error level. With production set only the error type
// is logged, which keeps driver messages (and whatever they echo back) out of
// shared log sinks.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
