package log

import (
	"context"
	"fmt"
)

// SafeError logs err at error level. In production mode only the error type is
// written, which keeps driver messages carrying DSNs or payloads out of logs.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil || !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))

		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
