package chat

import "log/slog"

// invariant reports a broken internal invariant. Builds tagged chatdebug
// panic; otherwise the violation is logged and the caller skips the work.
func invariant(log *slog.Logger, msg string, args ...any) {
	if strictInvariants {
		panic("chat: invariant violated: " + msg)
	}
	log.Error("Invariant violated: "+msg, args...)
}
