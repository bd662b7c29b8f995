package observability

import (
	"log/slog"
	"os"
)

// EnableDebugLogging installs a text handler at debug level on stderr as the default slog
// handler. Command line tools call it behind their -debug flag.
func EnableDebugLogging() {

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
}
