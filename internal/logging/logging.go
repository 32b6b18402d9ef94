package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// Init installs the default logger. LOG_LEVEL picks the level and
// LOG_FILE, when set, sends output to a rotated file instead of stderr.
func Init() {
	slog.SetDefault(New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FILE")))
}

func New(level, file string) *slog.Logger {
	var out io.Writer = os.Stderr
	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			LocalTime:  true,
		}
	}

	return slog.New(
		slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: ParseLevel(level),
		}),
	)
}

func ParseLevel(l string) slog.Level {
	switch l {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default: // production only shows errors
		return slog.LevelError
	}
}
