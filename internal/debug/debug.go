package debug

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Lifecycle events (link up/down, sweep opened/sealed, mosaic published)
	LevelLive    = 2 // Live traffic (commands sent, statuses received, frames accepted)
	LevelVerbose = 3 // Per-frame and per-connection detail
	LevelTrace   = 4 // Raw lines, GPIO writes
)

// Live and Trace sit between the standard slog levels so handler
// filtering stays numeric.
const (
	slogLive  = slog.Level(-2)
	slogTrace = slog.Level(-8)
)

var (
	level  atomic.Int32
	mu     sync.Mutex
	out    io.Writer = os.Stdout
	asJSON bool
	logger atomic.Pointer[slog.Logger]
)

func init() {
	rebuild()
}

// Init sets the debug level (0-4).
// 0 = no output
// 1 = info
// 2 = live
// 3 = verbose
// 4 = trace
func Init(debugLevel int) {
	level.Store(int32(debugLevel))
	rebuild()
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
	rebuild()
}

// SetJSON switches between the text and JSON handlers.
func SetJSON(enabled bool) {
	mu.Lock()
	asJSON = enabled
	mu.Unlock()
	rebuild()
}

func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{
		Level:       minLevel(int(level.Load())),
		ReplaceAttr: renameLevels,
	}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	logger.Store(slog.New(h).With("app", "rangepano"))
}

func minLevel(l int) slog.Level {
	switch {
	case l <= LevelOff:
		return slog.Level(1 << 10)
	case l == LevelInfo:
		return slog.LevelInfo
	case l == LevelLive:
		return slogLive
	case l == LevelVerbose:
		return slog.LevelDebug
	default:
		return slogTrace
	}
}

func renameLevels(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	switch a.Value.Any().(slog.Level) {
	case slogLive:
		a.Value = slog.StringValue("LIVE")
	case slog.LevelDebug:
		a.Value = slog.StringValue("VERBOSE")
	case slogTrace:
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Logger returns the current structured logger, for components that
// take a *slog.Logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// Level returns the current debug level.
func Level() int {
	return int(level.Load())
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func emit(l slog.Level, msg string, args ...any) {
	logger.Load().Log(context.Background(), l, msg, args...)
}

// Info logs a level 1 message. args are slog key/value pairs.
func Info(msg string, args ...any) { emit(slog.LevelInfo, msg, args...) }

// Live logs a level 2 message.
func Live(msg string, args ...any) { emit(slogLive, msg, args...) }

// Verbose logs a level 3 message.
func Verbose(msg string, args ...any) { emit(slog.LevelDebug, msg, args...) }

// Trace logs a level 4 message.
func Trace(msg string, args ...any) { emit(slogTrace, msg, args...) }

// Warn logs a recoverable problem (level 1+).
func Warn(msg string, args ...any) { emit(slog.LevelWarn, msg, args...) }

// Error logs err under msg (level 1+).
func Error(msg string, err error, args ...any) {
	emit(slog.LevelError, msg, append([]any{"error", err}, args...)...)
}

// GPIO logs a pin operation (level 4).
func GPIO(operation string, pin int, value any) {
	emit(slogTrace, "gpio", "op", operation, "pin", pin, "value", value)
}

// Section logs a section header (level 3).
func Section(name string) {
	emit(slog.LevelDebug, strings.Repeat("━", 8)+" "+name+" "+strings.Repeat("━", 8))
}

// Value logs a named startup value (level 1).
func Value(name string, value any) {
	emit(slog.LevelInfo, "config", "name", name, "value", value)
}

// LogLines logs every line read from r at level 2 until r is exhausted.
// Used to surface the output of child processes.
func LogLines(r io.Reader, msg string, args ...any) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		emit(slogLive, msg, append([]any{"line", sc.Text()}, args...)...)
	}
}
