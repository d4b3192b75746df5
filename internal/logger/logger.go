package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/asynchttp/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// TransferLogger writes one entry per finished request operation.
type TransferLogger struct {
	logger zerolog.Logger
	config config.TransferLogConfig
	mu     sync.Mutex
	output io.WriteCloser
}

// ErrorLogger handles diagnostic logging gated by the configured level.
type ErrorLogger struct {
	logger         zerolog.Logger
	config         config.ErrorLogConfig
	globalLogLevel config.LogLevel
	output         io.WriteCloser
}

// Logger is a general logger that contains specific loggers for transfers and errors.
type Logger struct {
	transferLog    *TransferLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

// TransferRecord describes one finished request operation.
type TransferRecord struct {
	ID            int
	Method        string
	Target        string
	Host          string
	Port          uint16
	Status        int
	ResponseBytes int64
	Duration      time.Duration
	Err           error
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{globalLogLevel: cfg.LogLevel}

	errorTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		errorTarget = cfg.ErrorLog.Target
	}
	errorOutput, err := openTarget(errorTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log file %s: %w", errorTarget, err)
	}
	l.errorLog = &ErrorLogger{
		logger:         newZerolog(errorOutput, "json").Level(zerologLevel(cfg.LogLevel)),
		config:         config.ErrorLogConfig{Target: errorTarget},
		globalLogLevel: cfg.LogLevel,
		output:         errorOutput,
	}

	if cfg.TransferLog != nil && (cfg.TransferLog.Enabled == nil || *cfg.TransferLog.Enabled) {
		target := cfg.TransferLog.Target
		if target == "" {
			target = "stderr"
		}
		transferOutput, errOpen := openTarget(target)
		if errOpen != nil {
			closeIfFile(errorOutput)
			return nil, fmt.Errorf("failed to open transfer log file %s: %w", target, errOpen)
		}
		l.transferLog = &TransferLogger{
			logger: newZerolog(transferOutput, cfg.TransferLog.Format),
			config: *cfg.TransferLog,
			output: transferOutput,
		}
	}

	return l, nil
}

// New returns a logger writing JSON error entries at level to w, without a
// transfer log. Intended for tests and embedding.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{
		errorLog: &ErrorLogger{
			logger:         newZerolog(w, "json").Level(zerologLevel(level)),
			config:         config.ErrorLogConfig{Target: "stderr"},
			globalLogLevel: level,
			output:         nopWriteCloser{w},
		},
		globalLogLevel: level,
	}
}

// WithTransferLog attaches a transfer log writing to w.
func (l *Logger) WithTransferLog(w io.Writer, format string) *Logger {
	l.transferLog = &TransferLogger{
		logger: newZerolog(w, format),
		config: config.TransferLogConfig{Target: "stdout", Format: format},
		output: nopWriteCloser{w},
	}
	return l
}

// With returns a logger whose error and transfer entries also carry fields.
// It shares outputs with l, and closing it leaves them open.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	out := &Logger{globalLogLevel: l.globalLogLevel}
	if l.errorLog != nil {
		el := *l.errorLog
		el.logger = el.logger.With().Fields(map[string]interface{}(fields)).Logger()
		el.output = nopWriteCloser{el.output}
		out.errorLog = &el
	}
	if tl := l.transferLog; tl != nil {
		out.transferLog = &TransferLogger{
			logger: tl.logger.With().Fields(map[string]interface{}(fields)).Logger(),
			config: tl.config,
			output: nopWriteCloser{tl.output},
		}
	}
	return out
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{globalLogLevel: config.LogLevelError}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func openTarget(target string) (io.WriteCloser, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	return os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func closeIfFile(w io.WriteCloser) {
	if f, ok := w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		f.Close()
	}
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if format == "text" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError writes an entry at level with optional fields.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...LogFields) {
	if el == nil {
		return
	}
	var ev *zerolog.Event
	switch level {
	case config.LogLevelDebug:
		ev = el.logger.Debug()
	case config.LogLevelWarning:
		ev = el.logger.Warn()
	case config.LogLevelError:
		ev = el.logger.Error()
	default:
		ev = el.logger.Info()
	}
	if ev == nil {
		return // below the configured level
	}
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

// LogTransfer writes a transfer log entry.
func (tl *TransferLogger) LogTransfer(rec TransferRecord) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ev := tl.logger.Log().
		Int("id", rec.ID).
		Str("method", rec.Method).
		Str("target", rec.Target).
		Str("host", rec.Host).
		Uint16("port", rec.Port).
		Int("status", rec.Status).
		Int64("resp_bytes", rec.ResponseBytes).
		Int64("duration_ms", rec.Duration.Milliseconds())
	if rec.Err != nil {
		ev = ev.Str("error", rec.Err.Error())
	}
	ev.Msg("")
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelError, msg, fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil && l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
	}
}

// DebugEnabled reports whether debug entries would be written.
func (l *Logger) DebugEnabled() bool {
	return l != nil && l.errorLog != nil && l.globalLogLevel == config.LogLevelDebug
}

// Transfer records a finished request operation in the transfer log, if enabled.
func (l *Logger) Transfer(rec TransferRecord) {
	if l != nil && l.transferLog != nil {
		l.transferLog.LogTransfer(rec)
	}
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() {
	if l == nil {
		return
	}
	if l.transferLog != nil && l.transferLog.output != nil {
		closeIfFile(l.transferLog.output)
	}
	if l.errorLog != nil && l.errorLog.output != nil {
		closeIfFile(l.errorLog.output)
	}
}
