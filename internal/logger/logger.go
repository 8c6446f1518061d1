// Package logger provides structured logging for the chat relay
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with relay-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
	Node       string
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zctx := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "chatrelay")
	if cfg.Node != "" {
		zctx = zctx.Str("node", cfg.Node)
	}
	zlog := zctx.Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

func (l *Logger) component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// PeerLogger returns a logger for inter-node RPC
func (l *Logger) PeerLogger() *Logger {
	return l.component("peer")
}

// RouterLogger returns a logger for the relay loop and router
func (l *Logger) RouterLogger() *Logger {
	return l.component("router")
}

// WebLogger returns a logger for the local HTTP and WebSocket surface
func (l *Logger) WebLogger() *Logger {
	return l.component("web")
}

// LogPeerRequest logs an inbound inter-node request with structured fields
func (l *Logger) LogPeerRequest(method string, source string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}

	event.Str("component", "peer").
		Str("method", method).
		Str("source", source).
		Dur("duration_ms", duration).
		Msg("peer request completed")
}

// LogForward logs the outcome of forwarding a message to a peer relay
func (l *Logger) LogForward(target string, duration time.Duration, err error) {
	if err != nil {
		l.zlog.Warn().
			Str("target", target).
			Dur("duration_ms", duration).
			Err(err).
			Msg("forward failed, message kept locally")
		return
	}

	l.zlog.Debug().
		Str("target", target).
		Dur("duration_ms", duration).
		Msg("forward acknowledged")
}

// LogServerStart logs relay startup
func (l *Logger) LogServerStart(node string, peerAddr string, httpAddr string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("node", node).
		Str("peer_addr", peerAddr).
		Str("http_addr", httpAddr).
		Msg("chat relay starting")
}

// LogServerReady logs when the relay accepts work
func (l *Logger) LogServerReady() {
	l.zlog.Info().
		Str("event", "server_ready").
		Msg("chat relay ready to accept connections")
}

// LogServerShutdown logs relay shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("chat relay shutting down")
}
