package logger

// Logger is the minimal structured logging surface the engine depends on.
// Key/value pairs are interpreted as alternating keys and values.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}
