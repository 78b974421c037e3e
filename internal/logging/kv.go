package logging

import "fmt"

// KVLogger adapts a Logger to the key/value logging interface used by
// schedulers such as robfig/cron.
type KVLogger struct {
	L *Logger
}

// Info logs msg at debug level; schedulers are chatty.
func (a KVLogger) Info(msg string, keysAndValues ...any) {
	a.L.Log(LevelDebug, msg, kvFields(keysAndValues))
}

// Error logs msg and err at error level.
func (a KVLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	a.L.Log(LevelError, msg, fields)
}

func kvFields(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["extra"] = kv[len(kv)-1]
	}
	return fields
}
