package logger

import "sync"

// LoggerInstance is a logging backend. Keyvals are alternating key/value pairs.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger fans log calls out to every registered backend.
type Logger struct {
	mu        sync.RWMutex
	instances []LoggerInstance
}

var singleton = &Logger{}

// Init replaces the global backends. Calls made before Init are dropped.
func Init(instances ...LoggerInstance) {
	singleton.mu.Lock()
	defer singleton.mu.Unlock()
	singleton.instances = instances
}

// Add registers another backend next to the existing ones.
func Add(instance LoggerInstance) {
	singleton.mu.Lock()
	defer singleton.mu.Unlock()
	singleton.instances = append(singleton.instances, instance)
}

func dispatch(fn func(LoggerInstance)) {
	singleton.mu.RLock()
	instances := singleton.instances
	singleton.mu.RUnlock()

	for _, instance := range instances {
		fn(instance)
	}
}

// Log writes a message at the default level.
func Log(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Log(message, keyvals...) })
}

// Info writes a message at INFO level.
func Info(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Info(message, keyvals...) })
}

// Warn writes a message at WARN level.
func Warn(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level.
func Error(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Error(message, keyvals...) })
}

// Debug writes a message at DEBUG level.
func Debug(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Debug(message, keyvals...) })
}

// Fatal writes a message at FATAL level. Backends are expected to exit.
func Fatal(message string, keyvals ...any) {
	dispatch(func(l LoggerInstance) { l.Fatal(message, keyvals...) })
}
