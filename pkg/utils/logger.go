package utils

import (
	"log"
)

// Logger provides logging functionality scoped to a named component
type Logger struct {
	component string
	verbose   bool
}

// NewLogger creates a new logger instance
func NewLogger(component string, verbose bool) *Logger {
	return &Logger{
		component: component,
		verbose:   verbose,
	}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.verbose {
		log.Printf("[INFO] ["+l.component+"] "+format, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	log.Printf("[ERROR] ["+l.component+"] "+format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.verbose {
		log.Printf("[DEBUG] ["+l.component+"] "+format, args...)
	}
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	log.Printf("[WARNING] ["+l.component+"] "+format, args...)
}
