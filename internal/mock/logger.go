// Package mock provides test doubles for the engine's interfaces.
package mock

import "signal_relay/internal/core"

// Logger is a no-op logger for tests.
type Logger struct{}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string, fields ...interface{}) {}
func (l *Logger) Info(msg string, fields ...interface{})  {}
func (l *Logger) Warn(msg string, fields ...interface{})  {}
func (l *Logger) Error(msg string, fields ...interface{}) {}
func (l *Logger) Fatal(msg string, fields ...interface{}) {}

func (l *Logger) WithField(string, interface{}) core.ILogger     { return l }
func (l *Logger) WithFields(map[string]interface{}) core.ILogger { return l }
