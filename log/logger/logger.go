package logger

import (
	"context"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

type nop struct{}

// Nop 丢弃所有日志
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...any)                          {}
func (nop) Info(string, ...any)                           {}
func (nop) Warn(string, ...any)                           {}
func (nop) Error(string, ...any)                          {}
func (nop) DebugContext(context.Context, string, ...any)  {}
func (nop) InfoContext(context.Context, string, ...any)   {}
func (nop) WarnContext(context.Context, string, ...any)   {}
func (nop) ErrorContext(context.Context, string, ...any)  {}
func (n nop) With(...any) Logger                          { return n }
func (n nop) WithGroup(string) Logger                     { return n }
