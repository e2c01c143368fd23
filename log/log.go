package log

import (
	"sync/atomic"

	"github.com/hatlonely/modeldb/log/logger"
	"github.com/hatlonely/modeldb/ref"
	"github.com/pkg/errors"
)

// Logger 日志接口
type Logger = logger.Logger

func init() {
	ref.MustRegisterT[logger.SLog](logger.NewSLogWithOptions)
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := logger.NewSLogWithOptions(&logger.SLogOptions{Level: "info", Format: "text"})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	SetDefault(l)
}

// Default 返回进程默认日志器
func Default() Logger {
	return *defaultLogger.Load()
}

// SetDefault 替换进程默认日志器
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger.Store(&l)
	}
}

// NewLoggerWithOptions 通过 ref 创建日志器，options 为 nil 时返回默认日志器
func NewLoggerWithOptions(options *ref.TypeOptions) (Logger, error) {
	if options == nil || options.Type == "" {
		return Default(), nil
	}
	l, err := ref.NewAs[Logger](options)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	return l, nil
}
