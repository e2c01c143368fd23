package log

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/ref"
)

// Options 具名日志器配置，名为 default 的日志器作为默认日志器
type Options map[string]*ref.TypeOptions

// LogManager 管理具名日志器
type LogManager struct {
	loggers       map[string]Logger
	defaultLogger Logger
}

func NewLogManagerWithOptions(options Options) (*LogManager, error) {
	manager := &LogManager{loggers: map[string]Logger{}}
	for name, typeOptions := range options {
		if typeOptions == nil {
			continue
		}
		l, err := NewLoggerWithOptions(typeOptions)
		if err != nil {
			return nil, errors.WithMessagef(err, "create logger [%s] failed", name)
		}
		manager.loggers[name] = l
	}

	manager.defaultLogger = Default()
	if l, ok := manager.loggers["default"]; ok {
		manager.defaultLogger = l
	}
	return manager, nil
}

// GetLogger 获取具名日志器，不存在时返回默认日志器
func (m *LogManager) GetLogger(name string) Logger {
	if l, ok := m.loggers[name]; ok {
		return l
	}
	return m.defaultLogger
}

func (m *LogManager) GetDefault() Logger {
	return m.defaultLogger
}

// ListLoggers 返回已配置的日志器名称
func (m *LogManager) ListLoggers() []string {
	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
