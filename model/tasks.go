package model

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/log"
)

// Tasks 后台任务，调用方不等待其完成，失败写日志并发布到 Errors
type Tasks struct {
	wg     sync.WaitGroup
	errs   chan error
	logger log.Logger
}

func NewTasks(buffer int, logger log.Logger) *Tasks {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tasks{errs: make(chan error, buffer), logger: logger}
}

// Go 在后台执行 fn，fn 收到的 ctx 不会随调用方取消
func (t *Tasks) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.fail(ctx, name, errors.Errorf("panic: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			t.fail(ctx, name, err)
		}
	}()
}

func (t *Tasks) fail(ctx context.Context, name string, err error) {
	err = errors.WithMessagef(err, "background task [%s] failed", name)
	t.logger.ErrorContext(ctx, "background task failed", "task", name, "error", err.Error())
	select {
	case t.errs <- err:
	default:
		t.logger.WarnContext(ctx, "background task error dropped", "task", name)
	}
}

// Errors 后台任务的失败
func (t *Tasks) Errors() <-chan error { return t.errs }

// Wait 等待所有已提交的任务结束
func (t *Tasks) Wait() { t.wg.Wait() }
