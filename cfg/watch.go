package cfg

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher 监听配置文件变化，文件被写入或替换时回调最新内容
type Watcher struct {
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	handlers map[string][]func(data []byte) error
	onError  func(filename string, err error)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher 创建文件监听器，onError 可以为 nil
func NewWatcher(onError func(filename string, err error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "fsnotify.NewWatcher failed")
	}
	if onError == nil {
		onError = func(string, error) {}
	}

	w := &Watcher{
		watcher:  fw,
		handlers: map[string][]func([]byte) error{},
		onError:  onError,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch 注册文件变化回调
// 监听的是文件所在目录，以便兼容编辑器的“写临时文件再重命名”的保存方式
func (w *Watcher) Watch(filename string, fn func(data []byte) error) error {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return errors.Wrapf(err, "invalid path [%s]", filename)
	}

	w.mu.Lock()
	_, watched := w.handlers[abs]
	w.handlers[abs] = append(w.handlers[abs], fn)
	w.mu.Unlock()

	if watched {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "watch dir [%s] failed", filepath.Dir(abs))
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.dispatch(filepath.Clean(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError("", err)
		}
	}
}

func (w *Watcher) dispatch(filename string) {
	w.mu.RLock()
	handlers := append([]func([]byte) error(nil), w.handlers[filename]...)
	w.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		w.onError(filename, errors.Wrap(err, "read file failed"))
		return
	}
	for _, handler := range handlers {
		if err := handler(data); err != nil {
			w.onError(filename, err)
		}
	}
}

// Close 停止监听
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
