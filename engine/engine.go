// Package engine 根据一份配置组装日志、后端、装饰器和模型
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/backend"
	"github.com/hatlonely/modeldb/cfg"
	_ "github.com/hatlonely/modeldb/decorator"
	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
)

// DecoratorNamespace 装饰器未指定命名空间时使用
const DecoratorNamespace = "github.com/hatlonely/modeldb/decorator"

type Options struct {
	// 具名日志器，default 为引擎日志器，与后端同名的日志器交给该后端
	Loggers log.Options `cfg:"loggers"`
	// 多语言文案文件
	Locale string `cfg:"locale"`

	Backends   map[string]*ref.TypeOptions `cfg:"backends" validate:"required,min=1"`
	Decorators map[string]*ref.TypeOptions `cfg:"decorators"`

	// 模型描述文件所在目录，Models 中的相对路径以它为根
	SchemaDir string `cfg:"schemaDir"`
	// 不为空时，SchemaDir 中未在 Models 出现的描述文件都用这个后端注册
	DefaultBackend string         `cfg:"defaultBackend"`
	Models         []ModelOptions `cfg:"models" validate:"dive"`

	// 启动时为每个模型创建集合
	CreateCollections bool `cfg:"createCollections"`
	// 监听描述文件和文案文件，变化时重新加载
	Watch bool `cfg:"watch"`
	// 后台任务错误通道的缓冲大小
	TaskBuffer int `cfg:"taskBuffer" def:"64"`
}

type ModelOptions struct {
	// 描述文件路径
	Schema string `cfg:"schema" validate:"required"`
	// 模型名，默认为描述中的名字
	Name       string   `cfg:"name"`
	Backend    string   `cfg:"backend" validate:"required"`
	Decorators []string `cfg:"decorators"`
	// 覆盖描述中的字段前缀
	DBFieldPrefix string `cfg:"dbFieldPrefix"`
}

// Engine 持有一组模型以及它们依赖的后端和装饰器
type Engine struct {
	logs       *log.LogManager
	logger     log.Logger
	catalog    *locale.Catalog
	backends   map[string]model.Backend
	decorators map[string]model.Decorator
	registry   *model.Registry
	watcher    *cfg.Watcher

	mu     sync.Mutex
	models map[string]*ModelOptions
}

// LoadEngine 从配置文件创建引擎
func LoadEngine(filename string) (*Engine, error) {
	var options Options
	if err := cfg.Load(filename, &options); err != nil {
		return nil, errors.WithMessagef(err, "load engine config [%s] failed", filename)
	}
	if options.SchemaDir != "" && !filepath.IsAbs(options.SchemaDir) {
		options.SchemaDir = filepath.Join(filepath.Dir(filename), options.SchemaDir)
	}
	if options.Locale != "" && !filepath.IsAbs(options.Locale) {
		options.Locale = filepath.Join(filepath.Dir(filename), options.Locale)
	}
	return NewEngineWithOptions(&options)
}

func NewEngineWithOptions(options *Options) (e *Engine, err error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	logs, err := log.NewLogManagerWithOptions(options.Loggers)
	if err != nil {
		return nil, errors.WithMessage(err, "create loggers failed")
	}
	e = &Engine{
		logs:       logs,
		logger:     logs.GetDefault(),
		backends:   map[string]model.Backend{},
		decorators: map[string]model.Decorator{},
		models:     map[string]*ModelOptions{},
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	e.registry = model.NewRegistry(&model.RegistryOptions{Logger: e.logger, TaskBuffer: options.TaskBuffer})

	if options.Locale != "" {
		if e.catalog, err = locale.LoadCatalog(options.Locale); err != nil {
			return nil, err
		}
	}
	if options.Watch {
		if e.watcher, err = cfg.NewWatcher(e.onWatchError); err != nil {
			return nil, err
		}
		if e.catalog != nil {
			if err = e.catalog.Watch(e.watcher, options.Locale); err != nil {
				return nil, errors.WithMessage(err, "watch locale failed")
			}
		}
	}

	for _, name := range sortedKeys(options.Backends) {
		b, err := backend.NewBackendWithOptions(options.Backends[name])
		if err != nil {
			return nil, errors.WithMessagef(err, "create backend [%s] failed", name)
		}
		e.backends[name] = b
		if _, ok := options.Loggers[name]; ok {
			backend.SetLogger(b, logs.GetLogger(name))
		}
	}

	for _, name := range sortedKeys(options.Decorators) {
		typeOptions := *options.Decorators[name]
		if typeOptions.Namespace == "" {
			typeOptions.Namespace = DecoratorNamespace
		}
		d, err := ref.NewAs[model.Decorator](&typeOptions)
		if err != nil {
			return nil, errors.WithMessagef(err, "create decorator [%s] failed", name)
		}
		e.decorators[name] = d
		if s, ok := d.(backend.LoggerSetter); ok {
			if _, ok := options.Loggers[name]; ok {
				s.SetLogger(logs.GetLogger(name))
			}
		}
	}

	models, err := e.modelList(options)
	if err != nil {
		return nil, err
	}
	for i := range models {
		if err = e.addModel(&models[i]); err != nil {
			return nil, err
		}
	}

	if options.CreateCollections {
		if err = e.CreateCollections(context.Background(), ""); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// modelList 配置中的模型加上目录中未配置的描述文件
func (e *Engine) modelList(options *Options) ([]ModelOptions, error) {
	models := make([]ModelOptions, 0, len(options.Models))
	listed := map[string]bool{}
	for _, m := range options.Models {
		if options.SchemaDir != "" && !filepath.IsAbs(m.Schema) {
			m.Schema = filepath.Join(options.SchemaDir, m.Schema)
		}
		listed[filepath.Clean(m.Schema)] = true
		models = append(models, m)
	}
	if options.SchemaDir == "" || options.DefaultBackend == "" {
		return models, nil
	}

	entries, err := os.ReadDir(options.SchemaDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read schema dir [%s] failed", options.SchemaDir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isDescriptor(entry.Name()) {
			continue
		}
		filename := filepath.Join(options.SchemaDir, entry.Name())
		if listed[filepath.Clean(filename)] {
			continue
		}
		models = append(models, ModelOptions{Schema: filename, Backend: options.DefaultBackend})
	}
	return models, nil
}

func isDescriptor(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

func (e *Engine) modelOptions(options *ModelOptions, s *schema.Schema) (*model.ModelOptions, error) {
	b, ok := e.backends[options.Backend]
	if !ok {
		return nil, errors.Errorf("backend [%s] of model [%s] not found", options.Backend, s.Name())
	}
	var decorators []model.Decorator
	for _, name := range options.Decorators {
		d, ok := e.decorators[name]
		if !ok {
			return nil, errors.Errorf("decorator [%s] of model [%s] not found", name, s.Name())
		}
		decorators = append(decorators, d)
	}
	mo := &model.ModelOptions{
		Name:          options.Name,
		Schema:        s,
		Backend:       b,
		Catalog:       e.catalog,
		DBFieldPrefix: options.DBFieldPrefix,
	}
	if len(decorators) > 0 {
		mo.Decorator = model.Chain(decorators...)
	}
	return mo, nil
}

func loadSchema(filename string) (*schema.Schema, error) {
	desc, err := schema.LoadDescriptor(filename)
	if err != nil {
		return nil, err
	}
	s, err := schema.New(desc)
	if err != nil {
		return nil, errors.WithMessagef(err, "build schema [%s] failed", filename)
	}
	return s, nil
}

func (e *Engine) addModel(options *ModelOptions) error {
	s, err := loadSchema(options.Schema)
	if err != nil {
		return err
	}
	mo, err := e.modelOptions(options, s)
	if err != nil {
		return err
	}
	m, err := e.registry.NewModel(mo)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.models[m.Name()] = options
	e.mu.Unlock()

	if e.watcher != nil {
		name := m.Name()
		if err := e.watcher.Watch(options.Schema, func(data []byte) error {
			return e.reloadModel(name, data)
		}); err != nil {
			return errors.WithMessagef(err, "watch schema [%s] failed", options.Schema)
		}
	}
	e.logger.Debug("model registered", "model", m.Name(), "schema", options.Schema, "backend", options.Backend)
	return nil
}

// reloadModel 描述文件变化后重建模型，新描述无效时保留旧模型
func (e *Engine) reloadModel(name string, data []byte) error {
	e.mu.Lock()
	options, ok := e.models[name]
	e.mu.Unlock()
	if !ok {
		return errors.Errorf("model [%s] not found", name)
	}

	desc, err := schema.DecodeDescriptor(data, cfg.FormatOf(options.Schema))
	if err != nil {
		return errors.WithMessagef(err, "decode schema [%s] failed", options.Schema)
	}
	s, err := schema.New(desc)
	if err != nil {
		return errors.WithMessagef(err, "build schema [%s] failed", options.Schema)
	}
	if options.Name == "" && s.Name() != name {
		return errors.Errorf("schema [%s] renamed model [%s] to [%s]", options.Schema, name, s.Name())
	}
	mo, err := e.modelOptions(options, s)
	if err != nil {
		return err
	}
	if _, err := e.registry.ReplaceModel(mo); err != nil {
		return err
	}
	e.logger.Info("model reloaded", "model", name, "schema", options.Schema)
	return nil
}

func (e *Engine) onWatchError(filename string, err error) {
	e.logger.Error("reload failed", "file", filename, "error", err.Error())
}

func (e *Engine) Registry() *model.Registry { return e.registry }

func (e *Engine) Logger() log.Logger { return e.logger }

func (e *Engine) Catalog() *locale.Catalog { return e.catalog }

func (e *Engine) Backend(name string) (model.Backend, bool) {
	b, ok := e.backends[name]
	return b, ok
}

func (e *Engine) Model(name string) (*model.Model, bool) {
	return e.registry.Model(name)
}

// Instance 按模型名、语言和租户获取实例
func (e *Engine) Instance(name, lang, tenant string) (*model.Instance, error) {
	m, ok := e.registry.Model(name)
	if !ok {
		return nil, errors.Errorf("model [%s] not found", name)
	}
	return m.Instance(lang, tenant), nil
}

// CreateCollections 为全部模型创建集合
func (e *Engine) CreateCollections(ctx context.Context, tenant string) error {
	for _, name := range e.registry.ModelNames() {
		inst, err := e.Instance(name, "", tenant)
		if err != nil {
			return err
		}
		if err := inst.CreateCollection(ctx, nil); err != nil {
			return errors.WithMessagef(err, "create collection of model [%s] failed", name)
		}
	}
	return nil
}

// Close 停止监听，等待后台任务并关闭后端
func (e *Engine) Close() error {
	var errs []string
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		e.watcher = nil
	}
	if e.registry != nil {
		e.registry.Tasks().Wait()
	}
	for _, name := range sortedKeys(e.backends) {
		if err := backend.Close(e.backends[name]); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	}
	e.backends = map[string]model.Backend{}
	if len(errs) > 0 {
		return errors.Errorf("close engine failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
