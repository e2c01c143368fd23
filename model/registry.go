package model

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/format"
	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/schema"
)

type RegistryOptions struct {
	Formats *format.Registry
	Logger  log.Logger
	// 后台任务错误通道的缓冲大小
	TaskBuffer int
}

// Registry 模型容器，按名字和集合名查找模型
type Registry struct {
	mu          sync.RWMutex
	models      map[string]*Model
	collections map[string]*Model
	formats     *format.Registry
	logger      log.Logger
	tasks       *Tasks
}

func NewRegistry(options *RegistryOptions) *Registry {
	if options == nil {
		options = &RegistryOptions{}
	}
	r := &Registry{
		models:      map[string]*Model{},
		collections: map[string]*Model{},
		formats:     options.Formats,
		logger:      options.Logger,
	}
	if r.formats == nil {
		r.formats = format.NewRegistry()
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	r.tasks = NewTasks(options.TaskBuffer, r.logger)
	return r
}

func (r *Registry) Formats() *format.Registry { return r.formats }

func (r *Registry) Logger() log.Logger { return r.logger }

func (r *Registry) Tasks() *Tasks { return r.tasks }

// ModelOptions 模型配置
type ModelOptions struct {
	// 默认为 schema 名
	Name    string
	Schema  *schema.Schema
	Backend Backend
	// 可选
	Decorator Decorator
	// 可选，为 nil 时不做本地化
	Catalog *locale.Catalog
	// 覆盖 schema 中的字段前缀
	DBFieldPrefix string
	URI           string
}

// NewModel 创建模型并注册到容器
func (r *Registry) NewModel(options *ModelOptions) (*Model, error) {
	return r.register(options, false)
}

// ReplaceModel 以新的配置替换同名模型，旧模型的实例缓存随之失效
func (r *Registry) ReplaceModel(options *ModelOptions) (*Model, error) {
	return r.register(options, true)
}

func (r *Registry) register(options *ModelOptions, replace bool) (*Model, error) {
	if options == nil || options.Schema == nil {
		return nil, errors.New("model schema is nil")
	}
	if options.Backend == nil {
		return nil, errors.Errorf("backend of model [%s] is nil", options.Schema.Name())
	}
	m := &Model{
		name:      options.Name,
		schema:    options.Schema,
		backend:   options.Backend,
		decorator: options.Decorator,
		catalog:   options.Catalog,
		registry:  r,
		prefix:    options.DBFieldPrefix,
		uri:       options.URI,
		instances: map[instanceKey]*Instance{},
	}
	if m.name == "" {
		m.name = m.schema.Name()
	}
	if m.prefix == "" {
		m.prefix = m.schema.Prefix()
	}
	if m.uri == "" {
		m.uri = m.schema.URI()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.models[m.name]
	if ok && !replace {
		return nil, errors.Errorf("model [%s] already registered", m.name)
	}
	if ok && r.collections[old.schema.Collection()] == old {
		delete(r.collections, old.schema.Collection())
	}
	r.models[m.name] = m
	r.collections[m.schema.Collection()] = m
	return m, nil
}

// Model 按名字查找模型
func (r *Registry) Model(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// ModelByCollection 按集合名查找模型，用于修复缺失的表
func (r *Registry) ModelByCollection(collection string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.collections[collection]
	return m, ok
}

func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type instanceKey struct {
	lang   string
	tenant string
}

// Model 模型：schema、后端、装饰器和语言目录的组合
type Model struct {
	name      string
	schema    *schema.Schema
	backend   Backend
	decorator Decorator
	catalog   *locale.Catalog
	registry  *Registry
	prefix    string
	uri       string

	mu        sync.Mutex
	instances map[instanceKey]*Instance
}

func (m *Model) Name() string { return m.name }

func (m *Model) Schema() *schema.Schema { return m.schema }

func (m *Model) Backend() Backend { return m.backend }

func (m *Model) Decorator() Decorator { return m.decorator }

func (m *Model) Registry() *Registry { return m.registry }

// Prefix 字段存储前缀
func (m *Model) Prefix() string { return m.prefix }

func (m *Model) URI() string { return m.uri }

// Instance 返回 (语言, 租户) 对应的实例，同一组合只创建一次
// 租户为空表示单租户
func (m *Model) Instance(lang, tenant string) *Instance {
	key := instanceKey{lang: lang, tenant: tenant}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[key]; ok {
		return inst
	}
	inst := &Instance{
		model:  m,
		lang:   lang,
		tenant: tenant,
		views:  map[string]*View{},
	}
	if m.catalog != nil {
		inst.loc = m.catalog.Locale(lang)
	}
	m.instances[key] = inst
	return inst
}
