package model

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/schema"
)

// Instance 模型在某个语言和租户下的实例，租户在实例生命周期内不变
type Instance struct {
	model  *Model
	lang   string
	tenant string
	loc    locale.Locale

	mu    sync.Mutex
	views map[string]*View
}

func (i *Instance) Model() *Model { return i.model }

func (i *Instance) Schema() *schema.Schema { return i.model.schema }

func (i *Instance) Registry() *Registry { return i.model.registry }

func (i *Instance) Logger() log.Logger { return i.model.registry.logger }

func (i *Instance) Tenant() string { return i.tenant }

func (i *Instance) Lang() string { return i.lang }

// Locale 实例的语言，模型没有语言目录时为 nil
func (i *Instance) Locale() locale.Locale { return i.loc }

func (i *Instance) Collection() string { return i.model.schema.Collection() }

// View 按名字返回视图，空名字使用 default
func (i *Instance) View(name string) (*View, error) {
	if name == "" {
		name = ViewDefault
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if v, ok := i.views[name]; ok {
		return v, nil
	}
	v, err := newView(name, i)
	if err != nil {
		i.Logger().Error("build view failed", "model", i.model.name, "view", name, "error", err.Error())
		return nil, err
	}
	i.views[name] = v
	return v, nil
}

func (i *Instance) check(opts *Options) (*Options, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.ClientID != "" && opts.ClientID != i.tenant {
		return nil, errors.Wrapf(ErrTenantMismatch, "client [%s] on instance of tenant [%s]", opts.ClientID, i.tenant)
	}
	return opts, nil
}

func (i *Instance) backend() Backend {
	return Decorate(i.model.backend, i.model.decorator)
}

func (i *Instance) GetEmpty(ctx context.Context, opts *Options) (*Result, error) {
	opts, err := i.check(opts)
	if err != nil {
		return nil, err
	}
	return i.backend().GetEmpty(ctx, opts, i)
}

// FindOne 没有匹配的记录时返回 ErrNotFound
func (i *Instance) FindOne(ctx context.Context, query Query, opts *Options) (*Result, error) {
	opts, err := i.check(opts)
	if err != nil {
		return nil, err
	}
	return i.backend().FindOne(ctx, query, opts, i)
}

// FindByID 按主键查找
func (i *Instance) FindByID(ctx context.Context, id any, opts *Options) (*Result, error) {
	return i.FindOne(ctx, Query{i.Schema().ID(): id}, opts)
}

func (i *Instance) Find(ctx context.Context, query Query, opts *Options) (*ListResult, error) {
	opts, err := i.check(opts)
	if err != nil {
		return nil, err
	}
	return i.backend().Find(ctx, query, opts, i)
}

func (i *Instance) Count(ctx context.Context, query Query, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().Count(ctx, query, opts, i)
}

// InsertOne 返回新记录的主键
func (i *Instance) InsertOne(ctx context.Context, doc Record, opts *Options) (any, error) {
	opts, err := i.check(opts)
	if err != nil {
		return nil, err
	}
	return i.backend().InsertOne(ctx, doc, opts, i)
}

func (i *Instance) InsertMany(ctx context.Context, docs []Record, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().InsertMany(ctx, docs, opts, i)
}

// UpdateOne opts.Upsert 为 true 时不存在则插入
func (i *Instance) UpdateOne(ctx context.Context, query Query, doc Record, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().UpdateOne(ctx, query, doc, opts.Upsert, opts, i)
}

func (i *Instance) UpdateMany(ctx context.Context, query Query, doc Record, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().UpdateMany(ctx, query, doc, opts, i)
}

func (i *Instance) DeleteOne(ctx context.Context, query Query, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().DeleteOne(ctx, query, opts, i)
}

func (i *Instance) DeleteMany(ctx context.Context, query Query, opts *Options) (int64, error) {
	opts, err := i.check(opts)
	if err != nil {
		return 0, err
	}
	return i.backend().DeleteMany(ctx, query, opts, i)
}

func (i *Instance) CreateCollection(ctx context.Context, opts *Options) error {
	opts, err := i.check(opts)
	if err != nil {
		return err
	}
	return i.backend().CreateCollection(ctx, opts, i)
}

// RemoveFieldsFromData 从记录及其元数据中移除字段，连同 <name>__html 列
func (i *Instance) RemoveFieldsFromData(rec Record, metadata *Metadata, names ...string) {
	for _, name := range names {
		if _, ok := rec[name]; ok {
			delete(rec, name)
			delete(rec, name+"__html")
		}
		if metadata != nil {
			delete(metadata.Fields, name)
			for j, n := range metadata.Names {
				if n == name {
					metadata.Names = append(metadata.Names[:j], metadata.Names[j+1:]...)
					break
				}
			}
		}
	}
}
