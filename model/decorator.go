package model

import (
	"context"

	"github.com/hatlonely/modeldb/schema"
)

// Decorator 包装后端调用，next 为被包装的后端
type Decorator interface {
	GetEmpty(ctx context.Context, opts *Options, inst *Instance, next Backend) (*Result, error)
	FindOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*Result, error)
	Find(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*ListResult, error)
	Count(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error)
	InsertOne(ctx context.Context, doc Record, opts *Options, inst *Instance, next Backend) (any, error)
	InsertMany(ctx context.Context, docs []Record, opts *Options, inst *Instance, next Backend) (int64, error)
	UpdateOne(ctx context.Context, query Query, doc Record, upsert bool, opts *Options, inst *Instance, next Backend) (int64, error)
	UpdateMany(ctx context.Context, query Query, doc Record, opts *Options, inst *Instance, next Backend) (int64, error)
	DeleteOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error)
	DeleteMany(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error)
	CreateCollection(ctx context.Context, opts *Options, inst *Instance, next Backend) error
}

// BaseDecorator 原样转发所有调用，嵌入后只需实现关心的方法
type BaseDecorator struct{}

func (BaseDecorator) GetEmpty(ctx context.Context, opts *Options, inst *Instance, next Backend) (*Result, error) {
	return next.GetEmpty(ctx, opts, inst)
}

func (BaseDecorator) FindOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*Result, error) {
	return next.FindOne(ctx, query, opts, inst)
}

func (BaseDecorator) Find(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*ListResult, error) {
	return next.Find(ctx, query, opts, inst)
}

func (BaseDecorator) Count(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.Count(ctx, query, opts, inst)
}

func (BaseDecorator) InsertOne(ctx context.Context, doc Record, opts *Options, inst *Instance, next Backend) (any, error) {
	return next.InsertOne(ctx, doc, opts, inst)
}

func (BaseDecorator) InsertMany(ctx context.Context, docs []Record, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.InsertMany(ctx, docs, opts, inst)
}

func (BaseDecorator) UpdateOne(ctx context.Context, query Query, doc Record, upsert bool, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.UpdateOne(ctx, query, doc, upsert, opts, inst)
}

func (BaseDecorator) UpdateMany(ctx context.Context, query Query, doc Record, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.UpdateMany(ctx, query, doc, opts, inst)
}

func (BaseDecorator) DeleteOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.DeleteOne(ctx, query, opts, inst)
}

func (BaseDecorator) DeleteMany(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return next.DeleteMany(ctx, query, opts, inst)
}

func (BaseDecorator) CreateCollection(ctx context.Context, opts *Options, inst *Instance, next Backend) error {
	return next.CreateCollection(ctx, opts, inst)
}

// Decorate 将装饰器和后端组合成新的后端
func Decorate(next Backend, dec Decorator) Backend {
	if dec == nil {
		return next
	}
	return &decorated{dec: dec, next: next}
}

type decorated struct {
	dec  Decorator
	next Backend
}

func (d *decorated) FieldWhere(dbName, op, placeholder string, f *schema.Field) WhereClause {
	return d.next.FieldWhere(dbName, op, placeholder, f)
}

func (d *decorated) GetEmpty(ctx context.Context, opts *Options, inst *Instance) (*Result, error) {
	return d.dec.GetEmpty(ctx, opts, inst, d.next)
}

func (d *decorated) FindOne(ctx context.Context, query Query, opts *Options, inst *Instance) (*Result, error) {
	return d.dec.FindOne(ctx, query, opts, inst, d.next)
}

func (d *decorated) Find(ctx context.Context, query Query, opts *Options, inst *Instance) (*ListResult, error) {
	return d.dec.Find(ctx, query, opts, inst, d.next)
}

func (d *decorated) Count(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error) {
	return d.dec.Count(ctx, query, opts, inst, d.next)
}

func (d *decorated) InsertOne(ctx context.Context, doc Record, opts *Options, inst *Instance) (any, error) {
	return d.dec.InsertOne(ctx, doc, opts, inst, d.next)
}

func (d *decorated) InsertMany(ctx context.Context, docs []Record, opts *Options, inst *Instance) (int64, error) {
	return d.dec.InsertMany(ctx, docs, opts, inst, d.next)
}

func (d *decorated) UpdateOne(ctx context.Context, query Query, doc Record, upsert bool, opts *Options, inst *Instance) (int64, error) {
	return d.dec.UpdateOne(ctx, query, doc, upsert, opts, inst, d.next)
}

func (d *decorated) UpdateMany(ctx context.Context, query Query, doc Record, opts *Options, inst *Instance) (int64, error) {
	return d.dec.UpdateMany(ctx, query, doc, opts, inst, d.next)
}

func (d *decorated) DeleteOne(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error) {
	return d.dec.DeleteOne(ctx, query, opts, inst, d.next)
}

func (d *decorated) DeleteMany(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error) {
	return d.dec.DeleteMany(ctx, query, opts, inst, d.next)
}

func (d *decorated) CreateCollection(ctx context.Context, opts *Options, inst *Instance) error {
	return d.dec.CreateCollection(ctx, opts, inst, d.next)
}

// Chain 组合多个装饰器，第一个装饰器在最外层，每一层的 next 为下一层
func Chain(decorators ...Decorator) Decorator {
	var list []Decorator
	for _, d := range decorators {
		if d != nil {
			list = append(list, d)
		}
	}
	if len(list) == 1 {
		return list[0]
	}
	return &chain{decorators: list}
}

type chain struct {
	decorators []Decorator
}

func (c *chain) wrap(next Backend) Backend {
	for i := len(c.decorators) - 1; i >= 0; i-- {
		next = Decorate(next, c.decorators[i])
	}
	return next
}

func (c *chain) GetEmpty(ctx context.Context, opts *Options, inst *Instance, next Backend) (*Result, error) {
	return c.wrap(next).GetEmpty(ctx, opts, inst)
}

func (c *chain) FindOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*Result, error) {
	return c.wrap(next).FindOne(ctx, query, opts, inst)
}

func (c *chain) Find(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (*ListResult, error) {
	return c.wrap(next).Find(ctx, query, opts, inst)
}

func (c *chain) Count(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).Count(ctx, query, opts, inst)
}

func (c *chain) InsertOne(ctx context.Context, doc Record, opts *Options, inst *Instance, next Backend) (any, error) {
	return c.wrap(next).InsertOne(ctx, doc, opts, inst)
}

func (c *chain) InsertMany(ctx context.Context, docs []Record, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).InsertMany(ctx, docs, opts, inst)
}

func (c *chain) UpdateOne(ctx context.Context, query Query, doc Record, upsert bool, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).UpdateOne(ctx, query, doc, upsert, opts, inst)
}

func (c *chain) UpdateMany(ctx context.Context, query Query, doc Record, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).UpdateMany(ctx, query, doc, opts, inst)
}

func (c *chain) DeleteOne(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).DeleteOne(ctx, query, opts, inst)
}

func (c *chain) DeleteMany(ctx context.Context, query Query, opts *Options, inst *Instance, next Backend) (int64, error) {
	return c.wrap(next).DeleteMany(ctx, query, opts, inst)
}

func (c *chain) CreateCollection(ctx context.Context, opts *Options, inst *Instance, next Backend) error {
	return c.wrap(next).CreateCollection(ctx, opts, inst)
}
