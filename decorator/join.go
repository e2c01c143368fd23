// Package decorator 后端装饰器：关联表维护、观测和结果缓存
package decorator

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
)

func init() {
	ref.MustRegisterT[JoinDecorator](NewJoinDecoratorWithOptions)
	ref.MustRegisterT[ObservableDecorator](NewObservableDecoratorWithOptions)
	ref.MustRegisterT[CacheDecorator](NewCacheDecoratorWithOptions)
}

type JoinDecoratorOptions struct {
	// 关联表模型名
	Model string `cfg:"model" validate:"required"`
	// 记录中以 | 分隔的外键列表字段
	Field string `cfg:"field" validate:"required"`
	// 关联表中保存主记录 id 的字段
	Key string `cfg:"key" def:"doc_oid"`
	// 关联表中保存外键的字段
	FKey string `cfg:"fkey" def:"oid"`

	Logger *ref.TypeOptions `cfg:"logger"`
}

// JoinDecorator 主记录写入后在后台维护关联表
type JoinDecorator struct {
	model.BaseDecorator

	model  string
	field  string
	key    string
	fkey   string
	logger log.Logger
}

func NewJoinDecoratorWithOptions(options *JoinDecoratorOptions) (*JoinDecorator, error) {
	if options == nil || options.Model == "" || options.Field == "" {
		return nil, errors.New("join decorator requires model and field")
	}
	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	d := &JoinDecorator{
		model:  options.Model,
		field:  options.Field,
		key:    options.Key,
		fkey:   options.FKey,
		logger: logger.WithGroup("join"),
	}
	if d.key == "" {
		d.key = "doc_oid"
	}
	if d.fkey == "" {
		d.fkey = "oid"
	}
	return d, nil
}

func (d *JoinDecorator) SetLogger(logger log.Logger) {
	if logger != nil {
		d.logger = logger.WithGroup("join")
	}
}

// joinInstance 与主实例语言和租户相同的关联表实例
func (d *JoinDecorator) joinInstance(inst *model.Instance) (*model.Instance, error) {
	m, ok := inst.Registry().Model(d.model)
	if !ok {
		return nil, errors.Errorf("join model [%s] of model [%s] not found", d.model, inst.Model().Name())
	}
	return m.Instance(inst.Lang(), inst.Tenant()), nil
}

// splitKeys 解析 A|B|C，忽略空项和重复项
func splitKeys(v any) []string {
	v = schema.Unwrap(v)
	if v == nil {
		return nil
	}
	var tokens []string
	switch x := v.(type) {
	case []string:
		tokens = x
	case []any:
		for _, t := range x {
			tokens = append(tokens, fmt.Sprint(schema.Unwrap(t)))
		}
	default:
		tokens = strings.Split(fmt.Sprint(x), "|")
	}
	seen := map[string]bool{}
	var keys []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		keys = append(keys, t)
	}
	return keys
}

func (d *JoinDecorator) records(id any, keys []string) []model.Record {
	recs := make([]model.Record, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, model.Record{d.key: id, d.fkey: k})
	}
	return recs
}

func (d *JoinDecorator) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (any, error) {
	id, err := next.InsertOne(ctx, doc, opts, inst)
	if err != nil {
		return nil, err
	}
	keys := splitKeys(doc[d.field])
	if len(keys) == 0 {
		return id, nil
	}
	join, err := d.joinInstance(inst)
	if err != nil {
		d.logger.ErrorContext(ctx, "join model unavailable", "model", inst.Model().Name(), "error", err.Error())
		return id, nil
	}
	recs := d.records(id, keys)
	inst.Registry().Tasks().Go(ctx, "join.insert."+d.model, func(ctx context.Context) error {
		_, err := join.InsertMany(ctx, recs, nil)
		return err
	})
	return id, nil
}

// UpdateOne 按集合差异维护关联：新增的外键插入，不再出现的外键删除，空列表删除全部关联
func (d *JoinDecorator) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	n, err := next.UpdateOne(ctx, query, doc, upsert, opts, inst)
	if err != nil {
		return n, err
	}

	idName := inst.Schema().ID()
	id := schema.Unwrap(doc[idName])
	if id == nil {
		id = schema.Unwrap(query[idName])
	}
	if id == nil {
		d.logger.WarnContext(ctx, "skip join update without id", "model", inst.Model().Name())
		return n, nil
	}

	join, err := d.joinInstance(inst)
	if err != nil {
		d.logger.ErrorContext(ctx, "join model unavailable", "model", inst.Model().Name(), "error", err.Error())
		return n, nil
	}
	added, removed, err := d.diff(ctx, join, id, splitKeys(doc[d.field]))
	if err != nil {
		d.logger.ErrorContext(ctx, "load existing joins failed", "model", d.model, "id", id, "error", err.Error())
		return n, nil
	}

	tasks := inst.Registry().Tasks()
	if len(added) > 0 {
		recs := d.records(id, added)
		tasks.Go(ctx, "join.insert."+d.model, func(ctx context.Context) error {
			_, err := join.InsertMany(ctx, recs, nil)
			return err
		})
	}
	if len(removed) > 0 {
		q := model.Query{d.key: id, d.fkey: removed}
		tasks.Go(ctx, "join.delete."+d.model, func(ctx context.Context) error {
			_, err := join.DeleteMany(ctx, q, nil)
			return err
		})
	}
	return n, nil
}

// diff 返回需要新增和删除的外键
func (d *JoinDecorator) diff(ctx context.Context, join *model.Instance, id any, keys []string) ([]string, []string, error) {
	res, err := join.Find(ctx, model.Query{d.key: id}, nil)
	if err != nil {
		return nil, nil, err
	}
	existing := map[string]bool{}
	var order []string
	for _, rec := range res.Data {
		k := fmt.Sprint(schema.Unwrap(rec[d.fkey]))
		if !existing[k] {
			existing[k] = true
			order = append(order, k)
		}
	}

	wanted := map[string]bool{}
	var added []string
	for _, k := range keys {
		wanted[k] = true
		if !existing[k] {
			added = append(added, k)
		}
	}
	var removed []string
	for _, k := range order {
		if !wanted[k] {
			removed = append(removed, k)
		}
	}
	return added, removed, nil
}
