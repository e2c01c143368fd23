// Package fielddb 编码字段后端：记录序列化后保存在调用方载体对象（Options.Data）的一个属性中
package fielddb

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/backend/document"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
	"github.com/hatlonely/modeldb/serializer"
)

// 编码格式
const (
	FormatJSONBase64    = "json_b64"
	FormatMsgPackBase64 = "msgpack_b64"
)

var ErrNoCarrier = errors.New("no carrier object in options")

type Options struct {
	// 载体对象中保存记录的属性
	Property string           `cfg:"property" def:"x_data"`
	Format   string           `cfg:"format" def:"json_b64" validate:"oneof=json_b64 msgpack_b64"`
	Logger   *ref.TypeOptions `cfg:"logger"`
}

type FieldDB struct {
	property   string
	serializer serializer.Serializer[any, string]
	logger     log.Logger
}

func NewFieldDBWithOptions(options *Options) (*FieldDB, error) {
	if options == nil {
		options = &Options{}
	}
	var inner serializer.Serializer[any, []byte]
	switch options.Format {
	case FormatJSONBase64, "":
		inner = serializer.NewJSONSerializer[any]()
	case FormatMsgPackBase64:
		inner = serializer.NewMsgPackSerializer[any]()
	default:
		return nil, errors.Errorf("unsupported field format [%s]", options.Format)
	}
	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	property := options.Property
	if property == "" {
		property = "x_data"
	}
	return &FieldDB{
		property:   property,
		serializer: serializer.NewBase64Serializer(inner),
		logger:     logger,
	}, nil
}

func (b *FieldDB) SetLogger(logger log.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

func (b *FieldDB) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return document.NewWhere(dbName, op, f)
}

func (b *FieldDB) TemplateWhere(template string, f *schema.Field) model.WhereClause {
	return document.NewTemplate(template, f)
}

// carrier 载体中的记录，list 表示以数组形式保存
type carrier struct {
	list bool
	docs []map[string]any
}

// load 读取并解码载体中的记录，损坏的数据按空处理
func (b *FieldDB) load(ctx context.Context, opts *model.Options) *carrier {
	c := &carrier{}
	if opts == nil || opts.Data == nil {
		return c
	}
	raw, ok := opts.Data[b.property].(string)
	if !ok || raw == "" {
		return c
	}
	v, err := b.serializer.Deserialize(raw)
	if err != nil {
		b.logger.WarnContext(ctx, "field data corrupted", "property", b.property, "error", err.Error())
		return c
	}
	switch x := v.(type) {
	case map[string]any:
		c.docs = []map[string]any{x}
	case []any:
		c.list = true
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				c.docs = append(c.docs, m)
			}
		}
	}
	return c
}

func (b *FieldDB) save(opts *model.Options, c *carrier) error {
	if opts == nil || opts.Data == nil {
		return ErrNoCarrier
	}
	var v any
	switch {
	case len(c.docs) == 0:
		delete(opts.Data, b.property)
		return nil
	case c.list || len(c.docs) > 1:
		list := make([]any, len(c.docs))
		for i, d := range c.docs {
			list[i] = d
		}
		v = list
	default:
		v = c.docs[0]
	}
	s, err := b.serializer.Serialize(v)
	if err != nil {
		return errors.Wrap(err, "encode field data failed")
	}
	opts.Data[b.property] = s
	return nil
}

// match 返回满足条件的记录下标
func (b *FieldDB) match(view *model.View, q model.Query, docs []map[string]any) ([]int, error) {
	filter, err := document.Filter(view, q)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, d := range docs {
		if filter.Match(d) {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

func (b *FieldDB) GetEmpty(_ context.Context, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	return model.EmptyResult(view, opts)
}

func (b *FieldDB) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	c := b.load(ctx, opts)
	idx, err := b.match(view, query, c.docs)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "no %s record in property %s", inst.Model().Name(), b.property)
	}
	rec, err := document.Decode(view, c.docs[idx[0]])
	if err != nil {
		return nil, err
	}
	return model.NewResult(view, rec, opts), nil
}

func (b *FieldDB) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.ListResult, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, opts.OrderBy)
	if err != nil {
		return nil, err
	}
	c := b.load(ctx, opts)
	idx, err := b.match(view, query, c.docs)
	if err != nil {
		return nil, err
	}
	matched := make([]map[string]any, len(idx))
	for i, j := range idx {
		matched[i] = c.docs[j]
	}
	page := document.Page(matched, keys, opts.Skip, opts.Limit)
	recs := make([]model.Record, 0, len(page))
	for _, d := range page {
		rec, err := document.Decode(view, d)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return model.NewListResult(view, recs, int64(len(matched)), opts), nil
}

func (b *FieldDB) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	idx, err := b.match(view, query, b.load(ctx, opts).docs)
	if err != nil {
		return 0, err
	}
	return int64(len(idx)), nil
}

// InsertOne 载体中只保存这一条记录，没有主键时返回 1
func (b *FieldDB) InsertOne(_ context.Context, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	d, err := document.Encode(view, doc, opts.Variables, true)
	if err != nil {
		return nil, err
	}
	if err := b.save(opts, &carrier{docs: []map[string]any{d}}); err != nil {
		return nil, err
	}
	if f := view.Field(inst.Schema().ID()); f != nil {
		if id, ok := d[document.Column(view, f)]; ok && id != nil {
			return id, nil
		}
	}
	return int64(1), nil
}

// InsertMany 载体中以数组形式保存这些记录
func (b *FieldDB) InsertMany(_ context.Context, docs []model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return 0, err
	}
	c := &carrier{list: true}
	for _, doc := range docs {
		d, err := document.Encode(view, doc, opts.Variables, true)
		if err != nil {
			return 0, err
		}
		c.docs = append(c.docs, d)
	}
	if err := b.save(opts, c); err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (b *FieldDB) update(ctx context.Context, query model.Query, doc model.Record, upsert, many bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	c := b.load(ctx, opts)
	idx, err := b.match(view, query, c.docs)
	if err != nil {
		return 0, err
	}
	if !many && len(idx) > 1 {
		idx = idx[:1]
	}
	if len(idx) == 0 {
		if !upsert {
			return 0, nil
		}
		merged := model.Record{}
		for k, v := range query {
			merged[k] = v
		}
		for k, v := range doc {
			merged[k] = v
		}
		d, err := document.Encode(view, merged, opts.Variables, true)
		if err != nil {
			return 0, err
		}
		c.docs = append(c.docs, d)
		return 1, b.save(opts, c)
	}
	set, err := document.Encode(view, doc, opts.Variables, false)
	if err != nil {
		return 0, err
	}
	for _, i := range idx {
		for k, v := range set {
			c.docs[i][k] = v
		}
	}
	if err := b.save(opts, c); err != nil {
		return 0, err
	}
	return int64(len(idx)), nil
}

func (b *FieldDB) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.update(ctx, query, doc, upsert, false, opts, inst)
}

func (b *FieldDB) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.update(ctx, query, doc, opts.Upsert, true, opts, inst)
}

func (b *FieldDB) delete(ctx context.Context, query model.Query, many bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	c := b.load(ctx, opts)
	idx, err := b.match(view, query, c.docs)
	if err != nil {
		return 0, err
	}
	if !many && len(idx) > 1 {
		idx = idx[:1]
	}
	if len(idx) == 0 {
		return 0, nil
	}
	removed := map[int]bool{}
	for _, i := range idx {
		removed[i] = true
	}
	kept := c.docs[:0:0]
	for i, d := range c.docs {
		if !removed[i] {
			kept = append(kept, d)
		}
	}
	c.docs = kept
	if err := b.save(opts, c); err != nil {
		return 0, err
	}
	return int64(len(idx)), nil
}

func (b *FieldDB) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.delete(ctx, query, false, opts, inst)
}

func (b *FieldDB) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.delete(ctx, query, true, opts, inst)
}

// CreateCollection 载体对象由调用方持有，没有集合需要创建
func (b *FieldDB) CreateCollection(context.Context, *model.Options, *model.Instance) error {
	return nil
}
