// Package kvdb 键值后端：每条记录按 <前缀><集合>:<主键> 编码后保存在一个 Store 中
package kvdb

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/backend/document"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
	"github.com/hatlonely/modeldb/serializer"
	"github.com/hatlonely/modeldb/uid"
)

var ErrDuplicateKey = errors.New("duplicate key")

type Options struct {
	Store *ref.TypeOptions `cfg:"store" validate:"required"`
	// 记录编码：msgpack / json / bson
	Format    string `cfg:"format" def:"msgpack" validate:"omitempty,oneof=json bson msgpack"`
	KeyPrefix string `cfg:"keyPrefix"`
	// 记录的过期时间，零表示不过期，只有 redis 和内存存储支持
	TTL time.Duration `cfg:"ttl"`

	// 整数主键生成器，默认 snowflake；字符串主键使用 uuid
	IDGenerator *ref.TypeOptions `cfg:"idGenerator"`
	Logger      *ref.TypeOptions `cfg:"logger"`
}

type KVDB struct {
	store      Store
	serializer serializer.Serializer[map[string]any, []byte]
	prefix     string
	ttl        time.Duration
	intIDs     uid.IntGenerator
	strIDs     uid.StrGenerator
	logger     log.Logger
}

func NewKVDBWithOptions(options *Options) (*KVDB, error) {
	if options == nil || options.Store == nil {
		return nil, errors.New("kv store options required")
	}
	store, err := NewStoreWithOptions(options.Store)
	if err != nil {
		return nil, err
	}
	db, err := NewKVDB(store, options)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return db, nil
}

// NewKVDB 使用已有的存储，options 中的 Store 被忽略
func NewKVDB(store Store, options *Options) (*KVDB, error) {
	if options == nil {
		options = &Options{}
	}
	s, err := serializer.New[map[string]any](options.Format)
	if err != nil {
		return nil, err
	}
	var intIDs uid.IntGenerator = uid.NewSnowflakeGeneratorWithOptions(nil)
	if options.IDGenerator != nil {
		if intIDs, err = uid.NewIntGeneratorWithOptions(options.IDGenerator); err != nil {
			return nil, errors.WithMessage(err, "create id generator failed")
		}
	}
	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	return &KVDB{
		store:      store,
		serializer: s,
		prefix:     options.KeyPrefix,
		ttl:        options.TTL,
		intIDs:     intIDs,
		strIDs:     uid.NewUUIDGeneratorWithOptions(nil),
		logger:     logger,
	}, nil
}

func (db *KVDB) SetLogger(logger log.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

func (db *KVDB) Close() error {
	return db.store.Close()
}

func (db *KVDB) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return document.NewWhere(dbName, op, f)
}

func (db *KVDB) TemplateWhere(template string, f *schema.Field) model.WhereClause {
	return document.NewTemplate(template, f)
}

func (db *KVDB) collectionPrefix(inst *model.Instance, opts *model.Options) string {
	return db.prefix + document.Collection(inst, opts) + ":"
}

type entry struct {
	key string
	doc map[string]any
}

// candidates 读取可能匹配的记录，查询只按主键等值时直接读取对应的键
func (db *KVDB) candidates(ctx context.Context, view *model.View, query model.Query, opts *model.Options, inst *model.Instance) ([]entry, error) {
	prefix := db.collectionPrefix(inst, opts)
	if id, ok := db.idLookup(view, query, inst); ok {
		key := prefix + id
		buf, err := db.store.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "get %s failed", key)
		}
		doc, err := db.serializer.Deserialize(buf)
		if err != nil {
			db.logger.WarnContext(ctx, "skip corrupted record", "key", key, "error", err.Error())
			return nil, nil
		}
		return []entry{{key: key, doc: doc}}, nil
	}

	var entries []entry
	err := db.store.Scan(ctx, prefix, func(key string, val []byte) error {
		doc, err := db.serializer.Deserialize(val)
		if err != nil {
			db.logger.WarnContext(ctx, "skip corrupted record", "key", key, "error", err.Error())
			return nil
		}
		entries = append(entries, entry{key: key, doc: doc})
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "scan %s failed", prefix)
	}
	return entries, nil
}

// idLookup 查询只包含可过滤的主键的一个标量值时返回该主键
func (db *KVDB) idLookup(view *model.View, query model.Query, inst *model.Instance) (string, bool) {
	if len(query) != 1 {
		return "", false
	}
	idName := inst.Schema().ID()
	v, ok := query[idName]
	if !ok {
		return "", false
	}
	if _, ok, err := view.FieldWhere(idName, v, false); err != nil || !ok {
		return "", false
	}
	switch x := schema.Unwrap(v).(type) {
	case string:
		return x, x != ""
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(x), true
	}
	return "", false
}

func (db *KVDB) match(ctx context.Context, view *model.View, query model.Query, opts *model.Options, inst *model.Instance) ([]entry, error) {
	filter, err := document.Filter(view, query)
	if err != nil {
		return nil, err
	}
	entries, err := db.candidates(ctx, view, query, opts, inst)
	if err != nil {
		return nil, err
	}
	matched := entries[:0]
	for _, e := range entries {
		if filter.Match(e.doc) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (db *KVDB) GetEmpty(_ context.Context, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	return model.EmptyResult(view, opts)
}

func (db *KVDB) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, opts.OrderBy)
	if err != nil {
		return nil, err
	}
	matched, err := db.match(ctx, view, query, opts, inst)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "no %s record matches", inst.Model().Name())
	}
	page := document.Page(docs(matched), keys, 0, 1)
	rec, err := document.Decode(view, page[0])
	if err != nil {
		return nil, err
	}
	return model.NewResult(view, rec, opts), nil
}

func docs(entries []entry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = e.doc
	}
	return out
}

func (db *KVDB) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.ListResult, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, opts.OrderBy)
	if err != nil {
		return nil, err
	}
	matched, err := db.match(ctx, view, query, opts, inst)
	if err != nil {
		return nil, err
	}
	page := document.Page(docs(matched), keys, opts.Skip, opts.Limit)
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

func (db *KVDB) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	matched, err := db.match(ctx, view, query, opts, inst)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// insert 编码并写入一条新记录，主键缺失时生成，主键已存在返回 ErrDuplicateKey
func (db *KVDB) insert(ctx context.Context, view *model.View, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	d, err := document.Encode(view, doc, opts.Variables, true)
	if err != nil {
		return nil, err
	}
	idField := view.Field(inst.Schema().ID())
	var id any
	if idField == nil {
		id = db.strIDs.Generate()
	} else {
		col := document.Column(view, idField)
		if d[col] == nil {
			if idField.Type() == schema.TypeInteger {
				n, err := db.intIDs.Generate(ctx)
				if err != nil {
					return nil, errors.WithMessage(err, "generate id failed")
				}
				d[col] = n
			} else {
				d[col] = db.strIDs.Generate()
			}
		}
		id = d[col]
	}

	buf, err := db.serializer.Serialize(d)
	if err != nil {
		return nil, errors.Wrap(err, "encode record failed")
	}
	key := db.collectionPrefix(inst, opts) + fmt.Sprint(id)
	err = db.store.Set(ctx, key, buf, WithIfNotExist(), WithExpiration(db.ttl))
	if errors.Is(err, ErrConditionFailed) {
		return nil, errors.Wrapf(ErrDuplicateKey, "key %s", key)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "set %s failed", key)
	}
	return id, nil
}

func (db *KVDB) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	return db.insert(ctx, view, doc, opts, inst)
}

// InsertMany 遇到错误时停止，返回已写入的条数
func (db *KVDB) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range docs {
		if _, err := db.insert(ctx, view, doc, opts, inst); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (db *KVDB) update(ctx context.Context, query model.Query, doc model.Record, upsert, many bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	matched, err := db.match(ctx, view, query, opts, inst)
	if err != nil {
		return 0, err
	}
	if !many && len(matched) > 1 {
		matched = matched[:1]
	}
	if len(matched) == 0 {
		if !upsert {
			return 0, nil
		}
		merged := model.Record{}
		for k, v := range query {
			merged[k] = schema.Unwrap(v)
		}
		for k, v := range doc {
			merged[k] = v
		}
		if _, err := db.insert(ctx, view, merged, opts, inst); err != nil {
			return 0, err
		}
		return 1, nil
	}

	set, err := document.Encode(view, doc, opts.Variables, false)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range matched {
		for k, v := range set {
			e.doc[k] = v
		}
		buf, err := db.serializer.Serialize(e.doc)
		if err != nil {
			return n, errors.Wrap(err, "encode record failed")
		}
		if err := db.store.Set(ctx, e.key, buf, WithExpiration(db.ttl)); err != nil {
			return n, errors.WithMessagef(err, "set %s failed", e.key)
		}
		n++
	}
	return n, nil
}

func (db *KVDB) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance) (int64, error) {
	return db.update(ctx, query, doc, upsert, false, opts, inst)
}

func (db *KVDB) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	return db.update(ctx, query, doc, opts.Upsert, true, opts, inst)
}

func (db *KVDB) delete(ctx context.Context, query model.Query, many bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	matched, err := db.match(ctx, view, query, opts, inst)
	if err != nil {
		return 0, err
	}
	if !many && len(matched) > 1 {
		matched = matched[:1]
	}
	var n int64
	for _, e := range matched {
		if err := db.store.Del(ctx, e.key); err != nil {
			return n, errors.WithMessagef(err, "del %s failed", e.key)
		}
		n++
	}
	return n, nil
}

func (db *KVDB) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return db.delete(ctx, query, false, opts, inst)
}

func (db *KVDB) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return db.delete(ctx, query, true, opts, inst)
}

// CreateCollection 键空间不需要预先创建
func (db *KVDB) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance) error {
	db.logger.DebugContext(ctx, "kv collection needs no creation", "prefix", db.collectionPrefix(inst, opts))
	return nil
}
