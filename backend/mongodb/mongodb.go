// Package mongodb 文档后端，基于 mongo-driver
package mongodb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hatlonely/modeldb/backend/document"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
	"github.com/hatlonely/modeldb/uid"
)

// Options MongoDB连接选项
type Options struct {
	URI         string        `cfg:"uri"`
	Host        string        `cfg:"host" def:"localhost"`
	Port        int           `cfg:"port" def:"27017"`
	Database    string        `cfg:"database" validate:"required"`
	Username    string        `cfg:"username"`
	Password    string        `cfg:"password"`
	AuthSource  string        `cfg:"authSource" def:"admin"`
	Timeout     time.Duration `cfg:"timeout" def:"30s"`
	MaxPoolSize uint64        `cfg:"maxPoolSize" def:"100"`
	MinPoolSize uint64        `cfg:"minPoolSize" def:"0"`

	// 整数主键生成器，默认 snowflake
	IDGenerator *ref.TypeOptions `cfg:"idGenerator"`
	Logger      *ref.TypeOptions `cfg:"logger"`
}

// Mongo MongoDB 后端
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
	ids      uid.IntGenerator
	logger   log.Logger
}

// NewMongoWithOptions 连接并 ping 数据库
func NewMongoWithOptions(opts *Options) (*Mongo, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}
	uri := opts.URI
	if uri == "" {
		if opts.Username != "" && opts.Password != "" {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s",
				opts.Username, opts.Password, opts.Host, opts.Port,
				opts.Database, opts.AuthSource)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s", opts.Host, opts.Port, opts.Database)
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	clientOptions.SetMinPoolSize(opts.MinPoolSize)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping mongodb")
	}

	var ids uid.IntGenerator = uid.NewSnowflakeGeneratorWithOptions(nil)
	if opts.IDGenerator != nil {
		if ids, err = uid.NewIntGeneratorWithOptions(opts.IDGenerator); err != nil {
			return nil, errors.WithMessage(err, "create id generator failed")
		}
	}
	logger, err := log.NewLoggerWithOptions(opts.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}

	return &Mongo{
		client:   client,
		database: client.Database(opts.Database),
		ids:      ids,
		logger:   logger,
	}, nil
}

func (m *Mongo) SetLogger(logger log.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return document.NewWhere(dbName, op, f)
}

func (m *Mongo) TemplateWhere(template string, f *schema.Field) model.WhereClause {
	return document.NewTemplate(template, f)
}

func (m *Mongo) collection(inst *model.Instance, opts *model.Options) *mongo.Collection {
	return m.database.Collection(document.Collection(inst, opts))
}

// filter 查询条件转换为 mongo 过滤器，_id 上的十六进制字符串转换为 ObjectID
func filter(view *model.View, q model.Query) (bson.M, error) {
	f, err := document.Filter(view, q)
	if err != nil {
		return nil, err
	}
	return bson.M(objectIDs(f.ToMongo(), false).(map[string]any)), nil
}

func objectIDs(v any, isID bool) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = objectIDs(val, isID && strings.HasPrefix(k, "$") || k == "_id")
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = objectIDs(val, isID)
		}
		return out
	case string:
		if isID {
			if oid, err := primitive.ObjectIDFromHex(x); err == nil {
				return oid
			}
		}
	}
	return v
}

func sortDoc(keys []document.SortKey) bson.D {
	d := bson.D{}
	for _, k := range keys {
		direction := 1
		if k.Desc {
			direction = -1
		}
		d = append(d, bson.E{Key: k.Column, Value: direction})
	}
	return d
}

// plain 将 bson 类型转换为普通 Go 值
func plain(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.A:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = plain(val)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = plain(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = plain(e.Value)
		}
		return out
	case int32:
		return int64(x)
	}
	return v
}

func (m *Mongo) decode(view *model.View, raw bson.M) (model.Record, error) {
	return document.Decode(view, plain(raw).(map[string]any))
}

func (m *Mongo) GetEmpty(_ context.Context, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	return model.EmptyResult(view, opts)
}

func (m *Mongo) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	f, err := filter(view, query)
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, opts.OrderBy)
	if err != nil {
		return nil, err
	}
	findOptions := options.FindOne()
	if len(keys) > 0 {
		findOptions.SetSort(sortDoc(keys))
	}

	var raw bson.M
	if err := m.collection(inst, opts).FindOne(ctx, f, findOptions).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrapf(model.ErrNotFound, "no %s record matches", inst.Model().Name())
		}
		return nil, errors.Wrap(err, "mongo find one failed")
	}
	rec, err := m.decode(view, raw)
	if err != nil {
		return nil, err
	}
	return model.NewResult(view, rec, opts), nil
}

func (m *Mongo) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.ListResult, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	f, err := filter(view, query)
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, opts.OrderBy)
	if err != nil {
		return nil, err
	}

	findOptions := options.Find()
	if len(keys) > 0 {
		findOptions.SetSort(sortDoc(keys))
	}
	if opts.Limit > 0 {
		findOptions.SetLimit(int64(opts.Limit))
	}
	if opts.Skip > 0 {
		findOptions.SetSkip(int64(opts.Skip))
	}

	coll := m.collection(inst, opts)
	cursor, err := coll.Find(ctx, f, findOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongo find failed")
	}
	defer cursor.Close(ctx)

	var recs []model.Record
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "mongo decode failed")
		}
		rec, err := m.decode(view, raw)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "mongo cursor failed")
	}

	total := int64(opts.Skip + len(recs))
	if opts.Limit > 0 {
		if total, err = coll.CountDocuments(ctx, f); err != nil {
			return nil, errors.Wrap(err, "mongo count failed")
		}
	}
	return model.NewListResult(view, recs, total, opts), nil
}

func (m *Mongo) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	f, err := filter(view, query)
	if err != nil {
		return 0, err
	}
	n, err := m.collection(inst, opts).CountDocuments(ctx, f)
	if err != nil {
		return 0, errors.Wrap(err, "mongo count failed")
	}
	return n, nil
}

// document 编码插入文档，整数主键缺失时生成
func (m *Mongo) document(ctx context.Context, view *model.View, inst *model.Instance, doc model.Record, vars map[string]any) (map[string]any, error) {
	d, err := document.Encode(view, doc, vars, true)
	if err != nil {
		return nil, err
	}
	idField := view.Field(inst.Schema().ID())
	if idField == nil || idField.Type() != schema.TypeInteger {
		return d, nil
	}
	col := document.Column(view, idField)
	if d[col] == nil {
		id, err := m.ids.Generate(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "generate id failed")
		}
		d[col] = id
	}
	return d, nil
}

func (m *Mongo) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	d, err := m.document(ctx, view, inst, doc, opts.Variables)
	if err != nil {
		return nil, err
	}
	res, err := m.collection(inst, opts).InsertOne(ctx, d)
	if err != nil {
		return nil, errors.Wrap(err, "mongo insert one failed")
	}
	if f := view.Field(inst.Schema().ID()); f != nil {
		if id, ok := d[document.Column(view, f)]; ok && id != nil {
			return id, nil
		}
	}
	return plain(res.InsertedID), nil
}

func (m *Mongo) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return 0, err
	}
	items := make([]any, 0, len(docs))
	for _, doc := range docs {
		d, err := m.document(ctx, view, inst, doc, opts.Variables)
		if err != nil {
			return 0, err
		}
		items = append(items, d)
	}
	res, err := m.collection(inst, opts).InsertMany(ctx, items)
	if err != nil {
		return 0, errors.Wrap(err, "mongo insert many failed")
	}
	return int64(len(res.InsertedIDs)), nil
}

// update 只有字段变化才计数，upsert 时默认值通过 $setOnInsert 写入
func (m *Mongo) update(ctx context.Context, query model.Query, doc model.Record, upsert, many bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	f, err := filter(view, query)
	if err != nil {
		return 0, err
	}
	set, err := document.Encode(view, doc, opts.Variables, false)
	if err != nil {
		return 0, err
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if upsert {
		defaults, err := document.Encode(view, doc, opts.Variables, true)
		if err != nil {
			return 0, err
		}
		for k := range set {
			delete(defaults, k)
		}
		for k := range f {
			delete(defaults, k)
		}
		if len(defaults) > 0 {
			update["$setOnInsert"] = defaults
		}
	}
	if len(update) == 0 {
		return 0, nil
	}

	updateOptions := options.Update().SetUpsert(upsert)
	coll := m.collection(inst, opts)
	var res *mongo.UpdateResult
	if many {
		res, err = coll.UpdateMany(ctx, f, update, updateOptions)
	} else {
		res, err = coll.UpdateOne(ctx, f, update, updateOptions)
	}
	if err != nil {
		return 0, errors.Wrap(err, "mongo update failed")
	}
	return res.ModifiedCount + res.UpsertedCount, nil
}

func (m *Mongo) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance) (int64, error) {
	return m.update(ctx, query, doc, upsert, false, opts, inst)
}

func (m *Mongo) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	return m.update(ctx, query, doc, opts.Upsert, true, opts, inst)
}

func (m *Mongo) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	f, err := filter(view, query)
	if err != nil {
		return 0, err
	}
	res, err := m.collection(inst, opts).DeleteOne(ctx, f)
	if err != nil {
		return 0, errors.Wrap(err, "mongo delete one failed")
	}
	return res.DeletedCount, nil
}

func (m *Mongo) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	f, err := filter(view, query)
	if err != nil {
		return 0, err
	}
	res, err := m.collection(inst, opts).DeleteMany(ctx, f)
	if err != nil {
		return 0, errors.Wrap(err, "mongo delete many failed")
	}
	return res.DeletedCount, nil
}

// CreateCollection 创建集合，主键不是 _id 时建立唯一索引
func (m *Mongo) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance) error {
	name := document.Collection(inst, opts)
	if err := m.database.CreateCollection(ctx, name); err != nil {
		var cmdErr mongo.CommandError
		// 48: NamespaceExists
		if !errors.As(err, &cmdErr) || cmdErr.Code != 48 {
			return errors.Wrapf(err, "create collection %s failed", name)
		}
	}

	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return err
	}
	idField := view.Field(inst.Schema().ID())
	if idField == nil {
		return nil
	}
	col := document.Column(view, idField)
	if col == "_id" {
		return nil
	}
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: col, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_" + col),
	}
	if _, err := m.database.Collection(name).Indexes().CreateOne(ctx, index); err != nil {
		return errors.Wrapf(err, "create index on %s.%s failed", name, col)
	}
	m.logger.InfoContext(ctx, "collection created", "collection", name, "model", inst.Model().Name())
	return nil
}
