package decorator

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
)

type CacheDecoratorOptions struct {
	// 缓存大小，字节
	Size int           `cfg:"size" def:"16777216"`
	TTL  time.Duration `cfg:"ttl" def:"1m"`

	Logger *ref.TypeOptions `cfg:"logger"`
}

// CacheDecorator 缓存 findOne / find / count 的结果，任何写操作使该模型和租户的缓存失效
type CacheDecorator struct {
	model.BaseDecorator

	cache  *freecache.Cache
	ttl    time.Duration
	gens   sync.Map
	logger log.Logger
}

func NewCacheDecoratorWithOptions(options *CacheDecoratorOptions) (*CacheDecorator, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	size := options.Size
	if size <= 0 {
		size = 16 * 1024 * 1024
	}
	return &CacheDecorator{
		cache:  freecache.NewCache(size),
		ttl:    options.TTL,
		logger: logger.WithGroup("cache"),
	}, nil
}

func (c *CacheDecorator) SetLogger(logger log.Logger) {
	if logger != nil {
		c.logger = logger.WithGroup("cache")
	}
}

// Stats 命中和未命中次数
func (c *CacheDecorator) Stats() (hits, misses int64) {
	return c.cache.HitCount(), c.cache.MissCount()
}

type cacheKey struct {
	Model      string         `msgpack:"m"`
	Tenant     string         `msgpack:"t"`
	Lang       string         `msgpack:"l"`
	Generation int64          `msgpack:"g"`
	Operation  string         `msgpack:"o"`
	View       string         `msgpack:"v"`
	Collection string         `msgpack:"c"`
	Query      map[string]any `msgpack:"q"`
	Limit      int            `msgpack:"lim"`
	Skip       int            `msgpack:"sk"`
	OrderBy    []string       `msgpack:"ob"`
}

// cachedValue 枚举值单独保存，以便读取时还原为 *schema.EnumValue
type cachedValue struct {
	V any               `msgpack:"v"`
	E *schema.EnumValue `msgpack:"e,omitempty"`
}

type cachedEntry struct {
	Records []map[string]cachedValue `msgpack:"r"`
	Total   int64                    `msgpack:"n"`
}

func (c *CacheDecorator) generation(inst *model.Instance) *atomic.Int64 {
	key := inst.Model().Name() + "\x00" + inst.Tenant()
	v, _ := c.gens.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func (c *CacheDecorator) key(op string, query model.Query, opts *model.Options, inst *model.Instance) ([]byte, error) {
	k := cacheKey{
		Model:      inst.Model().Name(),
		Tenant:     inst.Tenant(),
		Lang:       inst.Lang(),
		Generation: c.generation(inst).Load(),
		Operation:  op,
		Query:      query,
	}
	if opts != nil {
		k.View, k.Collection, k.Limit, k.Skip, k.OrderBy = opts.View, opts.Collection, opts.Limit, opts.Skip, opts.OrderBy
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&k); err != nil {
		return nil, errors.Wrap(err, "msgpack encode cache key failed")
	}
	return buf.Bytes(), nil
}

func (c *CacheDecorator) load(ctx context.Context, key []byte) (*cachedEntry, bool) {
	buf, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	var entry cachedEntry
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&entry); err != nil {
		c.logger.WarnContext(ctx, "drop undecodable cache entry", "error", err.Error())
		c.cache.Del(key)
		return nil, false
	}
	return &entry, true
}

func (c *CacheDecorator) store(ctx context.Context, key []byte, records []model.Record, total int64) {
	entry := cachedEntry{Total: total, Records: make([]map[string]cachedValue, len(records))}
	for i, rec := range records {
		m := make(map[string]cachedValue, len(rec))
		for k, v := range rec {
			if ev, ok := v.(*schema.EnumValue); ok {
				m[k] = cachedValue{E: ev}
			} else {
				m[k] = cachedValue{V: v}
			}
		}
		entry.Records[i] = m
	}
	buf, err := msgpack.Marshal(&entry)
	if err != nil {
		c.logger.WarnContext(ctx, "skip unencodable cache entry", "error", err.Error())
		return
	}
	if err := c.cache.Set(key, buf, int(c.ttl.Seconds())); err != nil {
		c.logger.WarnContext(ctx, "cache set failed", "error", err.Error())
	}
}

func (e *cachedEntry) records() []model.Record {
	out := make([]model.Record, len(e.Records))
	for i, m := range e.Records {
		rec := make(model.Record, len(m))
		for k, v := range m {
			if v.E != nil {
				rec[k] = v.E
			} else {
				rec[k] = v.V
			}
		}
		out[i] = rec
	}
	return out
}

func (c *CacheDecorator) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.Result, error) {
	key, err := c.key("findOne", query, opts, inst)
	if err != nil {
		return next.FindOne(ctx, query, opts, inst)
	}
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	if entry, ok := c.load(ctx, key); ok && len(entry.Records) == 1 {
		return model.NewResult(view, entry.records()[0], opts), nil
	}
	res, err := next.FindOne(ctx, query, opts, inst)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, []model.Record{res.Data}, 1)
	return res, nil
}

func (c *CacheDecorator) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.ListResult, error) {
	key, err := c.key("find", query, opts, inst)
	if err != nil {
		return next.Find(ctx, query, opts, inst)
	}
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	if entry, ok := c.load(ctx, key); ok {
		return model.NewListResult(view, entry.records(), entry.Total, opts), nil
	}
	res, err := next.Find(ctx, query, opts, inst)
	if err != nil {
		return nil, err
	}
	var total int64
	if res.Pages != nil {
		total = res.Pages.Total
	}
	c.store(ctx, key, res.Data, total)
	return res, nil
}

func (c *CacheDecorator) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	key, err := c.key("count", query, opts, inst)
	if err != nil {
		return next.Count(ctx, query, opts, inst)
	}
	if entry, ok := c.load(ctx, key); ok {
		return entry.Total, nil
	}
	n, err := next.Count(ctx, query, opts, inst)
	if err != nil {
		return 0, err
	}
	c.store(ctx, key, nil, n)
	return n, nil
}

// invalidate 写操作之后递增代数，旧的缓存键不再被使用
func (c *CacheDecorator) invalidate(inst *model.Instance) {
	c.generation(inst).Add(1)
}

func (c *CacheDecorator) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (any, error) {
	defer c.invalidate(inst)
	return next.InsertOne(ctx, doc, opts, inst)
}

func (c *CacheDecorator) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	defer c.invalidate(inst)
	return next.InsertMany(ctx, docs, opts, inst)
}

func (c *CacheDecorator) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	defer c.invalidate(inst)
	return next.UpdateOne(ctx, query, doc, upsert, opts, inst)
}

func (c *CacheDecorator) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	defer c.invalidate(inst)
	return next.UpdateMany(ctx, query, doc, opts, inst)
}

func (c *CacheDecorator) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	defer c.invalidate(inst)
	return next.DeleteOne(ctx, query, opts, inst)
}

func (c *CacheDecorator) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	defer c.invalidate(inst)
	return next.DeleteMany(ctx, query, opts, inst)
}

func (c *CacheDecorator) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance, next model.Backend) error {
	defer c.invalidate(inst)
	return next.CreateCollection(ctx, opts, inst)
}
