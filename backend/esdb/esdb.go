// Package esdb 搜索文档后端，基于 go-elasticsearch
package esdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/backend/document"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
	"github.com/hatlonely/modeldb/uid"
)

// Options Elasticsearch连接选项
type Options struct {
	Addresses  []string      `cfg:"addresses" def:"http://localhost:9200"`
	Username   string        `cfg:"username"`
	Password   string        `cfg:"password"`
	APIKey     string        `cfg:"apiKey"`
	Timeout    time.Duration `cfg:"timeout" def:"30s"`
	MaxRetries int           `cfg:"maxRetries" def:"3"`
	// 写操作的刷新策略：true / false / wait_for
	Refresh string `cfg:"refresh" def:"wait_for" validate:"omitempty,oneof=true false wait_for"`

	// 整数主键生成器，默认 snowflake；字符串主键使用 uuid
	IDGenerator *ref.TypeOptions `cfg:"idGenerator"`
	Logger      *ref.TypeOptions `cfg:"logger"`

	// 直接指定 http 传输，测试时使用
	Transport http.RoundTripper `cfg:"-"`
}

// ES Elasticsearch 后端
type ES struct {
	client  *elasticsearch.Client
	refresh string
	intIDs  uid.IntGenerator
	strIDs  uid.StrGenerator
	logger  log.Logger
}

// NewESWithOptions 创建客户端并检查连接
func NewESWithOptions(opts *Options) (*ES, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: opts.Timeout,
		}
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  opts.Addresses,
		Username:   opts.Username,
		Password:   opts.Password,
		APIKey:     opts.APIKey,
		Transport:  transport,
		MaxRetries: opts.MaxRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create elasticsearch client")
	}

	res, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.Errorf("elasticsearch connection error: %s", res.String())
	}

	var intIDs uid.IntGenerator = uid.NewSnowflakeGeneratorWithOptions(nil)
	if opts.IDGenerator != nil {
		if intIDs, err = uid.NewIntGeneratorWithOptions(opts.IDGenerator); err != nil {
			return nil, errors.WithMessage(err, "create id generator failed")
		}
	}
	logger, err := log.NewLoggerWithOptions(opts.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	refresh := opts.Refresh
	if refresh == "" {
		refresh = "wait_for"
	}
	return &ES{
		client:  client,
		refresh: refresh,
		intIDs:  intIDs,
		strIDs:  uid.NewUUIDGeneratorWithOptions(nil),
		logger:  logger,
	}, nil
}

func (es *ES) SetLogger(logger log.Logger) {
	if logger != nil {
		es.logger = logger
	}
}

// Close 客户端不需要显式关闭
func (es *ES) Close() error {
	return nil
}

func (es *ES) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return document.NewWhere(dbName, op, f)
}

func (es *ES) TemplateWhere(template string, f *schema.Field) model.WhereClause {
	return document.NewTemplate(template, f)
}

// index 索引名只能是小写
func index(inst *model.Instance, opts *model.Options) string {
	return strings.ToLower(document.Collection(inst, opts))
}

// do 执行请求，404 时返回 ok=false，其余错误状态返回 error
func (es *ES) do(ctx context.Context, req esapi.Request, out any) (bool, error) {
	res, err := req.Do(ctx, es.client)
	if err != nil {
		return false, errors.Wrap(err, "elasticsearch request failed")
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return false, errors.Errorf("elasticsearch error [%d]: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return true, nil
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return false, errors.Wrap(err, "decode elasticsearch response failed")
	}
	return true, nil
}

func body(v any) (io.Reader, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal elasticsearch body failed")
	}
	return bytes.NewReader(buf), nil
}

type searchHit struct {
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

func sortBody(keys []document.SortKey) []any {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		order := "asc"
		if k.Desc {
			order = "desc"
		}
		out = append(out, map[string]any{k.Column: map[string]any{"order": order}})
	}
	return out
}

// search 执行查询，size 为 0 时使用 es 的默认大小
func (es *ES) search(ctx context.Context, view *model.View, name string, q model.Query, orderBy []string, from, size int, total bool) (*searchResponse, error) {
	filter, err := document.Filter(view, q)
	if err != nil {
		return nil, err
	}
	keys, err := document.Sort(view, orderBy)
	if err != nil {
		return nil, err
	}
	searchBody := map[string]any{"query": filter.ToES()}
	if len(keys) > 0 {
		searchBody["sort"] = sortBody(keys)
	}
	if from > 0 {
		searchBody["from"] = from
	}
	if size > 0 {
		searchBody["size"] = size
	}
	if total {
		searchBody["track_total_hits"] = true
	}
	r, err := body(searchBody)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	found, err := es.do(ctx, esapi.SearchRequest{Index: []string{name}, Body: r}, &resp)
	if err != nil {
		return nil, errors.WithMessagef(err, "search %s failed", name)
	}
	if !found {
		return &searchResponse{}, nil
	}
	return &resp, nil
}

func (es *ES) GetEmpty(_ context.Context, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	return model.EmptyResult(view, opts)
}

func (es *ES) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	resp, err := es.search(ctx, view, index(inst, opts), query, opts.OrderBy, 0, 1, false)
	if err != nil {
		return nil, err
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "no %s record matches", inst.Model().Name())
	}
	rec, err := document.Decode(view, resp.Hits.Hits[0].Source)
	if err != nil {
		return nil, err
	}
	return model.NewResult(view, rec, opts), nil
}

func (es *ES) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.ListResult, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	resp, err := es.search(ctx, view, index(inst, opts), query, opts.OrderBy, opts.Skip, opts.Limit, true)
	if err != nil {
		return nil, err
	}
	recs := make([]model.Record, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		rec, err := document.Decode(view, hit.Source)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return model.NewListResult(view, recs, resp.Hits.Total.Value, opts), nil
}

func (es *ES) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	filter, err := document.Filter(view, query)
	if err != nil {
		return 0, err
	}
	r, err := body(map[string]any{"query": filter.ToES()})
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	var resp struct {
		Count int64 `json:"count"`
	}
	if _, err := es.do(ctx, esapi.CountRequest{Index: []string{name}, Body: r}, &resp); err != nil {
		return 0, errors.WithMessagef(err, "count %s failed", name)
	}
	return resp.Count, nil
}

// document 编码插入文档并确定文档 id，主键缺失时生成
func (es *ES) document(ctx context.Context, view *model.View, inst *model.Instance, doc model.Record, vars map[string]any) (string, map[string]any, any, error) {
	d, err := document.Encode(view, doc, vars, true)
	if err != nil {
		return "", nil, nil, err
	}
	idField := view.Field(inst.Schema().ID())
	if idField == nil {
		return es.strIDs.Generate(), d, nil, nil
	}
	col := document.Column(view, idField)
	if d[col] == nil {
		if idField.Type() == schema.TypeInteger {
			id, err := es.intIDs.Generate(ctx)
			if err != nil {
				return "", nil, nil, errors.WithMessage(err, "generate id failed")
			}
			d[col] = id
		} else {
			d[col] = es.strIDs.Generate()
		}
	}
	return fmt.Sprint(d[col]), d, d[col], nil
}

func (es *ES) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return nil, err
	}
	docID, d, id, err := es.document(ctx, view, inst, doc, opts.Variables)
	if err != nil {
		return nil, err
	}
	r, err := body(d)
	if err != nil {
		return nil, err
	}
	name := index(inst, opts)
	req := esapi.IndexRequest{Index: name, DocumentID: docID, Body: r, Refresh: es.refresh}
	if _, err := es.do(ctx, req, nil); err != nil {
		return nil, errors.WithMessagef(err, "index document into %s failed", name)
	}
	if id == nil {
		return docID, nil
	}
	return id, nil
}

type bulkResponse struct {
	Errors bool             `json:"errors"`
	Items  []map[string]any `json:"items"`
}

// bulk 执行批量请求，返回成功的条数
func (es *ES) bulk(ctx context.Context, lines []any) (int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return 0, errors.Wrap(err, "marshal bulk line failed")
		}
	}
	var resp bulkResponse
	if _, err := es.do(ctx, esapi.BulkRequest{Body: &buf, Refresh: es.refresh}, &resp); err != nil {
		return 0, errors.WithMessage(err, "bulk request failed")
	}
	var n int64
	for _, item := range resp.Items {
		for _, v := range item {
			result, _ := v.(map[string]any)
			if status, ok := result["status"].(json.Number); ok {
				if code, _ := status.Int64(); code >= 200 && code < 300 {
					n++
				}
			}
		}
	}
	if resp.Errors {
		es.logger.WarnContext(ctx, "bulk request partially failed", "succeeded", n, "total", len(resp.Items))
	}
	return n, nil
}

func (es *ES) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	lines := make([]any, 0, 2*len(docs))
	for _, doc := range docs {
		docID, d, _, err := es.document(ctx, view, inst, doc, opts.Variables)
		if err != nil {
			return 0, err
		}
		lines = append(lines, map[string]any{"index": map[string]any{"_index": name, "_id": docID}}, d)
	}
	return es.bulk(ctx, lines)
}

// UpdateOne 先查出第一条匹配文档的 id 再局部更新，没有匹配且 upsert 时插入
func (es *ES) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	resp, err := es.search(ctx, view, name, query, opts.OrderBy, 0, 1, false)
	if err != nil {
		return 0, err
	}
	if len(resp.Hits.Hits) == 0 {
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
		if _, err := es.InsertOne(ctx, merged, opts, inst); err != nil {
			return 0, err
		}
		return 1, nil
	}

	set, err := document.Encode(view, doc, opts.Variables, false)
	if err != nil {
		return 0, err
	}
	r, err := body(map[string]any{"doc": set})
	if err != nil {
		return 0, err
	}
	req := esapi.UpdateRequest{Index: name, DocumentID: resp.Hits.Hits[0].ID, Body: r, Refresh: es.refresh}
	if _, err := es.do(ctx, req, nil); err != nil {
		return 0, errors.WithMessagef(err, "update document in %s failed", name)
	}
	return 1, nil
}

const assignScript = "for (e in params.doc.entrySet()) { ctx._source[e.getKey()] = e.getValue() }"

func (es *ES) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	filter, err := document.Filter(view, query)
	if err != nil {
		return 0, err
	}
	set, err := document.Encode(view, doc, opts.Variables, false)
	if err != nil {
		return 0, err
	}
	r, err := body(map[string]any{
		"query": filter.ToES(),
		"script": map[string]any{
			"source": assignScript,
			"lang":   "painless",
			"params": map[string]any{"doc": set},
		},
	})
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	refresh := es.refresh != "false"
	var resp struct {
		Updated int64 `json:"updated"`
	}
	if _, err := es.do(ctx, esapi.UpdateByQueryRequest{Index: []string{name}, Body: r, Refresh: &refresh}, &resp); err != nil {
		return 0, errors.WithMessagef(err, "update by query in %s failed", name)
	}
	return resp.Updated, nil
}

func (es *ES) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	resp, err := es.search(ctx, view, name, query, opts.OrderBy, 0, 1, false)
	if err != nil {
		return 0, err
	}
	if len(resp.Hits.Hits) == 0 {
		return 0, nil
	}
	req := esapi.DeleteRequest{Index: name, DocumentID: resp.Hits.Hits[0].ID, Refresh: es.refresh}
	found, err := es.do(ctx, req, nil)
	if err != nil {
		return 0, errors.WithMessagef(err, "delete document in %s failed", name)
	}
	if !found {
		return 0, nil
	}
	return 1, nil
}

func (es *ES) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return 0, err
	}
	filter, err := document.Filter(view, query)
	if err != nil {
		return 0, err
	}
	r, err := body(map[string]any{"query": filter.ToES()})
	if err != nil {
		return 0, err
	}
	name := index(inst, opts)
	refresh := es.refresh != "false"
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	if _, err := es.do(ctx, esapi.DeleteByQueryRequest{Index: []string{name}, Body: r, Refresh: &refresh}, &resp); err != nil {
		return 0, errors.WithMessagef(err, "delete by query in %s failed", name)
	}
	return resp.Deleted, nil
}

// CreateCollection 索引不存在时按视图字段创建映射，已存在时补充新字段
func (es *ES) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance) error {
	view, err := inst.View(opts.ViewName(model.ViewRecord))
	if err != nil {
		return err
	}
	name := index(inst, opts)
	properties := map[string]any{}
	for _, f := range view.Fields() {
		properties[document.Column(view, f)] = mapping(f)
	}

	exists, err := es.do(ctx, esapi.IndicesExistsRequest{Index: []string{name}}, nil)
	if err != nil {
		return errors.WithMessagef(err, "check index %s failed", name)
	}
	if exists {
		r, err := body(map[string]any{"properties": properties})
		if err != nil {
			return err
		}
		if _, err := es.do(ctx, esapi.IndicesPutMappingRequest{Index: []string{name}, Body: r}, nil); err != nil {
			return errors.WithMessagef(err, "update mapping of %s failed", name)
		}
		return nil
	}

	r, err := body(map[string]any{
		"mappings": map[string]any{"properties": properties},
		"settings": map[string]any{"number_of_shards": 1, "number_of_replicas": 0},
	})
	if err != nil {
		return err
	}
	if _, err := es.do(ctx, esapi.IndicesCreateRequest{Index: name, Body: r}, nil); err != nil {
		return errors.WithMessagef(err, "create index %s failed", name)
	}
	es.logger.InfoContext(ctx, "index created", "index", name, "model", inst.Model().Name())
	return nil
}

// mapping 字段类型对应的 es 映射，字符串使用 keyword 以支持精确匹配
func mapping(f *schema.Field) map[string]any {
	switch f.Type() {
	case schema.TypeInteger:
		return map[string]any{"type": "long"}
	case schema.TypeFloat, schema.TypeNumber, schema.TypeDouble:
		return map[string]any{"type": "double"}
	case schema.TypeBoolean:
		return map[string]any{"type": "boolean"}
	case schema.TypeDate, schema.TypeTimestamp:
		return map[string]any{
			"type":   "date",
			"format": "strict_date_optional_time||yyyy-MM-dd HH:mm:ss||yyyy-MM-dd||epoch_millis",
		}
	}
	m := map[string]any{"type": "keyword", "ignore_above": 256}
	if n := f.MaxLength(); n > 256 {
		m["ignore_above"] = n
	}
	return m
}
