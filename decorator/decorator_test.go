package decorator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/backend/sqldb"
	"github.com/hatlonely/modeldb/log/logger"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

const articleYAML = `
meta:
  name: article
  table: articles
fields:
  id:
    type: integer
    x-auto-id: true
  title: {}
  status:
    enum:
      D: Draft
      P: Published
    default: D
  tags: {}
`

const articleTagYAML = `
meta:
  name: article_tag
  table: article_tags
fields:
  id:
    type: integer
    x-auto-id: true
  doc_oid:
    type: integer
  oid: {}
`

// recorder 记录经过的调用
type recorder struct {
	model.BaseDecorator

	mu       sync.Mutex
	calls    map[string]int
	inserted []string
	deleted  []string
	fail     error
}

func newRecorder() *recorder { return &recorder{calls: map[string]int{}} }

func (r *recorder) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
}

func (r *recorder) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.ListResult, error) {
	r.add("find")
	return next.Find(ctx, query, opts, inst)
}

func (r *recorder) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	r.add("count")
	return next.Count(ctx, query, opts, inst)
}

func (r *recorder) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.Result, error) {
	r.add("findOne")
	return next.FindOne(ctx, query, opts, inst)
}

func (r *recorder) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	r.add("insertMany")
	if r.fail != nil {
		return 0, r.fail
	}
	r.mu.Lock()
	for _, d := range docs {
		r.inserted = append(r.inserted, fmt.Sprint(d["oid"]))
	}
	r.mu.Unlock()
	return next.InsertMany(ctx, docs, opts, inst)
}

func (r *recorder) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	r.add("deleteMany")
	r.mu.Lock()
	if keys, ok := query["oid"].([]string); ok {
		r.deleted = append(r.deleted, keys...)
	}
	r.mu.Unlock()
	return next.DeleteMany(ctx, query, opts, inst)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = map[string]int{}
	r.inserted, r.deleted = nil, nil
}

func mustSchema(text string) *schema.Schema {
	desc, err := schema.DecodeDescriptor([]byte(text), "yaml")
	So(err, ShouldBeNil)
	s, err := schema.New(desc)
	So(err, ShouldBeNil)
	return s
}

func newBackend(t *testing.T) *sqldb.SQLDB {
	db, err := sqldb.NewSQLDBWithOptions(&sqldb.Options{
		Driver: "sqlite3",
		DSN:    "file:" + filepath.Join(t.TempDir(), "decorator.db") + "?_busy_timeout=5000",
	})
	So(err, ShouldBeNil)
	db.SetLogger(logger.Nop())
	return db
}

func joinKeys(ctx context.Context, inst *model.Instance, id any) []string {
	res, err := inst.Find(ctx, model.Query{"doc_oid": id}, nil)
	So(err, ShouldBeNil)
	var keys []string
	for _, rec := range res.Data {
		keys = append(keys, fmt.Sprint(rec["oid"]))
	}
	sort.Strings(keys)
	return keys
}

func TestJoinDecorator(t *testing.T) {
	Convey("关联表维护", t, func() {
		ctx := context.Background()
		db := newBackend(t)
		defer db.Close()

		registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
		join, err := NewJoinDecoratorWithOptions(&JoinDecoratorOptions{Model: "article_tag", Field: "tags"})
		So(err, ShouldBeNil)
		join.SetLogger(logger.Nop())
		rec := newRecorder()

		article, err := registry.NewModel(&model.ModelOptions{Schema: mustSchema(articleYAML), Backend: db, Decorator: join})
		So(err, ShouldBeNil)
		tags, err := registry.NewModel(&model.ModelOptions{Schema: mustSchema(articleTagYAML), Backend: db, Decorator: rec})
		So(err, ShouldBeNil)

		inst := article.Instance("en", "")
		tagInst := tags.Instance("en", "")
		So(inst.CreateCollection(ctx, nil), ShouldBeNil)
		So(tagInst.CreateCollection(ctx, nil), ShouldBeNil)

		id, err := inst.InsertOne(ctx, model.Record{"title": "go", "tags": "A|B||C"}, nil)
		So(err, ShouldBeNil)
		registry.Tasks().Wait()
		So(joinKeys(ctx, tagInst, id), ShouldResemble, []string{"A", "B", "C"})

		Convey("按集合差异更新", func() {
			rec.reset()
			n, err := inst.UpdateOne(ctx, model.Query{"id": id}, model.Record{"tags": "B|C|D"}, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			registry.Tasks().Wait()

			So(rec.inserted, ShouldResemble, []string{"D"})
			So(rec.deleted, ShouldResemble, []string{"A"})
			So(joinKeys(ctx, tagInst, id), ShouldResemble, []string{"B", "C", "D"})
		})

		Convey("顺序变化不产生写入", func() {
			rec.reset()
			_, err := inst.UpdateOne(ctx, model.Query{"id": id}, model.Record{"tags": "C|A|B"}, nil)
			So(err, ShouldBeNil)
			registry.Tasks().Wait()
			So(rec.count("insertMany"), ShouldEqual, 0)
			So(rec.count("deleteMany"), ShouldEqual, 0)
		})

		Convey("空列表删除全部关联", func() {
			_, err := inst.UpdateOne(ctx, model.Query{"id": id}, model.Record{"tags": ""}, nil)
			So(err, ShouldBeNil)
			registry.Tasks().Wait()
			So(joinKeys(ctx, tagInst, id), ShouldBeEmpty)
		})

		Convey("后台写入失败不影响调用方", func() {
			rec.fail = errors.New("side store down")
			id2, err := inst.InsertOne(ctx, model.Record{"title": "rust", "tags": "X"}, nil)
			So(err, ShouldBeNil)
			So(id2, ShouldNotBeNil)
			registry.Tasks().Wait()

			select {
			case taskErr := <-registry.Tasks().Errors():
				So(taskErr.Error(), ShouldContainSubstring, "side store down")
			default:
				So("no task error", ShouldBeEmpty)
			}
		})
	})

	Convey("拆分外键列表", t, func() {
		So(splitKeys("A|B||A| C"), ShouldResemble, []string{"A", "B", "C"})
		So(splitKeys(&schema.EnumValue{Value: "x|y"}), ShouldResemble, []string{"x", "y"})
		So(splitKeys([]any{"a", 1}), ShouldResemble, []string{"a", "1"})
		So(splitKeys(nil), ShouldBeEmpty)
		So(splitKeys(""), ShouldBeEmpty)
	})
}

func TestCacheDecorator(t *testing.T) {
	Convey("结果缓存", t, func() {
		ctx := context.Background()
		db := newBackend(t)
		defer db.Close()

		cache, err := NewCacheDecoratorWithOptions(&CacheDecoratorOptions{Size: 1024 * 1024})
		So(err, ShouldBeNil)
		rec := newRecorder()
		registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
		article, err := registry.NewModel(&model.ModelOptions{
			Schema:    mustSchema(articleYAML),
			Backend:   db,
			Decorator: model.Chain(cache, rec),
		})
		So(err, ShouldBeNil)
		inst := article.Instance("en", "")

		id, err := inst.InsertOne(ctx, model.Record{"title": "cached", "status": "P"}, nil)
		So(err, ShouldBeNil)

		first, err := inst.Find(ctx, nil, &model.Options{Limit: 10})
		So(err, ShouldBeNil)
		second, err := inst.Find(ctx, nil, &model.Options{Limit: 10})
		So(err, ShouldBeNil)
		So(rec.count("find"), ShouldEqual, 1)
		So(second.Data, ShouldResemble, first.Data)
		So(second.Pages, ShouldResemble, first.Pages)
		So(second.Data[0]["status"], ShouldResemble, &schema.EnumValue{Value: "P", HTML: "Published"})

		one, err := inst.FindByID(ctx, id, nil)
		So(err, ShouldBeNil)
		again, err := inst.FindByID(ctx, id, nil)
		So(err, ShouldBeNil)
		So(rec.count("findOne"), ShouldEqual, 1)
		So(again.Data, ShouldResemble, one.Data)

		n, err := inst.Count(ctx, model.Query{"status": "P"}, nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		_, _ = inst.Count(ctx, model.Query{"status": "P"}, nil)
		So(rec.count("count"), ShouldEqual, 1)

		Convey("写操作后失效", func() {
			_, err := inst.InsertOne(ctx, model.Record{"title": "fresh"}, nil)
			So(err, ShouldBeNil)
			res, err := inst.Find(ctx, nil, &model.Options{Limit: 10})
			So(err, ShouldBeNil)
			So(len(res.Data), ShouldEqual, 2)
			So(rec.count("find"), ShouldEqual, 2)

			n, err := inst.Count(ctx, nil, nil)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("不同分页参数分开缓存", func() {
			hits, _ := cache.Stats()
			So(hits, ShouldBeGreaterThanOrEqualTo, 3)
			_, err := inst.Find(ctx, nil, &model.Options{Limit: 5})
			So(err, ShouldBeNil)
			So(rec.count("find"), ShouldEqual, 2)
		})
	})
}

func metricValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					matched = false
				}
			}
			if !matched {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
		}
	}
	return 0
}

func TestObservableDecorator(t *testing.T) {
	Convey("观测", t, func() {
		ctx := context.Background()
		db := newBackend(t)
		defer db.Close()

		reg := prometheus.NewRegistry()
		obs, err := NewObservableDecoratorWithOptions(&ObservableDecoratorOptions{
			Name:          "modeldb_test",
			EnableMetrics: true,
			EnableLogging: true,
			EnableTracing: true,
			Registerer:    reg,
		})
		So(err, ShouldBeNil)
		obs.SetLogger(logger.Nop())

		again, err := NewObservableDecoratorWithOptions(&ObservableDecoratorOptions{Name: "modeldb_test", EnableMetrics: true, Registerer: reg})
		So(err, ShouldBeNil)
		So(again.metrics.operationCounter, ShouldEqual, obs.metrics.operationCounter)

		registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
		article, err := registry.NewModel(&model.ModelOptions{Schema: mustSchema(articleYAML), Backend: db, Decorator: obs})
		So(err, ShouldBeNil)
		inst := article.Instance("en", "")

		_, err = inst.InsertMany(ctx, []model.Record{{"title": "a"}, {"title": "b"}}, nil)
		So(err, ShouldBeNil)
		_, err = inst.FindByID(ctx, 404, nil)
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		_, err = inst.Find(ctx, nil, &model.Options{OrderBy: []string{"nope"}})
		So(err, ShouldNotBeNil)

		families, err := reg.Gather()
		So(err, ShouldBeNil)
		So(metricValue(families, "modeldb_test_operations_total", map[string]string{"operation": "insertMany", "status": "success"}), ShouldEqual, 1)
		So(metricValue(families, "modeldb_test_operations_total", map[string]string{"operation": "findOne", "status": "success"}), ShouldEqual, 1)
		So(metricValue(families, "modeldb_test_operations_total", map[string]string{"operation": "find", "status": "error"}), ShouldEqual, 1)
		So(metricValue(families, "modeldb_test_batch_size", map[string]string{"operation": "insertMany"}), ShouldEqual, 1)
	})
}
