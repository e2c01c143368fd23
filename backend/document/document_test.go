package document

import (
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/log/logger"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

// whereBackend 只提供视图构建需要的条件编译
type whereBackend struct {
	model.Backend
}

func (whereBackend) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return NewWhere(dbName, op, f)
}

func (whereBackend) TemplateWhere(template string, f *schema.Field) model.WhereClause {
	return NewTemplate(template, f)
}

const articleYAML = `
meta:
  name: article
  collection: articles
  id: id
fields:
  id:
    type: integer
  title: {}
  status:
    enum:
      D: Draft
      P: Published
    default: D
  score:
    type: float
  published:
    type: date
views:
  live:
    fields: "id,title,status,score"
    where:
      _all_: "status != 'D'"
      score: true
      title: true
  prefixed:
    dbFieldPrefix: "a_"
    fields: "id,title"
`

func newInstance() *model.Instance {
	desc, err := schema.DecodeDescriptor([]byte(articleYAML), "yaml")
	So(err, ShouldBeNil)
	s, err := schema.New(desc)
	So(err, ShouldBeNil)
	registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
	m, err := registry.NewModel(&model.ModelOptions{Schema: s, Backend: whereBackend{}})
	So(err, ShouldBeNil)
	return m.Instance("en", "")
}

func TestMapOp(t *testing.T) {
	Convey("运算符映射", t, func() {
		for op, expected := range map[string]string{
			"=": "==", "==": "==", "EQ": "==", "": "==",
			"!=": "!=", "<>": "!=", "NEQ": "!=",
			"in": "in", "not in": "nin",
			"<": "<", ">=": ">=",
		} {
			So(MapOp(op), ShouldEqual, expected)
		}
	})
}

func TestFilter(t *testing.T) {
	Convey("条件编译", t, func() {
		inst := newInstance()

		Convey("默认视图所有字段可过滤，值按字段类型转换", func() {
			view, err := inst.View("")
			So(err, ShouldBeNil)
			q, err := Filter(view, model.Query{"id": "3", "status": map[string]any{"value": "P"}})
			So(err, ShouldBeNil)
			So(q.ToMongo(), ShouldResemble, map[string]any{"$and": []any{
				map[string]any{"id": int64(3)},
				map[string]any{"status": "P"},
			}})
			So(q.Match(map[string]any{"id": int64(3), "status": "P"}), ShouldBeTrue)
			So(q.Match(map[string]any{"id": int64(4), "status": "P"}), ShouldBeFalse)
		})

		Convey("{op, value} 和数组", func() {
			view, err := inst.View("")
			So(err, ShouldBeNil)
			q, err := Filter(view, model.Query{"score": map[string]any{"op": ">=", "value": "2.5"}})
			So(err, ShouldBeNil)
			So(q.ToMongo(), ShouldResemble, map[string]any{"score": map[string]any{"$gte": 2.5}})

			q, err = Filter(view, model.Query{"id": []any{"1", 2}})
			So(err, ShouldBeNil)
			So(q.ToMongo(), ShouldResemble, map[string]any{"id": map[string]any{"$in": []any{int64(1), int64(2)}}})
		})

		Convey("_all_ 字面条件始终生效，未声明的字段被忽略", func() {
			view, err := inst.View("live")
			So(err, ShouldBeNil)
			q, err := Filter(view, model.Query{"score": 1, "id": 5})
			So(err, ShouldBeNil)
			So(q.Match(map[string]any{"status": "P", "score": 1.0}), ShouldBeTrue)
			So(q.Match(map[string]any{"status": "D", "score": 1.0}), ShouldBeFalse)
			So(q.Match(map[string]any{"status": "P", "score": 2.0}), ShouldBeFalse)

			q, err = Filter(view, nil)
			So(err, ShouldBeNil)
			So(q.ToES(), ShouldResemble, map[string]any{"bool": map[string]any{
				"must_not": []any{map[string]any{"term": map[string]any{"status": "D"}}},
			}})
		})

		Convey("无法解析的字面条件在绑定时报错", func() {
			_, err := NewTemplate("status LIKE 'x'", nil).Bind(model.Condition{})
			So(err, ShouldNotBeNil)
			out, err := NewTemplate("title = $value", nil).Bind(model.Condition{Value: "a'b"})
			So(err, ShouldBeNil)
			So(out.(interface{ ToMongo() map[string]any }).ToMongo(), ShouldResemble, map[string]any{"title": "a'b"})
		})

		Convey("字段前缀", func() {
			view, err := inst.View("prefixed")
			So(err, ShouldBeNil)
			q, err := Filter(view, model.Query{"title": "x"})
			So(err, ShouldBeNil)
			So(q.ToMongo(), ShouldResemble, map[string]any{"a_title": "x"})
		})
	})
}

func TestSort(t *testing.T) {
	Convey("排序解析", t, func() {
		inst := newInstance()
		view, err := inst.View("")
		So(err, ShouldBeNil)

		keys, err := Sort(view, []string{"score desc", "title", "id ASC"})
		So(err, ShouldBeNil)
		So(keys, ShouldResemble, []SortKey{{Column: "score", Desc: true}, {Column: "title"}, {Column: "id"}})

		_, err = Sort(view, []string{"nope"})
		So(errors.Is(err, model.ErrUnknownField), ShouldBeTrue)
		_, err = Sort(view, []string{"title sideways"})
		So(err, ShouldNotBeNil)

		docs := []map[string]any{
			{"id": int64(1), "score": 2.0},
			{"id": int64(2), "score": 3.0},
			{"id": int64(3)},
			{"id": int64(4), "score": 2.0},
		}
		page := Page(docs, []SortKey{{Column: "score", Desc: true}, {Column: "id", Desc: true}}, 1, 2)
		So(page, ShouldResemble, []map[string]any{{"id": int64(4), "score": 2.0}, {"id": int64(1), "score": 2.0}})
		So(Page(docs, nil, 10, 0), ShouldBeEmpty)
	})
}

func TestEncodeDecode(t *testing.T) {
	Convey("记录编解码", t, func() {
		inst := newInstance()
		view, err := inst.View("")
		So(err, ShouldBeNil)

		doc, err := Encode(view, model.Record{"id": "7", "title": "hello", "score": "1.5", "published": "2024-05-01T10:00:00Z"}, nil, true)
		So(err, ShouldBeNil)
		So(doc, ShouldResemble, map[string]any{
			"id": int64(7), "title": "hello", "status": "D", "score": 1.5, "published": "2024-05-01",
		})

		update, err := Encode(view, model.Record{"status": "P"}, nil, false)
		So(err, ShouldBeNil)
		So(update, ShouldResemble, map[string]any{"status": "P"})

		_, err = Encode(view, model.Record{"id": "x"}, nil, true)
		So(err, ShouldNotBeNil)

		rec, err := Decode(view, map[string]any{"id": int32(7), "title": "hello", "status": "P", "score": 1.5, "extra": 1})
		So(err, ShouldBeNil)
		So(rec["id"], ShouldEqual, int64(7))
		So(rec["status"], ShouldResemble, &schema.EnumValue{Value: "P", HTML: "Published"})
		So(rec, ShouldNotContainKey, "extra")

		Convey("now 和空日期", func() {
			f := view.Field("published")
			v, err := Coerce("-", f)
			So(err, ShouldBeNil)
			So(v, ShouldBeNil)
			v, err = Coerce("NOW()", f)
			So(err, ShouldBeNil)
			So(v, ShouldHaveLength, len(DateLayout))
			v, err = Coerce("snow day", f)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "snow day")
		})
	})
}
