package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/hatlonely/modeldb/backend/document"
	"github.com/hatlonely/modeldb/log/logger"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

const bookYAML = `
meta:
  name: book
  collection: books
  id: id
fields:
  id:
    type: integer
  title: {}
  state:
    enum:
      A: Available
      L: Lent
    default: A
  pages:
    type: integer
  added:
    type: date
views:
  shelf:
    fields: "id,title,state"
    where:
      _all_: "state != 'L'"
      title: true
`

func TestHelpers(t *testing.T) {
	Convey("_id 上的十六进制字符串转换为 ObjectID", t, func() {
		oid := primitive.NewObjectID()
		out := objectIDs(map[string]any{
			"$and": []any{
				map[string]any{"_id": map[string]any{"$in": []any{oid.Hex(), "not-hex"}}},
				map[string]any{"title": oid.Hex()},
			},
		}, false)
		and := out.(map[string]any)["$and"].([]any)
		So(and[0], ShouldResemble, map[string]any{"_id": map[string]any{"$in": []any{oid, "not-hex"}}})
		So(and[1], ShouldResemble, map[string]any{"title": oid.Hex()})
	})

	Convey("bson 值转换为普通值", t, func() {
		oid := primitive.NewObjectID()
		now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		out := plain(bson.M{
			"_id":   oid,
			"n":     int32(3),
			"at":    primitive.NewDateTimeFromTime(now),
			"tags":  primitive.A{"a", int32(1)},
			"inner": bson.D{{Key: "k", Value: "v"}},
		}).(map[string]any)
		So(out["_id"], ShouldEqual, oid.Hex())
		So(out["n"], ShouldEqual, int64(3))
		So(out["at"], ShouldEqual, now)
		So(out["tags"], ShouldResemble, []any{"a", int64(1)})
		So(out["inner"], ShouldResemble, map[string]any{"k": "v"})
	})

	Convey("排序文档", t, func() {
		d := sortDoc([]document.SortKey{{Column: "pages", Desc: true}, {Column: "title"}})
		So(d, ShouldResemble, bson.D{{Key: "pages", Value: -1}, {Key: "title", Value: 1}})
	})
}

// 需要可用的 mongo，例如 MODELDB_MONGO_URI="mongodb://localhost:27017"
func TestMongo(t *testing.T) {
	uri := os.Getenv("MODELDB_MONGO_URI")
	convey := Convey
	if uri == "" {
		convey = SkipConvey
	}

	convey("mongo CRUD", t, func() {
		ctx := context.Background()
		db, err := NewMongoWithOptions(&Options{URI: uri, Database: "modeldb_test", Timeout: 5 * time.Second})
		So(err, ShouldBeNil)
		defer db.Close()
		db.SetLogger(logger.Nop())

		desc, err := schema.DecodeDescriptor([]byte(bookYAML), "yaml")
		So(err, ShouldBeNil)
		s, err := schema.New(desc)
		So(err, ShouldBeNil)
		registry := model.NewRegistry(&model.RegistryOptions{Logger: logger.Nop()})
		m, err := registry.NewModel(&model.ModelOptions{Schema: s, Backend: db})
		So(err, ShouldBeNil)
		inst := m.Instance("en", "t1")

		So(db.database.Collection("t1_books").Drop(ctx), ShouldBeNil)
		So(inst.CreateCollection(ctx, nil), ShouldBeNil)
		So(inst.CreateCollection(ctx, nil), ShouldBeNil)

		id, err := inst.InsertOne(ctx, model.Record{"title": "Dune", "pages": "412", "added": "2024-05-01T08:00:00Z"}, nil)
		So(err, ShouldBeNil)
		So(id, ShouldHaveSameTypeAs, int64(0))

		res, err := inst.FindByID(ctx, id, nil)
		So(err, ShouldBeNil)
		So(res.Data["title"], ShouldEqual, "Dune")
		So(res.Data["pages"], ShouldEqual, int64(412))
		So(res.Data["added"], ShouldEqual, "2024-05-01")
		So(res.Data["state"], ShouldResemble, &schema.EnumValue{Value: "A", HTML: "Available"})

		n, err := inst.InsertMany(ctx, []model.Record{
			{"id": 1, "title": "Emma", "pages": 300, "state": "L"},
			{"id": 2, "title": "Ulysses", "pages": 700},
		}, nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)

		list, err := inst.Find(ctx, nil, &model.Options{View: "shelf", OrderBy: []string{"title desc"}, Limit: 1})
		So(err, ShouldBeNil)
		So(len(list.Data), ShouldEqual, 1)
		So(list.Data[0]["title"], ShouldEqual, "Ulysses")
		So(list.Pages.Total, ShouldEqual, 2)

		count, err := inst.Count(ctx, model.Query{"pages": map[string]any{"op": ">", "value": 350}}, nil)
		So(err, ShouldBeNil)
		So(count, ShouldEqual, 2)

		n, err = inst.UpdateOne(ctx, model.Query{"id": 1}, model.Record{"state": "A"}, nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)

		n, err = inst.UpdateOne(ctx, model.Query{"id": 3}, model.Record{"title": "Ada"}, &model.Options{Upsert: true})
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		res, err = inst.FindByID(ctx, 3, nil)
		So(err, ShouldBeNil)
		So(res.Data["state"], ShouldResemble, &schema.EnumValue{Value: "A", HTML: "Available"})

		n, err = inst.DeleteMany(ctx, model.Query{"id": []any{1, 2}}, nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 2)
		_, err = inst.FindByID(ctx, 1, nil)
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)

		_, err = inst.Find(ctx, nil, &model.Options{OrderBy: []string{"nope"}})
		So(errors.Is(err, model.ErrUnknownField), ShouldBeTrue)
	})
}
