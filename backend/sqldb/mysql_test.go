package sqldb

import (
	"context"
	"os"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

// 需要可用的 mysql，例如 MODELDB_MYSQL_DSN="root:123456@tcp(localhost:3306)/modeldb_test"
func TestMySQL(t *testing.T) {
	dsn := os.Getenv("MODELDB_MYSQL_DSN")
	convey := Convey
	if dsn == "" {
		convey = SkipConvey
	}

	convey("mysql CRUD 和自动修复", t, func() {
		ctx := context.Background()
		db, err := NewSQLDBWithOptions(&Options{Driver: "mysql", DSN: dsn, Connector: ConnectorPool, MaxConns: 4})
		So(err, ShouldBeNil)
		defer db.Close()
		l := &recordingLogger{}
		db.SetLogger(l)

		task, _ := newModels(db)
		inst := task.Instance("en", "")
		execSQL(db, "DROP TABLE IF EXISTS tasks")
		execSQL(db, "DROP TABLE IF EXISTS notes")

		id, err := inst.InsertOne(ctx, model.Record{"title": `O'Brien \ list`, "status": "C", "due": "2024-05-01T10:00:00Z"}, nil)
		So(err, ShouldBeNil)
		So(l.count("create missing table"), ShouldEqual, 1)

		res, err := inst.FindByID(ctx, id, nil)
		So(err, ShouldBeNil)
		So(res.Data["title"], ShouldEqual, `O'Brien \ list`)
		So(res.Data["due"], ShouldEqual, "2024-05-01")
		So(res.Data["status"], ShouldResemble, &schema.EnumValue{Value: "C", HTML: "Closed"})

		execSQL(db, "ALTER TABLE tasks DROP COLUMN priority")
		_, err = inst.InsertOne(ctx, model.Record{"title": "again", "priority": 3}, nil)
		So(err, ShouldBeNil)
		So(l.count("add missing column"), ShouldEqual, 1)

		list, err := inst.Find(ctx, nil, &model.Options{View: "list", Limit: 1, OrderBy: []string{"id"}})
		So(err, ShouldBeNil)
		So(len(list.Data), ShouldEqual, 1)
		So(list.Pages.Total, ShouldEqual, 2)

		n, err := inst.DeleteOne(ctx, model.Query{"id": id}, nil)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		_, err = inst.FindByID(ctx, id, nil)
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
	})
}
