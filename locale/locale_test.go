package locale

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/modeldb/cfg"
)

const catalogYAML = `
defaultLang: en
langs:
  en:
    fields:
      status: Status
    enums:
      status:
        A: Active
    strings:
      hello: Hello
  fr:
    fields:
      status: Statut
    enums:
      status:
        A: Actif
`

func TestCatalog(t *testing.T) {
	Convey("Catalog", t, func() {
		filename := filepath.Join(t.TempDir(), "locale.yaml")
		So(os.WriteFile(filename, []byte(catalogYAML), 0644), ShouldBeNil)

		catalog, err := LoadCatalog(filename)
		So(err, ShouldBeNil)

		Convey("字段标签", func() {
			label, ok := catalog.Locale("fr").Field("status")
			So(ok, ShouldBeTrue)
			So(label, ShouldEqual, "Statut")

			_, ok = catalog.Locale("fr").Field("name")
			So(ok, ShouldBeFalse)
		})

		Convey("枚举标签与回退", func() {
			fr := catalog.Locale("FR")
			label, err := fr.Enum("status", "A", "")
			So(err, ShouldBeNil)
			So(label, ShouldEqual, "Actif")

			label, err = fr.Enum("status", "I", "Inactive")
			So(err, ShouldBeNil)
			So(label, ShouldEqual, "Inactive")

			label, err = fr.Enum("status", "I", "")
			So(err, ShouldBeNil)
			So(label, ShouldEqual, "I")
		})

		Convey("缺失语言回退到默认语言", func() {
			de := catalog.Locale("de")
			So(de.Lang(), ShouldEqual, "de")
			So(de.String("hello"), ShouldEqual, "Hello")
			So(de.String("bye"), ShouldEqual, "bye")
		})

		Convey("严格模式", func() {
			strict := NewCatalogWithOptions(&CatalogOptions{Strict: true, Langs: map[string]*Table{"en": {}}})
			_, err := strict.Locale("en").Enum("status", "X", "")
			So(errors.Is(err, ErrUnknownEnum), ShouldBeTrue)
		})

		Convey("文件变化后热更新", func() {
			watcher, err := cfg.NewWatcher(nil)
			So(err, ShouldBeNil)
			defer watcher.Close()

			So(catalog.Watch(watcher, filename), ShouldBeNil)
			en := catalog.Locale("en")
			So(os.WriteFile(filename, []byte("langs:\n  en:\n    fields:\n      status: State\n"), 0644), ShouldBeNil)

			deadline := time.Now().Add(5 * time.Second)
			label := ""
			for time.Now().Before(deadline) {
				if label, _ = en.Field("status"); label == "State" {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			So(label, ShouldEqual, "State")
		})
	})
}
