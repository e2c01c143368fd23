package serializer

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type record = map[string]any

func TestSerializer(t *testing.T) {
	Convey("按格式名创建", t, func() {
		for _, format := range []string{FormatJSON, FormatBSON, FormatMsgPack, ""} {
			s, err := New[record](format)
			So(err, ShouldBeNil)
			So(s, ShouldNotBeNil)
		}
		_, err := New[record]("xml")
		So(err, ShouldNotBeNil)
	})

	Convey("数字类型", t, func() {
		in := record{"id": int64(42), "title": "hello"}

		Convey("json 保留 json.Number", func() {
			s := NewJSONSerializer[record]()
			buf, err := s.Serialize(in)
			So(err, ShouldBeNil)
			out, err := s.Deserialize(buf)
			So(err, ShouldBeNil)
			So(out["id"], ShouldEqual, json.Number("42"))
			So(out["title"], ShouldEqual, "hello")
		})

		Convey("msgpack 整数解码为 int64", func() {
			s := NewMsgPackSerializer[record]()
			buf, err := s.Serialize(record{"id": int64(42), "small": 1})
			So(err, ShouldBeNil)
			out, err := s.Deserialize(buf)
			So(err, ShouldBeNil)
			So(out["id"], ShouldEqual, int64(42))
			So(out["small"], ShouldEqual, int64(1))
		})

		Convey("bson", func() {
			s := NewBSONSerializer[record]()
			buf, err := s.Serialize(in)
			So(err, ShouldBeNil)
			out, err := s.Deserialize(buf)
			So(err, ShouldBeNil)
			So(out["id"], ShouldEqual, int64(42))
		})
	})

	Convey("base64 包装", t, func() {
		s := NewBase64Serializer[record](NewJSONSerializer[record]())
		text, err := s.Serialize(record{"a": "b"})
		So(err, ShouldBeNil)
		So(text, ShouldEqual, "eyJhIjoiYiJ9")
		out, err := s.Deserialize(text)
		So(err, ShouldBeNil)
		So(out, ShouldResemble, record{"a": "b"})

		_, err = s.Deserialize("%%%")
		So(err, ShouldNotBeNil)
	})
}
