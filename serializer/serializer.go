// Package serializer 记录的序列化：json、bson、msgpack，以及 base64 文本包装
package serializer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// 格式名
const (
	FormatJSON    = "json"
	FormatBSON    = "bson"
	FormatMsgPack = "msgpack"
)

type Serializer[F, T any] interface {
	Serialize(from F) (T, error)
	Deserialize(to T) (F, error)
}

// New 按格式名创建字节序列化器，空格式名使用 msgpack
func New[T any](format string) (Serializer[T, []byte], error) {
	switch format {
	case FormatJSON:
		return NewJSONSerializer[T](), nil
	case FormatBSON:
		return NewBSONSerializer[T](), nil
	case FormatMsgPack, "":
		return NewMsgPackSerializer[T](), nil
	}
	return nil, errors.Errorf("unsupported serializer format [%s]", format)
}

type JSONSerializer[T any] struct{}

func NewJSONSerializer[T any]() *JSONSerializer[T] {
	return &JSONSerializer[T]{}
}

func (s *JSONSerializer[T]) Serialize(from T) ([]byte, error) {
	return json.Marshal(from)
}

// Deserialize 数字保留为 json.Number
func (s *JSONSerializer[T]) Deserialize(to []byte) (T, error) {
	var result T
	dec := json.NewDecoder(bytes.NewReader(to))
	dec.UseNumber()
	err := dec.Decode(&result)
	return result, err
}

type BSONSerializer[T any] struct{}

func NewBSONSerializer[T any]() *BSONSerializer[T] {
	return &BSONSerializer[T]{}
}

func (s *BSONSerializer[T]) Serialize(from T) ([]byte, error) {
	return bson.Marshal(from)
}

func (s *BSONSerializer[T]) Deserialize(to []byte) (T, error) {
	var result T
	err := bson.Unmarshal(to, &result)
	return result, err
}

type MsgPackSerializer[T any] struct{}

func NewMsgPackSerializer[T any]() *MsgPackSerializer[T] {
	return &MsgPackSerializer[T]{}
}

func (s *MsgPackSerializer[T]) Serialize(from T) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(from); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize 整数统一解码为 int64 / uint64
func (s *MsgPackSerializer[T]) Deserialize(to []byte) (T, error) {
	var result T
	dec := msgpack.NewDecoder(bytes.NewReader(to))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(&result)
	return result, err
}

// Base64Serializer 将字节序列化结果编码为 base64 文本
type Base64Serializer[T any] struct {
	inner Serializer[T, []byte]
}

func NewBase64Serializer[T any](inner Serializer[T, []byte]) *Base64Serializer[T] {
	return &Base64Serializer[T]{inner: inner}
}

func (s *Base64Serializer[T]) Serialize(from T) (string, error) {
	buf, err := s.inner.Serialize(from)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (s *Base64Serializer[T]) Deserialize(to string) (T, error) {
	var zero T
	buf, err := base64.StdEncoding.DecodeString(to)
	if err != nil {
		return zero, errors.Wrap(err, "base64 decode failed")
	}
	return s.inner.Deserialize(buf)
}
