// Package schema 模型描述：字段、枚举、视图描述以及主键和集合名的推导
package schema

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoPrimaryKey = errors.New("no primary key")
	ErrNoCollection = errors.New("no collection")
	ErrUnknownType  = errors.New("unknown field type")
)

// Schema 构建后只读
type Schema struct {
	desc       *Descriptor
	name       string
	collection string
	id         string
	prefix     string
	fields     []*Field
	byName     map[string]*Field
	all        *ViewDesc
}

// New 根据描述构建 Schema，无法推导主键或集合名时返回错误
func New(desc *Descriptor) (*Schema, error) {
	s := &Schema{
		desc:   desc,
		prefix: desc.DBFieldPrefix,
		byName: map[string]*Field{},
	}

	s.name = desc.Meta.Name
	if s.name == "" {
		s.name = desc.Meta.Title
	}
	if s.name == "" {
		s.name = "Object"
	}

	for _, fd := range desc.Fields {
		props := fd.Props.Clone()
		if s.prefix != "" && props.String("dbFieldPrefix") == "" {
			props["dbFieldPrefix"] = s.prefix
		}
		f := BuildField(fd.Name, props, nil)
		if !knownTypes[f.Type()] {
			return nil, errors.Wrapf(ErrUnknownType, "type [%s] of field [%s] in schema [%s]", f.Type(), f.Name(), s.name)
		}
		if _, ok := s.byName[fd.Name]; !ok {
			s.fields = append(s.fields, f)
		}
		s.byName[fd.Name] = f
	}

	s.id = desc.Meta.ID
	if s.id == "" {
		for _, name := range conventionalIDs {
			if _, ok := s.byName[name]; ok {
				s.id = name
				break
			}
		}
	}
	if s.id == "" {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "schema [%s]", s.name)
	}

	switch {
	case desc.Meta.Table != "":
		s.collection = desc.Meta.Table
	case desc.Meta.Collection != "":
		s.collection = desc.Meta.Collection
	default:
		s.collection = desc.Meta.Name
	}
	if s.collection == "" {
		return nil, errors.Wrapf(ErrNoCollection, "schema [%s]", s.name)
	}

	s.all = &ViewDesc{Fields: "*"}
	return s, nil
}

// MustNew 构建失败时 panic，用于静态声明的模型
func MustNew(desc *Descriptor) *Schema {
	s, err := New(desc)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }

func (s *Schema) Collection() string { return s.collection }

// ID 主键字段名
func (s *Schema) ID() string { return s.id }

// Prefix 字段存储前缀
func (s *Schema) Prefix() string { return s.prefix }

func (s *Schema) Descriptor() *Descriptor { return s.desc }

func (s *Schema) URI() string {
	if s.desc.Meta.URI != "" {
		return s.desc.Meta.URI
	}
	return "/" + s.name
}

func (s *Schema) Field(name string) *Field { return s.byName[name] }

// Fields 按描述顺序返回字段
func (s *Schema) Fields() []*Field {
	return append([]*Field(nil), s.fields...)
}

func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name()
	}
	return names
}

func (s *Schema) FieldsWithTag(tag string) []*Field {
	var fields []*Field
	for _, f := range s.fields {
		if f.HasTag(tag) {
			fields = append(fields, f)
		}
	}
	return fields
}

// Metadata 各字段对外的描述
func (s *Schema) Metadata() map[string]Props {
	meta := make(map[string]Props, len(s.fields))
	for _, f := range s.fields {
		meta[f.Name()] = f.Metadata()
	}
	return meta
}

func (s *Schema) HasView(name string) bool {
	_, ok := s.desc.Views[name]
	return ok
}

func (s *Schema) ViewNames() []string {
	return sortedKeys(s.desc.Views)
}

// ViewDesc 返回视图描述，依次回退到 default 视图和包含全部字段的隐式视图
func (s *Schema) ViewDesc(name string) *ViewDesc {
	if v, ok := s.desc.Views[name]; ok && name != "" {
		return v
	}
	if v, ok := s.desc.Views["default"]; ok {
		return v
	}
	return s.all
}

// DefaultQuery 模型级别的查询模板
func (s *Schema) DefaultQuery(name string) (string, bool) {
	q, ok := s.desc.Queries[name]
	return q, ok && strings.TrimSpace(q) != ""
}

// Prop 描述中的顶层属性
func (s *Schema) Prop(key string) any { return s.desc.Props[key] }
