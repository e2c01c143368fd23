// Package model 模型、实例、视图以及后端和装饰器协议
package model

import (
	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/schema"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownField   = errors.New("unknown field")
	ErrTenantMismatch = errors.New("tenant mismatch")
)

// 默认视图名
const (
	ViewDefault = "default"
	ViewRecord  = "record"
)

// Record 一条记录
type Record = map[string]any

// Query 查询条件，键为字段名，值为字段值、{value} 或 {op, value}
type Query = map[string]any

// Options 单次操作的选项
type Options struct {
	View       string
	Limit      int
	Skip       int
	OrderBy    []string
	WithMeta   bool
	WithLocale bool
	// 非空时必须与实例的租户一致
	ClientID   string
	Collection string
	Upsert     bool
	// 默认值模板中的变量
	Variables map[string]any
	// 编码字段后端的载体对象
	Data Record
}

// ViewName 选项中的视图名，未指定时使用 def
func (o *Options) ViewName(def string) string {
	if o != nil && o.View != "" {
		return o.View
	}
	return def
}

// Metadata 视图的元数据快照
type Metadata struct {
	View   string                  `json:"view"`
	Schema string                  `json:"schema"`
	Names  []string                `json:"names"`
	Fields map[string]schema.Props `json:"fields"`
}

func (m *Metadata) clone() *Metadata {
	c := &Metadata{View: m.View, Schema: m.Schema, Names: append([]string(nil), m.Names...), Fields: make(map[string]schema.Props, len(m.Fields))}
	for k, v := range m.Fields {
		c.Fields[k] = v.Clone()
	}
	return c
}

type Result struct {
	Data     Record        `json:"data"`
	Metadata *Metadata     `json:"metadata,omitempty"`
	Locale   locale.Locale `json:"-"`
}

type ListResult struct {
	Data     []Record      `json:"data"`
	Pages    *Pages        `json:"pages,omitempty"`
	Metadata *Metadata     `json:"metadata,omitempty"`
	Locale   locale.Locale `json:"-"`
}

// Pages 分页信息，总数大于 0 时设置
type Pages struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

// NewResult 根据选项附加元数据和语言
func NewResult(view *View, data Record, opts *Options) *Result {
	res := &Result{Data: data}
	if opts != nil && opts.WithMeta {
		res.Metadata = view.Metadata()
	}
	if opts != nil && opts.WithLocale {
		res.Locale = view.Locale()
	}
	return res
}

// NewListResult 根据选项附加分页、元数据和语言
func NewListResult(view *View, data []Record, total int64, opts *Options) *ListResult {
	if data == nil {
		data = []Record{}
	}
	res := &ListResult{Data: data}
	if total > 0 {
		res.Pages = &Pages{Total: total}
		if opts != nil {
			res.Pages.Offset = opts.Skip
			res.Pages.Limit = opts.Limit
		}
	}
	if opts != nil && opts.WithMeta {
		res.Metadata = view.Metadata()
	}
	if opts != nil && opts.WithLocale {
		res.Locale = view.Locale()
	}
	return res
}

// EmptyResult 由字段默认值组成的空记录，%var% 模板使用 opts.Variables 展开
func EmptyResult(view *View, opts *Options) (*Result, error) {
	var vars map[string]any
	if opts != nil {
		vars = opts.Variables
	}
	rec := Record{}
	for _, f := range view.Fields() {
		v := f.Default(vars)
		if v == nil || v == "" {
			v = f.Zero()
		}
		rec[f.Alias()] = v
	}
	if err := view.Format(rec); err != nil {
		return nil, err
	}
	return NewResult(view, rec, opts), nil
}
