package model

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hatlonely/modeldb/schema"
)

// Condition 绑定到过滤条件的值，Op 为空时使用条件声明的运算符
type Condition struct {
	Op    string
	Value any
}

// WhereClause 视图构建时编译好的字段过滤条件
type WhereClause interface {
	Bind(c Condition) (any, error)
}

// Backend 存储后端
type Backend interface {
	// FieldWhere 编译字段过滤条件，placeholder 为值占位符
	FieldWhere(dbName, op, placeholder string, f *schema.Field) WhereClause

	GetEmpty(ctx context.Context, opts *Options, inst *Instance) (*Result, error)
	FindOne(ctx context.Context, query Query, opts *Options, inst *Instance) (*Result, error)
	Find(ctx context.Context, query Query, opts *Options, inst *Instance) (*ListResult, error)
	Count(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error)
	InsertOne(ctx context.Context, doc Record, opts *Options, inst *Instance) (any, error)
	InsertMany(ctx context.Context, docs []Record, opts *Options, inst *Instance) (int64, error)
	UpdateOne(ctx context.Context, query Query, doc Record, upsert bool, opts *Options, inst *Instance) (int64, error)
	UpdateMany(ctx context.Context, query Query, doc Record, opts *Options, inst *Instance) (int64, error)
	DeleteOne(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error)
	DeleteMany(ctx context.Context, query Query, opts *Options, inst *Instance) (int64, error)
	CreateCollection(ctx context.Context, opts *Options, inst *Instance) error
}

// TemplateWherer 后端可以自行编译视图中的字面过滤模板
type TemplateWherer interface {
	TemplateWhere(template string, f *schema.Field) WhereClause
}

var valueRegex = regexp.MustCompile(`\$val(ue)?`)

// TemplateWhere 将模板中的 $value / $val 替换为值的字符串形式
type TemplateWhere string

func (t TemplateWhere) Bind(c Condition) (any, error) {
	s := ""
	if c.Value != nil {
		s = fmt.Sprint(c.Value)
	}
	return valueRegex.ReplaceAllLiteralString(string(t), s), nil
}
