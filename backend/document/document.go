// Package document 文档型后端（mongo、es、kv、编码字段）共用的条件编译、排序、记录编解码
package document

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/query"
	"github.com/hatlonely/modeldb/schema"
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// MapOp 将 SQL 风格的运算符映射为文档存储的运算符
func MapOp(op string) string {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "", "=", "==", "EQ":
		return "=="
	case "!=", "<>", "NEQ":
		return "!="
	case "IN":
		return "in"
	case "NIN", "NOT IN":
		return "nin"
	}
	return strings.TrimSpace(op)
}

// Where 字段条件，绑定值后生成 query.Query
type Where struct {
	Column string
	Op     string
	Field  *schema.Field
}

func NewWhere(column, op string, f *schema.Field) *Where {
	return &Where{Column: column, Op: MapOp(op), Field: f}
}

func (w *Where) Bind(c model.Condition) (any, error) {
	op := w.Op
	if c.Op != "" {
		op = MapOp(c.Op)
	}
	value, err := coerceCondition(c.Value, w.Field)
	if err != nil {
		return nil, errors.WithMessagef(err, "where of column %s", w.Column)
	}
	return query.Build(w.Column, op, value)
}

func coerceCondition(v any, f *schema.Field) (any, error) {
	if values, ok := v.([]any); ok {
		out := make([]any, len(values))
		for i, x := range values {
			c, err := Coerce(x, f)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	if values, ok := v.([]string); ok {
		out := make([]any, len(values))
		for i, x := range values {
			c, err := Coerce(x, f)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return Coerce(v, f)
}

var templateRegex = regexp.MustCompile(`^\s*([A-Za-z0-9_.\-]+)\s*(==|=|!=|<>|<=|>=|<|>|(?i:not in|nin|in))\s*(.+?)\s*$`)

// Template 视图中声明的字面条件，形如 "status != 'D'" 或 "priority >= $value"
type Template struct {
	column string
	op     string
	value  string
	field  *schema.Field
	err    error
}

// NewTemplate 解析字面条件，无法解析时在绑定时返回错误
func NewTemplate(template string, f *schema.Field) *Template {
	m := templateRegex.FindStringSubmatch(template)
	if m == nil {
		return &Template{err: errors.Errorf("unsupported where template [%s]", template)}
	}
	return &Template{column: m[1], op: MapOp(m[2]), value: m[3], field: f}
}

var (
	valueRegex = regexp.MustCompile(`\$val(ue)?`)
	nowRegex   = regexp.MustCompile(`(?i)^now(\s*\(\s*\))?$`)
)

func (t *Template) Bind(c model.Condition) (any, error) {
	if t.err != nil {
		return nil, t.err
	}
	v := schema.Unwrap(c.Value)
	var value any
	if valueRegex.MatchString(t.value) && valueRegex.ReplaceAllString(t.value, "") == "" {
		value = v
	} else {
		s := ""
		if v != nil {
			s = fmt.Sprint(v)
		}
		value = trimQuotes(valueRegex.ReplaceAllLiteralString(t.value, s))
	}
	value, err := coerceCondition(value, t.field)
	if err != nil {
		return nil, err
	}
	return query.Build(t.column, t.op, value)
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' && s[len(s)-1] == '\'' || s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Filter 将查询中可过滤的字段合并为一个条件，没有条件时返回空的 BoolQuery
func Filter(view *model.View, q model.Query) (query.Query, error) {
	clauses, err := view.Where(q, false)
	if err != nil {
		return nil, err
	}
	queries := make([]query.Query, 0, len(clauses))
	for _, c := range clauses {
		qq, ok := c.(query.Query)
		if !ok {
			return nil, errors.Errorf("where clause %T of view %s is not a document query", c, view.Name())
		}
		queries = append(queries, qq)
	}
	return query.And(queries...), nil
}

// SortKey 排序字段
type SortKey struct {
	Column string
	Desc   bool
}

// Sort 解析 "field [asc|desc]"，字段必须属于视图
func Sort(view *model.View, entries []string) ([]SortKey, error) {
	var keys []SortKey
	for _, entry := range entries {
		parts := strings.Fields(entry)
		if len(parts) == 0 {
			continue
		}
		f := view.Field(parts[0])
		if f == nil {
			f = view.FieldByAlias(parts[0])
		}
		if f == nil {
			return nil, errors.Wrapf(model.ErrUnknownField, "unknown order field %s in view %s", parts[0], view.Name())
		}
		key := SortKey{Column: Column(view, f)}
		if len(parts) > 1 {
			switch strings.ToLower(parts[1]) {
			case "asc":
			case "desc":
				key.Desc = true
			default:
				return nil, errors.Errorf("unknown order direction [%s] of field %s", parts[1], parts[0])
			}
		}
		if len(parts) > 2 {
			return nil, errors.Errorf("invalid order entry [%s]", entry)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Column 字段在文档中的键，不含表别名
func Column(view *model.View, f *schema.Field) string {
	if view.FieldPrefix() == "" {
		return f.DBName()
	}
	return f.DBNameWithPrefix(view.FieldPrefix())
}

// Collection 操作的集合名，租户不为空时加租户前缀
func Collection(inst *model.Instance, opts *model.Options) string {
	name := inst.Collection()
	if opts != nil && opts.Collection != "" {
		name = opts.Collection
	}
	if inst.Tenant() != "" {
		return inst.Tenant() + "_" + name
	}
	return name
}

func lookup(doc model.Record, f *schema.Field) (any, bool) {
	if v, ok := doc[f.Name()]; ok {
		return v, true
	}
	v, ok := doc[f.Alias()]
	return v, ok
}

// Encode 按视图字段生成存储文档，insert 为 true 时缺失的字段使用默认值
func Encode(view *model.View, doc model.Record, vars map[string]any, insert bool) (map[string]any, error) {
	out := make(map[string]any, len(view.Fields()))
	for _, f := range view.Fields() {
		v, ok := lookup(doc, f)
		if !ok {
			if !insert || f.AutoID() {
				continue
			}
			v = f.Default(vars)
			if v == nil {
				continue
			}
		}
		c, err := Coerce(v, f)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", f.Name())
		}
		out[Column(view, f)] = c
	}
	return out, nil
}

// Decode 将存储文档转换为视图记录并格式化，<col>__<sub> 形式的附加列一并带出
func Decode(view *model.View, raw map[string]any) (model.Record, error) {
	rec := make(model.Record, len(view.Fields()))
	for _, f := range view.Fields() {
		col := Column(view, f)
		if v, ok := raw[col]; ok {
			rec[f.Alias()] = Normalize(v, f)
		}
		for k, v := range raw {
			if sub, ok := strings.CutPrefix(k, col+"__"); ok {
				rec[f.Alias()+"__"+sub] = v
			}
		}
	}
	if err := view.Format(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Coerce 将写入值转换为字段类型对应的存储值
func Coerce(v any, f *schema.Field) (any, error) {
	v = schema.Unwrap(v)
	if v == nil || f == nil {
		return v, nil
	}
	switch f.Type() {
	case schema.TypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint64:
			return int64(x), nil
		case float64:
			return int64(x), nil
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			f, err := x.Float64()
			return int64(f), err
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid integer [%s]", x)
			}
			return i, nil
		}
	case schema.TypeFloat, schema.TypeNumber, schema.TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case uint64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid number [%s]", x)
			}
			return n, nil
		}
	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid boolean [%s]", x)
			}
			return b, nil
		case int, int64, float64:
			return fmt.Sprint(x) != "0", nil
		}
	case schema.TypeDate:
		return coerceTime(v, DateLayout), nil
	case schema.TypeTimestamp:
		return coerceTime(v, TimestampLayout), nil
	case schema.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
		return fmt.Sprint(v), nil
	}
	return v, nil
}

func coerceTime(v any, layout string) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(layout)
	case string:
		s := strings.TrimSpace(x)
		switch {
		case s == "" || s == "-":
			return nil
		case nowRegex.MatchString(s):
			return time.Now().Format(layout)
		}
		for _, l := range []string{time.RFC3339Nano, TimestampLayout, DateLayout} {
			if t, err := time.Parse(l, s); err == nil {
				return t.Format(layout)
			}
		}
		return s
	}
	return v
}

// Normalize 将存储读出的值统一为字段类型对应的 Go 类型
func Normalize(v any, f *schema.Field) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil || f == nil {
		return v
	}
	switch f.Type() {
	case schema.TypeInteger, schema.TypeFloat, schema.TypeNumber, schema.TypeDouble, schema.TypeBoolean:
		if c, err := Coerce(v, f); err == nil {
			return c
		}
	case schema.TypeDate:
		return coerceTime(v, DateLayout)
	case schema.TypeTimestamp:
		return coerceTime(v, TimestampLayout)
	case schema.TypeString:
		switch v.(type) {
		case string, map[string]any, []any:
			return v
		}
		return fmt.Sprint(v)
	}
	return v
}

// Page 内存中的排序和分页，用于没有服务端查询能力的后端
func Page(docs []map[string]any, keys []SortKey, skip, limit int) []map[string]any {
	if len(keys) > 0 {
		sortDocs(docs, keys)
	}
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
