package model

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/format"
	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/schema"
)

// AllWhere 视图中始终生效的过滤条件键
const AllWhere = "_all_"

// View 视图，由实例按名字惰性构建并缓存，构建后只读
type View struct {
	name     string
	inst     *Instance
	desc     *schema.ViewDesc
	prefix   string
	alias    string
	fprefix  string
	fields   []*schema.Field
	byName   map[string]*schema.Field
	byAlias  map[string]*schema.Field
	where    map[string]WhereClause
	whereRaw map[string]WhereClause
	selects  string
	inserts  []string
	updates  []string
	plan     format.Plan
	metadata *Metadata
}

func newView(name string, inst *Instance) (*View, error) {
	s := inst.Schema()
	v := &View{
		name:    name,
		inst:    inst,
		desc:    s.ViewDesc(name),
		byName:  map[string]*schema.Field{},
		byAlias: map[string]*schema.Field{},
	}

	// T1._ 表示表别名 T1 和字段前缀 _
	v.prefix = v.desc.DBFieldPrefix
	if v.prefix == "" {
		v.prefix = inst.model.prefix
	}
	if alias, fprefix, ok := strings.Cut(v.prefix, "."); ok {
		v.alias, v.fprefix = alias, fprefix
	} else {
		v.fprefix = v.prefix
	}

	if err := v.buildFields(); err != nil {
		return nil, err
	}
	if err := v.buildWhere(); err != nil {
		return nil, err
	}

	selects := make([]string, len(v.fields))
	v.inserts = make([]string, len(v.fields))
	for i, f := range v.fields {
		selects[i] = dbName(f, v.prefix) + " AS `" + f.Alias() + "`"
		v.inserts[i] = dbName(f, v.fprefix)
	}
	v.selects = strings.Join(selects, ",")
	v.updates = append([]string(nil), v.inserts...)

	if err := v.buildFormat(); err != nil {
		return nil, err
	}

	v.metadata = &Metadata{View: name, Schema: s.Name(), Fields: map[string]schema.Props{}}
	for _, f := range v.fields {
		v.metadata.Names = append(v.metadata.Names, f.Name())
		v.metadata.Fields[f.Name()] = f.Metadata()
	}
	return v, nil
}

func (v *View) unknownField(name string) error {
	return errors.Wrapf(ErrUnknownField, "unknown field %s in schema for view %s of model %s", name, v.name, v.inst.model.name)
}

func (v *View) buildFields() error {
	s := v.inst.Schema()
	loc := v.inst.loc

	others := map[string]schema.Props{}
	var otherNames []string
	for _, fd := range v.desc.OtherFields {
		if _, ok := others[fd.Name]; !ok {
			otherNames = append(otherNames, fd.Name)
		}
		others[fd.Name] = fd.Props
	}

	var names []string
	descs := map[string]schema.Props{}
	var list []schema.FieldDesc
	switch {
	case v.desc.FieldsFunc != nil:
		list = v.desc.FieldsFunc()
	case v.desc.FieldList != nil:
		list = v.desc.FieldList
	}

	if list != nil {
		for _, fd := range list {
			if _, ok := descs[fd.Name]; !ok {
				names = append(names, fd.Name)
			}
			descs[fd.Name] = fd.Props
		}
		for _, name := range otherNames {
			if _, ok := descs[name]; !ok {
				names = append(names, name)
			}
			descs[name] = others[name]
		}
	} else {
		csv := strings.TrimSpace(v.desc.Fields)
		if csv == "" || csv == "*" {
			names = s.FieldNames()
		} else {
			for _, n := range strings.Split(csv, ",") {
				if n = strings.TrimSpace(n); n != "" {
					names = append(names, n)
				}
			}
		}
		names = append(names, otherNames...)

		seen := map[string]bool{}
		unique := names[:0:0]
		for _, n := range names {
			if seen[n] {
				continue
			}
			seen[n] = true
			unique = append(unique, n)
			if props, ok := others[n]; ok {
				descs[n] = props
			} else if f := s.Field(n); f != nil {
				descs[n] = f.Props()
			} else {
				return v.unknownField(n)
			}
		}
		names = unique
	}

	for _, n := range names {
		props := descs[n].Clone()
		if v.prefix != "" && (list == nil || props.String("dbFieldPrefix") == "") {
			props["dbFieldPrefix"] = v.fprefix
		}
		f := schema.BuildField(n, props, loc)
		v.fields = append(v.fields, f)
		v.byName[n] = f
		v.byAlias[f.Alias()] = f
	}
	return nil
}

// dbName 前缀为空时使用字段自身的前缀
func dbName(f *schema.Field, prefix string) string {
	if prefix == "" {
		return f.DBName()
	}
	return f.DBNameWithPrefix(prefix)
}

func (v *View) compileWhere(f *schema.Field, prefix string) WhereClause {
	return v.inst.model.backend.FieldWhere(dbName(f, prefix), "=", "$value", f)
}

func (v *View) compileTemplate(template string, f *schema.Field) WhereClause {
	if tw, ok := v.inst.model.backend.(TemplateWherer); ok {
		return tw.TemplateWhere(template, f)
	}
	return TemplateWhere(template)
}

// buildWhere 分别生成带表别名和不带表别名的两份过滤条件
func (v *View) buildWhere() error {
	v.where = map[string]WhereClause{}
	v.whereRaw = map[string]WhereClause{}

	if v.desc.Where == nil {
		for _, f := range v.fields {
			v.where[f.Name()] = v.compileWhere(f, v.prefix)
			v.whereRaw[f.Name()] = v.compileWhere(f, v.fprefix)
		}
		return nil
	}

	for _, w := range v.desc.Where {
		f := v.byName[w.Name]
		if f == nil {
			if sf := v.inst.Schema().Field(w.Name); sf != nil {
				f = sf.WithPrefix(v.fprefix, v.inst.loc)
			}
		}
		switch {
		case w.Template != "":
			v.where[w.Name] = v.compileTemplate(w.Template, f)
			v.whereRaw[w.Name] = v.where[w.Name]
		case !w.Enabled:
		case f == nil:
			return errors.Wrapf(ErrUnknownField, "unknown field %s in where of view %s of model %s", w.Name, v.name, v.inst.model.name)
		default:
			v.where[w.Name] = v.compileWhere(f, v.prefix)
			v.whereRaw[w.Name] = v.compileWhere(f, v.fprefix)
		}
	}
	return nil
}

// buildFormat 显式声明的格式化器，以及没有声明格式化器的枚举字段隐含的 enum
func (v *View) buildFormat() error {
	descs := append([]schema.FormatDesc(nil), v.desc.Format...)
	declared := map[string]bool{}
	for _, d := range descs {
		declared[d.Field] = true
	}
	for _, f := range v.fields {
		if f.IsEnum() && !declared[f.Alias()] && !declared[f.Name()] {
			descs = append(descs, schema.FormatDesc{Field: f.Alias(), Names: []string{"enum"}})
		}
	}
	plan, err := v.inst.model.registry.formats.Compile(descs)
	if err != nil {
		return errors.WithMessagef(err, "view %s of model %s", v.name, v.inst.model.name)
	}
	v.plan = plan
	return nil
}

func (v *View) Name() string { return v.name }

func (v *View) Instance() *Instance { return v.inst }

func (v *View) Schema() *schema.Schema { return v.inst.Schema() }

func (v *View) Locale() locale.Locale { return v.inst.loc }

// Prefix 完整前缀，可能包含表别名
func (v *View) Prefix() string { return v.prefix }

// Alias 表别名，没有时为空
func (v *View) Alias() string { return v.alias }

// FieldPrefix 不含表别名的字段前缀
func (v *View) FieldPrefix() string { return v.fprefix }

// Fields 视图字段，按声明顺序
func (v *View) Fields() []*schema.Field { return v.fields }

func (v *View) Field(name string) *schema.Field { return v.byName[name] }

// FieldByAlias 根据输出名查找字段
func (v *View) FieldByAlias(alias string) *schema.Field { return v.byAlias[alias] }

func (v *View) FieldNames() []string {
	return append([]string(nil), v.metadata.Names...)
}

// SelectList 查询列，形如 col AS `alias`
func (v *View) SelectList() string { return v.selects }

// InsertList 插入列，不含表别名
func (v *View) InsertList() []string { return v.inserts }

// UpdateList 更新列，不含表别名
func (v *View) UpdateList() []string { return v.updates }

// Query 查询模板，依次查找视图和模型的定义
func (v *View) Query(name string) (string, bool) {
	if q, ok := v.desc.Queries[name]; ok && strings.TrimSpace(q) != "" {
		return q, true
	}
	return v.inst.Schema().DefaultQuery(name)
}

// Metadata 元数据副本
func (v *View) Metadata() *Metadata { return v.metadata.clone() }

// Format 对读取的记录执行格式化，失败时记录日志并返回错误
func (v *View) Format(rec Record) error {
	if err := v.plan.Apply(rec, v.formatField, v.inst.loc); err != nil {
		v.inst.Logger().Error("format record failed", "model", v.inst.model.name, "view", v.name, "error", err.Error())
		return err
	}
	return nil
}

func (v *View) formatField(name string) *schema.Field {
	if f := v.byAlias[name]; f != nil {
		return f
	}
	if f := v.byName[name]; f != nil {
		return f
	}
	return v.inst.Schema().Field(name)
}

// Filterable 字段是否可以作为过滤条件
func (v *View) Filterable(name string) bool {
	_, ok := v.where[name]
	return ok
}

// FieldWhere 将值绑定到字段的过滤条件，ok 为 false 表示该视图不能按该字段过滤
// 值可以是 {value} 或 {op, value} 形式
func (v *View) FieldWhere(name string, value any, withAlias bool) (any, bool, error) {
	where := v.whereRaw
	if withAlias {
		where = v.where
	}
	clause, ok := where[name]
	if !ok {
		return nil, false, nil
	}
	out, err := clause.Bind(ToCondition(value))
	if err != nil {
		return nil, true, errors.WithMessagef(err, "bind where of field [%s] in view [%s]", name, v.name)
	}
	return out, true, nil
}

// Where 绑定查询中所有可过滤的字段，始终生效的 _all_ 条件排在最前，其余按字段名排序
func (v *View) Where(query Query, withAlias bool) ([]any, error) {
	var clauses []any
	if c, ok, err := v.FieldWhere(AllWhere, nil, withAlias); err != nil {
		return nil, err
	} else if ok {
		clauses = append(clauses, c)
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		if k != AllWhere {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, ok, err := v.FieldWhere(k, query[k], withAlias)
		if err != nil {
			return nil, err
		}
		if ok {
			clauses = append(clauses, c)
		}
	}
	return clauses, nil
}

// ToCondition 解析 {op, value} / {value} 形式的值
func ToCondition(value any) Condition {
	if m, ok := value.(map[string]any); ok {
		if op, ok := m["op"].(string); ok {
			return Condition{Op: op, Value: schema.Unwrap(m)}
		}
	}
	return Condition{Value: schema.Unwrap(value)}
}
