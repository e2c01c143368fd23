package schema

import (
	"sort"

	"github.com/pkg/errors"
)

// Descriptor 模型描述
type Descriptor struct {
	Meta          Meta
	DBFieldPrefix string
	Fields        []FieldDesc
	Views         map[string]*ViewDesc
	Queries       map[string]string
	Props         Props
}

type Meta struct {
	Name        string
	Title       string
	Table       string
	Collection  string
	ID          string
	URI         string
	Description string
}

type FieldDesc struct {
	Name  string
	Props Props
}

// ViewDesc 视图描述
// 字段来源的优先级：FieldsFunc、FieldList、Fields（逗号分隔，空或 * 表示全部字段）
type ViewDesc struct {
	Fields        string
	FieldList     []FieldDesc
	FieldsFunc    func() []FieldDesc
	OtherFields   []FieldDesc
	DBFieldPrefix string
	// nil 表示视图的所有字段都可以作为过滤条件
	Where   []WhereDesc
	Format  []FormatDesc
	Queries map[string]string
}

// WhereDesc 可过滤字段，Template 非空时为字面模板，$value / $val 替换为值
type WhereDesc struct {
	Name     string
	Template string
	Enabled  bool
}

// FormatDesc 字段的格式化器，按声明的逆序执行
type FormatDesc struct {
	Field string
	Names []string
}

// 约定的主键字段名
var conventionalIDs = []string{"_id", "id", "_oid", "ID"}

// ParseDescriptor 从 map 或有序对象组成的树解析描述
func ParseDescriptor(tree any) (*Descriptor, error) {
	_, root, ok := entries(tree)
	if !ok {
		return nil, errors.Errorf("descriptor must be an object, got %T", tree)
	}
	props := Props(root)

	meta := props.Map("meta")
	if meta == nil {
		meta = props
	}
	desc := &Descriptor{
		Meta: Meta{
			Name:        meta.String("name"),
			Title:       meta.String("title"),
			Table:       meta.String("table"),
			Collection:  meta.String("collection"),
			ID:          meta.String("id"),
			URI:         meta.String("uri"),
			Description: meta.String("description"),
		},
		DBFieldPrefix: props.String("dbFieldPrefix"),
		Views:         map[string]*ViewDesc{},
		Queries:       toStringMap(props["queries"]),
		Props:         Props(Plain(root).(map[string]any)),
	}
	if desc.DBFieldPrefix == "" {
		desc.DBFieldPrefix = meta.String("dbFieldPrefix")
	}

	fieldsTree := props["fields"]
	if fieldsTree == nil {
		fieldsTree = props["properties"]
	}
	fields, err := parseFields(fieldsTree)
	if err != nil {
		return nil, errors.WithMessage(err, "parse fields failed")
	}
	if _, isMap := fieldsTree.(*OrderedMap); !isMap {
		fields = idFirst(fields, desc.Meta.ID)
	}
	desc.Fields = fields

	viewKeys, views, _ := entries(props["views"])
	for _, name := range viewKeys {
		view, err := parseView(views[name])
		if err != nil {
			return nil, errors.WithMessagef(err, "parse view [%s] failed", name)
		}
		desc.Views[name] = view
	}
	return desc, nil
}

func parseFields(tree any) ([]FieldDesc, error) {
	if tree == nil {
		return nil, nil
	}
	keys, values, ok := entries(tree)
	if !ok {
		return nil, errors.Errorf("fields must be an object, got %T", tree)
	}
	fields := make([]FieldDesc, 0, len(keys))
	for _, name := range keys {
		fkeys, fvalues, ok := entries(values[name])
		if !ok {
			if values[name] != nil {
				return nil, errors.Errorf("field [%s] must be an object, got %T", name, values[name])
			}
		}
		props := Props{}
		for _, k := range fkeys {
			props[k] = fvalues[k]
		}
		fields = append(fields, FieldDesc{Name: name, Props: props})
	}
	return fields, nil
}

// idFirst 无序来源的字段按字典序排列，主键排在最前
func idFirst(fields []FieldDesc, id string) []FieldDesc {
	candidates := conventionalIDs
	if id != "" {
		candidates = []string{id}
	}
	for _, c := range candidates {
		for i, f := range fields {
			if f.Name == c {
				out := append([]FieldDesc{f}, fields[:i]...)
				return append(out, fields[i+1:]...)
			}
		}
	}
	return fields
}

func parseView(tree any) (*ViewDesc, error) {
	_, values, ok := entries(tree)
	if !ok {
		return nil, errors.Errorf("view must be an object, got %T", tree)
	}
	props := Props(values)
	view := &ViewDesc{
		DBFieldPrefix: props.String("dbFieldPrefix"),
		Queries:       toStringMap(props["queries"]),
	}

	switch fields := props["fields"].(type) {
	case nil:
	case string:
		view.Fields = fields
	default:
		list, err := parseFields(fields)
		if err != nil {
			return nil, err
		}
		view.FieldList = list
	}

	other := props["otherFields"]
	if other == nil {
		other = props["other-fields"]
	}
	list, err := parseFields(other)
	if err != nil {
		return nil, errors.WithMessage(err, "otherFields")
	}
	view.OtherFields = list

	if where, ok := props["where"]; ok && where != nil {
		keys, values, ok := entries(where)
		if !ok {
			return nil, errors.Errorf("where must be an object, got %T", where)
		}
		view.Where = []WhereDesc{}
		for _, k := range keys {
			w := WhereDesc{Name: k}
			switch v := values[k].(type) {
			case string:
				w.Template = v
				w.Enabled = v != ""
			default:
				w.Enabled = Props{"v": v}.Bool("v")
			}
			view.Where = append(view.Where, w)
		}
	}

	if format := props["format"]; format != nil {
		keys, values, ok := entries(format)
		if !ok {
			return nil, errors.Errorf("format must be an object, got %T", format)
		}
		for _, k := range keys {
			if names := toStrings(values[k]); len(names) > 0 {
				view.Format = append(view.Format, FormatDesc{Field: k, Names: names})
			}
		}
	}
	return view, nil
}

func toStringMap(tree any) map[string]string {
	keys, values, ok := entries(tree)
	if !ok {
		return nil
	}
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k] = Props(values).String(k)
	}
	return m
}

// FieldNames 字段名列表
func FieldNames(fields []FieldDesc) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// sortedKeys 返回 map 的有序键
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
