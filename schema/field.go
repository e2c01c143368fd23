package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hatlonely/modeldb/locale"
)

// 字段存储类型
const (
	TypeString    = "string"
	TypeInteger   = "integer"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeTimestamp = "timestamp"
	TypeFloat     = "float"
	TypeNumber    = "number"
	TypeDouble    = "double"
)

var knownTypes = map[string]bool{
	TypeString:    true,
	TypeInteger:   true,
	TypeBoolean:   true,
	TypeDate:      true,
	TypeTimestamp: true,
	TypeFloat:     true,
	TypeNumber:    true,
	TypeDouble:    true,
}

// 不出现在元数据中的存储相关属性
var storageProps = []string{"sqlName", "dbName", "dbFieldPrefix"}

// Field 字段描述，构建后不可修改
type Field struct {
	name  string
	raw   Props
	props Props
	label string
	enum  *EnumField
}

// BuildField 根据描述构造字段，带 enum / enumValues / x-dynamic-values 属性时为枚举字段
func BuildField(name string, props Props, loc locale.Locale) *Field {
	f := &Field{name: name, raw: props.Clone(), props: Props{}}
	var enumDesc any
	for k, v := range props {
		if k == "enum" || k == "enumValues" {
			if enumDesc == nil || k == "enum" {
				enumDesc = v
			}
		}
		f.props[k] = Plain(v)
	}

	f.label = f.props.String("label")
	if loc != nil {
		if label, ok := loc.Field(name); ok && f.label == "" {
			f.label = label
		}
	}
	if f.label == "" {
		f.label = capitalize(strings.ReplaceAll(name, "_", " "))
	}

	if f.props.Has("enum") || f.props.Has("enumValues") || f.props.Has("x-dynamic-values") {
		f.enum = newEnumField(f, enumDesc)
	}
	return f
}

// WithPrefix 以新的字段前缀和语言重建字段
func (f *Field) WithPrefix(prefix string, loc locale.Locale) *Field {
	props := f.raw.Clone()
	if prefix != "" {
		props["dbFieldPrefix"] = prefix
	}
	return BuildField(f.name, props, loc)
}

func (f *Field) Name() string { return f.name }

// Type 存储类型，默认 string
func (f *Field) Type() string {
	t := strings.ToLower(f.props.String("type"))
	if t == "" {
		return TypeString
	}
	return t
}

func (f *Field) Required() bool { return f.props.Bool("required") }

// Nullable 返回是否可为空以及描述中是否显式声明
func (f *Field) Nullable() (bool, bool) {
	return f.props.Bool("nullable"), f.props.Has("nullable")
}

func (f *Field) AutoID() bool { return f.props.Bool("x-auto-id") }

func (f *Field) MaxLength() int { return f.props.Int("maxLength") }

func (f *Field) Size() int { return f.props.Int("size") }

func (f *Field) Label() string { return f.label }

func (f *Field) Alias() string {
	if alias := f.props.String("alias"); alias != "" {
		return alias
	}
	return f.name
}

func (f *Field) Tags() []string { return f.props.Strings("x-tags") }

func (f *Field) HasTag(tag string) bool {
	for _, t := range f.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Prefix 字段自身的存储前缀
func (f *Field) Prefix() string { return f.props.String("dbFieldPrefix") }

// DBName 存储名，显式 dbName / sqlName 优先，否则为前缀加字段名
func (f *Field) DBName() string {
	return f.DBNameWithPrefix(f.Prefix())
}

// DBNameWithPrefix 使用指定前缀计算存储名
func (f *Field) DBNameWithPrefix(prefix string) string {
	if name := f.props.String("dbName"); name != "" {
		return name
	}
	if name := f.props.String("sqlName"); name != "" {
		return name
	}
	return prefix + f.name
}

// Prop 原始属性
func (f *Field) Prop(key string) any { return f.props[key] }

// Props 构建字段时的原始描述，可用于派生新字段
func (f *Field) Props() Props { return f.raw.Clone() }

// Metadata 对外暴露的字段描述，不包含存储相关属性
func (f *Field) Metadata() Props {
	meta := f.props.Clone()
	for _, k := range storageProps {
		delete(meta, k)
	}
	meta["label"] = f.label
	return meta
}

// IsEnum 是否为枚举字段
func (f *Field) IsEnum() bool { return f.enum != nil }

// Enum 枚举字段，非枚举字段返回 nil
func (f *Field) Enum() *EnumField { return f.enum }

var (
	varRegex      = regexp.MustCompile(`%([A-Za-z0-9_.\-]+)%`)
	wholeVarRegex = regexp.MustCompile(`^%([A-Za-z0-9_.\-]+)%$`)
)

// Default 默认值，字符串中的 %var% 用 vars 替换
// 整个默认值只是一个变量时返回变量的原始值
func (f *Field) Default(vars map[string]any) any {
	raw := f.props["default"]
	s, ok := raw.(string)
	if !ok || !strings.Contains(s, "%") {
		return raw
	}
	if m := wholeVarRegex.FindStringSubmatch(s); m != nil {
		return vars[m[1]]
	}
	return varRegex.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := vars[m[1:len(m)-1]]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// HasTemplateDefault 默认值是否为 %var% 模板
func (f *Field) HasTemplateDefault() bool {
	s, ok := f.props["default"].(string)
	return ok && varRegex.MatchString(s)
}

// Zero 字段类型的零值
func (f *Field) Zero() any {
	switch f.Type() {
	case TypeInteger:
		return int64(0)
	case TypeFloat, TypeNumber, TypeDouble:
		return float64(0)
	case TypeBoolean:
		return false
	}
	return ""
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
