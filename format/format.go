// Package format 读取后的字段格式化器
package format

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/locale"
	"github.com/hatlonely/modeldb/schema"
)

// Func 格式化记录中名为 name 的字段，field 可能为 nil
type Func func(name string, rec map[string]any, field *schema.Field, loc locale.Locale) error

// Registry 格式化器注册表
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry 返回包含内置格式化器的注册表
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register("json", JSON)
	r.Register("base64", Base64)
	r.Register("enum", Enum)
	r.Register("enum_static", EnumStatic)
	r.Register("enum_with_email", EnumWithEmail)
	r.Register("enum_with_class", EnumWithClass)
	r.Register("enum_reg", EnumReg)
	r.Register("enum_email_name", EnumEmailName)
	r.Register("enum_upper_initial_html", EnumUpperInitialHTML)
	r.Register("enum_multi_fields", EnumMultiFields)
	return r
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Step 一个字段的格式化步骤
type Step struct {
	Field string
	Names []string
	funcs []Func
}

// Plan 按字段组织的格式化计划
type Plan []Step

// Compile 校验格式化器名字并生成计划，同一字段的格式化器按声明的逆序执行
func (r *Registry) Compile(descs []schema.FormatDesc) (Plan, error) {
	plan := make(Plan, 0, len(descs))
	for _, desc := range descs {
		step := Step{Field: desc.Field, Names: desc.Names}
		for i := len(desc.Names) - 1; i >= 0; i-- {
			name := strings.TrimSpace(desc.Names[i])
			fn, ok := r.Get(name)
			if !ok {
				return nil, errors.Errorf("unknown formatter [%s] for field [%s]", name, desc.Field)
			}
			step.funcs = append(step.funcs, fn)
		}
		plan = append(plan, step)
	}
	return plan, nil
}

// Apply 对记录执行格式化，lookup 返回字段描述
func (p Plan) Apply(rec map[string]any, lookup func(name string) *schema.Field, loc locale.Locale) error {
	for _, step := range p {
		field := lookup(step.Field)
		for _, fn := range step.funcs {
			if err := fn(step.Field, rec, field, loc); err != nil {
				return errors.WithMessagef(err, "format field [%s]", step.Field)
			}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []byte:
		return len(val) == 0
	}
	return false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return fmt.Sprint(v)
}

// JSON 将 JSON 字符串解析为对象
func JSON(name string, rec map[string]any, _ *schema.Field, _ locale.Locale) error {
	v := rec[name]
	if isEmpty(v) {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		if b, isBytes := v.([]byte); isBytes {
			s = string(b)
		} else {
			return nil
		}
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return errors.Wrapf(err, "json.Unmarshal field [%s] failed", name)
	}
	rec[name] = out
	return nil
}

// Base64 解码 base64 字符串
func Base64(name string, rec map[string]any, _ *schema.Field, _ locale.Locale) error {
	v := rec[name]
	if isEmpty(v) {
		return nil
	}
	buf, err := base64.StdEncoding.DecodeString(toString(v))
	if err != nil {
		return errors.Wrapf(err, "base64 decode field [%s] failed", name)
	}
	rec[name] = string(buf)
	return nil
}

func enumLabel(field *schema.Field, value any, loc locale.Locale) (string, error) {
	if field == nil || field.Enum() == nil || isEmpty(value) {
		return "", nil
	}
	return field.Enum().Label(value, ",", loc)
}

// enumFromRow 记录带有 <name>__html 列时直接使用，返回是否处理
func enumFromRow(name string, rec map[string]any) (*schema.EnumValue, bool) {
	html, ok := rec[name+"__html"]
	if !ok {
		return nil, false
	}
	delete(rec, name+"__html")
	out := &schema.EnumValue{Value: rec[name]}
	if html != nil {
		out.HTML = toString(html)
	}
	return out, true
}

// alreadyFormatted 值已经是 {value, html} 形式
func alreadyFormatted(v any) (*schema.EnumValue, bool) {
	switch val := v.(type) {
	case *schema.EnumValue:
		return val, val != nil && val.HTML != ""
	case map[string]any:
		html, ok := val["html"].(string)
		if !ok || html == "" {
			return nil, false
		}
		out := &schema.EnumValue{Value: val["value"], HTML: html}
		out.Email, _ = val["email"].(string)
		out.Cls, _ = val["cls"].(string)
		return out, !isEmpty(out.Value)
	}
	return nil, false
}

// Enum 输出 {value, html}，优先使用记录中的 <name>__html 列
func Enum(name string, rec map[string]any, field *schema.Field, loc locale.Locale) error {
	v, ok := rec[name]
	if !ok || v == nil {
		return nil
	}
	if out, ok := enumFromRow(name, rec); ok {
		rec[name] = out
		return nil
	}
	if out, ok := alreadyFormatted(v); ok {
		rec[name] = out
		return nil
	}
	value := schema.Unwrap(v)
	html, err := enumLabel(field, value, loc)
	if err != nil {
		return err
	}
	rec[name] = &schema.EnumValue{Value: value, HTML: html}
	return nil
}

// EnumStatic 只使用枚举表映射，忽略记录中的 html 列
func EnumStatic(name string, rec map[string]any, field *schema.Field, loc locale.Locale) error {
	v := rec[name]
	if isEmpty(v) {
		return nil
	}
	value := schema.Unwrap(v)
	html, err := enumLabel(field, value, loc)
	if err != nil {
		return err
	}
	rec[name] = &schema.EnumValue{Value: value, HTML: html}
	return nil
}

func enumWithExtra(name, suffix string, rec map[string]any, field *schema.Field, loc locale.Locale, set func(*schema.EnumValue, string)) error {
	v := rec[name]
	if !isEmpty(v) {
		if out, ok := enumFromRow(name, rec); ok {
			if extra, ok := rec[name+suffix]; ok {
				if extra != nil {
					set(out, toString(extra))
				}
				delete(rec, name+suffix)
			}
			rec[name] = out
			return nil
		}
	}
	if out, ok := alreadyFormatted(v); ok {
		rec[name] = out
		return nil
	}
	html, err := enumLabel(field, v, loc)
	if err != nil {
		return err
	}
	rec[name] = &schema.EnumValue{Value: v, HTML: html}
	return nil
}

// EnumWithEmail 在 enum 的基础上增加 <name>__email 列
func EnumWithEmail(name string, rec map[string]any, field *schema.Field, loc locale.Locale) error {
	return enumWithExtra(name, "__email", rec, field, loc, func(out *schema.EnumValue, s string) { out.Email = s })
}

// EnumWithClass 在 enum 的基础上增加 <name>__cls 列
func EnumWithClass(name string, rec map[string]any, field *schema.Field, loc locale.Locale) error {
	return enumWithExtra(name, "__cls", rec, field, loc, func(out *schema.EnumValue, s string) { out.Cls = s })
}

// EnumReg 使用字段的 x-enum-reg-format {reg, html} 正则改写值作为 html
func EnumReg(name string, rec map[string]any, field *schema.Field, _ locale.Locale) error {
	v := rec[name]
	html := ""
	if !isEmpty(v) {
		html = toString(v)
		if field != nil {
			format := schema.Props{"f": field.Prop("x-enum-reg-format")}.Map("f")
			if pattern := format.String("reg"); pattern != "" {
				re, err := regexp.Compile("(?m)" + pattern)
				if err != nil {
					return errors.Wrapf(err, "invalid x-enum-reg-format of field [%s]", name)
				}
				if replaced := re.ReplaceAllString(html, jsReplacement(format.String("html"))); replaced != "" {
					html = replaced
				}
			}
		}
	}
	rec[name] = &schema.EnumValue{Value: v, HTML: html}
	return nil
}

var jsGroupRegex = regexp.MustCompile(`\$(\d+)`)

// jsReplacement 将 $1 形式的分组引用转为 ${1}
func jsReplacement(s string) string {
	return jsGroupRegex.ReplaceAllString(s, "$${$1}")
}

func upperInitials(s, sep string) string {
	words := strings.Split(s, sep)
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
	}
	return strings.Join(words, " ")
}

// EnumEmailName 使用邮箱的名字部分作为 html，如 jean.dupont@x.com -> Jean Dupont
func EnumEmailName(name string, rec map[string]any, _ *schema.Field, _ locale.Locale) error {
	v := rec[name]
	html := ""
	if !isEmpty(v) {
		html = upperInitials(strings.Split(toString(v), "@")[0], ".")
	}
	rec[name] = &schema.EnumValue{Value: v, HTML: html}
	return nil
}

// EnumUpperInitialHTML 将已格式化值的 html 每个单词首字母大写
func EnumUpperInitialHTML(name string, rec map[string]any, _ *schema.Field, _ locale.Locale) error {
	out, ok := alreadyFormatted(rec[name])
	if !ok {
		return nil
	}
	out.HTML = upperInitials(out.HTML, " ")
	rec[name] = out
	return nil
}

// EnumMultiFields 将 |v1@f1|v2@f2.prop| 形式的值拆分到多个字段
func EnumMultiFields(name string, rec map[string]any, _ *schema.Field, _ locale.Locale) error {
	out, ok := alreadyFormatted(rec[name])
	if !ok || isEmpty(out.Value) {
		rec[name] = &schema.EnumValue{Value: ""}
		return nil
	}

	type group struct {
		values  []string
		propDef string
	}
	var order []string
	groups := map[string]*group{}
	for _, token := range strings.Split(toString(out.Value), "|") {
		parts := strings.Split(token, "@")
		if token == "" || len(parts) != 2 {
			continue
		}
		target := strings.Split(parts[1], ".")
		propDef := "properties"
		if len(target) == 2 {
			propDef = target[1]
		}
		g, ok := groups[target[0]]
		if !ok {
			g = &group{propDef: propDef}
			groups[target[0]] = g
			order = append(order, target[0])
		}
		g.values = append(g.values, parts[0])
	}

	delete(rec, name)
	for _, field := range order {
		g := groups[field]
		rec[field] = &schema.EnumValue{
			Value:   "|" + strings.Join(g.values, "|") + "|",
			HTML:    strings.Join(g.values, ","),
			PropDef: g.propDef,
		}
	}
	return nil
}
