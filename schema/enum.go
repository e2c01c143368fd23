package schema

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/locale"
)

// EnumField 枚举字段，值可以是 | 分隔的多个枚举值
type EnumField struct {
	*Field
	desc    any
	keys    []string
	labels  map[string]string
	dynamic bool
}

func newEnumField(f *Field, desc any) *EnumField {
	e := &EnumField{Field: f, desc: desc, labels: map[string]string{}, dynamic: f.props.Has("x-dynamic-values")}
	if keys, values, ok := entries(desc); ok {
		for _, k := range keys {
			e.keys = append(e.keys, k)
			e.labels[k] = fmt.Sprint(values[k])
		}
		return e
	}
	for _, v := range toStrings(desc) {
		e.keys = append(e.keys, v)
		e.labels[v] = v
	}
	return e
}

// Values 声明的枚举值，按声明顺序
func (e *EnumField) Values() []string { return e.keys }

// Dynamic 枚举值是否在运行时提供
func (e *EnumField) Dynamic() bool { return e.dynamic }

// Label 将枚举值映射为标签，多个值用 sep 连接
func (e *EnumField) Label(value any, sep string, loc locale.Locale) (string, error) {
	labels, err := e.Labels(value, loc)
	if err != nil {
		return "", err
	}
	return strings.Join(labels, sep), nil
}

// Labels 将 | 分隔的枚举值逐个映射为标签，忽略空值
func (e *EnumField) Labels(value any, loc locale.Locale) ([]string, error) {
	raw := Unwrap(value)
	if raw == nil {
		return nil, nil
	}
	s := fmt.Sprint(raw)
	tokens := []string{s}
	if strings.Contains(s, "|") {
		tokens = tokens[:0]
		for _, t := range strings.Split(s, "|") {
			if t != "" {
				tokens = append(tokens, t)
			}
		}
	}

	labels := make([]string, 0, len(tokens))
	for _, token := range tokens {
		label, err := e.label(token, loc)
		if err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, nil
}

func (e *EnumField) label(token string, loc locale.Locale) (string, error) {
	def := e.labels[token]
	if loc == nil {
		if def == "" {
			return token, nil
		}
		return def, nil
	}
	label, err := loc.Enum(e.name, token, def)
	if err != nil {
		return "", errors.WithMessagef(err, "map enum of field [%s]", e.name)
	}
	return label, nil
}

// EnumValue 枚举字段的输出形式
type EnumValue struct {
	Value   any    `json:"value" msgpack:"value"`
	HTML    string `json:"html" msgpack:"html"`
	Email   string `json:"email,omitempty" msgpack:"email,omitempty"`
	Cls     string `json:"cls,omitempty" msgpack:"cls,omitempty"`
	PropDef string `json:"propDef,omitempty" msgpack:"propDef,omitempty"`
}

// Unwrap 取出 {value: ...} 形式的值
func Unwrap(v any) any {
	switch val := v.(type) {
	case *EnumValue:
		if val == nil {
			return nil
		}
		return val.Value
	case EnumValue:
		return val.Value
	case map[string]any:
		if inner, ok := val["value"]; ok {
			return inner
		}
	case Props:
		if inner, ok := val["value"]; ok {
			return inner
		}
	}
	return v
}
