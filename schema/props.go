package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Props 描述文件中的原始属性
type Props map[string]any

func (p Props) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Props) Get(key string) any {
	return p[key]
}

func (p Props) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (p Props) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case int, int64, float64:
		return fmt.Sprint(v) != "0"
	}
	return false
}

func (p Props) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(v))
		return i
	case fmt.Stringer:
		i, _ := strconv.Atoi(v.String())
		return i
	}
	return 0
}

// Map 取子对象，支持有序对象
func (p Props) Map(key string) Props {
	keys, values, ok := entries(p[key])
	if !ok {
		return nil
	}
	m := make(Props, len(keys))
	for _, k := range keys {
		m[k] = values[k]
	}
	return m
}

// Strings 取字符串列表，支持列表或逗号分隔字符串
func (p Props) Strings(key string) []string {
	return toStrings(p[key])
}

func (p Props) Clone() Props {
	c := make(Props, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func toStrings(v any) []string {
	var out []string
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		return val
	case []any:
		for _, s := range val {
			out = append(out, fmt.Sprint(s))
		}
	}
	return out
}

// OrderedMap 保留键顺序的对象，yaml / json 描述文件解码得到
type OrderedMap struct {
	Keys   []string
	Values map[string]any
}

// entries 返回对象的键（有序对象按文档顺序，普通 map 按字典序）和值
func entries(v any) ([]string, map[string]any, bool) {
	switch m := v.(type) {
	case *OrderedMap:
		return m.Keys, m.Values, true
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, m, true
	case Props:
		return entries(map[string]any(m))
	}
	return nil, nil, false
}

// Plain 将有序对象递归转换为普通 map
func Plain(v any) any {
	switch val := v.(type) {
	case *OrderedMap:
		m := make(map[string]any, len(val.Keys))
		for _, k := range val.Keys {
			m[k] = Plain(val.Values[k])
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = Plain(item)
		}
		return m
	case []any:
		l := make([]any, len(val))
		for i, item := range val {
			l[i] = Plain(item)
		}
		return l
	}
	return v
}
