package cfg

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// 支持的配置格式
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatINI  = "ini"
)

// FormatOf 根据文件扩展名推断配置格式
func FormatOf(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	case ".ini", ".cfg", ".conf":
		return FormatINI
	default:
		return FormatJSON
	}
}

// Decode 将原始数据解码为 map/slice 组成的通用树
func Decode(data []byte, format string) (any, error) {
	switch format {
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "yaml.Unmarshal failed")
		}
		return normalize(v), nil
	case FormatTOML:
		var v map[string]any
		if err := toml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "toml.Unmarshal failed")
		}
		return normalize(v), nil
	case FormatINI:
		return decodeINI(data)
	case FormatJSON, "":
		var v any
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&v); err != nil {
			return nil, errors.Wrap(err, "json.Decode failed")
		}
		return normalize(v), nil
	}
	return nil, errors.Errorf("unsupported format [%s]", format)
}

// ReadFile 读取并解码配置文件
func ReadFile(filename string) (any, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read file [%s] failed", filename)
	}
	tree, err := Decode(data, FormatOf(filename))
	if err != nil {
		return nil, errors.WithMessagef(err, "decode file [%s] failed", filename)
	}
	return tree, nil
}

// Load 读取配置文件并绑定到 object，随后填充默认值并校验
func Load(filename string, object any) error {
	tree, err := ReadFile(filename)
	if err != nil {
		return err
	}
	return Convert(tree, object)
}

func decodeINI(data []byte) (any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:         true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, errors.Wrap(err, "ini.LoadSources failed")
	}

	result := map[string]any{}
	for _, section := range file.Sections() {
		target := result
		if section.Name() != ini.DefaultSection {
			// a.b 形式的 section 映射为嵌套结构
			for _, part := range strings.Split(section.Name(), ".") {
				sub, ok := target[part].(map[string]any)
				if !ok {
					sub = map[string]any{}
					target[part] = sub
				}
				target = sub
			}
		}
		for _, key := range section.Keys() {
			target[key.Name()] = iniValue(key.String())
		}
	}
	return result, nil
}

func iniValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// normalize 将解码结果统一为 map[string]any / []any
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[toString(k)] = normalize(item)
		}
		return m
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case []map[string]any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = normalize(item)
		}
		return items
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	}
	return v
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	}
	b, _ := json.Marshal(v)
	return strings.Trim(string(b), `"`)
}
