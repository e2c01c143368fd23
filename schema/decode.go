package schema

import (
	"bytes"
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hatlonely/modeldb/cfg"
)

// LoadDescriptor 从文件读取描述，yaml / json 保留字段的文档顺序
func LoadDescriptor(filename string) (*Descriptor, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read descriptor [%s] failed", filename)
	}
	desc, err := DecodeDescriptor(data, cfg.FormatOf(filename))
	if err != nil {
		return nil, errors.WithMessagef(err, "decode descriptor [%s] failed", filename)
	}
	return desc, nil
}

// DecodeDescriptor 按格式解码描述
func DecodeDescriptor(data []byte, format string) (*Descriptor, error) {
	var tree any
	var err error
	switch format {
	case cfg.FormatYAML:
		tree, err = decodeYAML(data)
	case cfg.FormatJSON, "":
		tree, err = decodeJSON(data)
	default:
		tree, err = cfg.Decode(data, format)
	}
	if err != nil {
		return nil, err
	}
	return ParseDescriptor(tree)
}

func decodeYAML(data []byte) (any, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, errors.Wrap(err, "yaml.Unmarshal failed")
	}
	return fromYAMLNode(&node)
}

func fromYAMLNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return fromYAMLNode(node.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(node.Alias)
	case yaml.MappingNode:
		m := &OrderedMap{Values: map[string]any{}}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			value, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			if _, ok := m.Values[key]; !ok {
				m.Keys = append(m.Keys, key)
			}
			m.Values[key] = value
		}
		return m, nil
	case yaml.SequenceNode:
		l := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := fromYAMLNode(item)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, errors.Wrapf(err, "decode yaml value at line %d failed", node.Line)
	}
	return v, nil
}

func decodeJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	v, err := decodeJSONValue(decoder)
	if err != nil {
		return nil, errors.Wrap(err, "decode json failed")
	}
	return v, nil
}

func decodeJSONValue(decoder *json.Decoder) (any, error) {
	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}
	switch t := token.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := &OrderedMap{Values: map[string]any{}}
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyToken.(string)
				if !ok {
					return nil, errors.Errorf("unexpected key %v", keyToken)
				}
				value, err := decodeJSONValue(decoder)
				if err != nil {
					return nil, err
				}
				if _, ok := m.Values[key]; !ok {
					m.Keys = append(m.Keys, key)
				}
				m.Values[key] = value
			}
			if _, err := decoder.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			l := []any{}
			for decoder.More() {
				v, err := decodeJSONValue(decoder)
				if err != nil {
					return nil, err
				}
				l = append(l, v)
			}
			if _, err := decoder.Token(); err != nil {
				return nil, err
			}
			return l, nil
		}
		return nil, errors.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case nil:
		return nil, nil
	default:
		return t, nil
	}
}

