// Package locale 提供字段标签、枚举标签和文案的多语言查找
package locale

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/cfg"
)

// Locale 单一语言的查找接口
type Locale interface {
	Lang() string
	// Field 字段标签，未配置时 ok 为 false
	Field(name string) (label string, ok bool)
	// Enum 枚举值标签，未配置时返回 def，def 为空时返回 value 本身
	Enum(field, value, def string) (string, error)
	// String 文案，未配置时返回 id
	String(id string) string
}

// ErrUnknownEnum 严格模式下枚举值无法映射
var ErrUnknownEnum = errors.New("unknown enum value")

// Table 一种语言的文案表
type Table struct {
	Fields  map[string]string            `cfg:"fields"`
	Enums   map[string]map[string]string `cfg:"enums"`
	Strings map[string]string            `cfg:"strings"`
}

type CatalogOptions struct {
	// 缺失语言时使用的语言
	DefaultLang string `cfg:"defaultLang" def:"en"`
	// 严格模式下，未配置且没有默认值的枚举值视为错误
	Strict bool `cfg:"strict"`
	// 各语言文案表
	Langs map[string]*Table `cfg:"langs"`
}

// Catalog 多语言文案目录，支持热更新
type Catalog struct {
	defaultLang string
	strict      bool
	tables      atomic.Pointer[map[string]*Table]
}

func NewCatalogWithOptions(options *CatalogOptions) *Catalog {
	c := &Catalog{defaultLang: options.DefaultLang, strict: options.Strict}
	if c.defaultLang == "" {
		c.defaultLang = "en"
	}
	c.Replace(options.Langs)
	return c
}

// LoadCatalog 从配置文件加载目录
func LoadCatalog(filename string) (*Catalog, error) {
	var options CatalogOptions
	if err := cfg.Load(filename, &options); err != nil {
		return nil, errors.WithMessage(err, "load locale catalog failed")
	}
	return NewCatalogWithOptions(&options), nil
}

// Watch 文件变化时重新加载文案表
func (c *Catalog) Watch(watcher *cfg.Watcher, filename string) error {
	return watcher.Watch(filename, func(data []byte) error {
		tree, err := cfg.Decode(data, cfg.FormatOf(filename))
		if err != nil {
			return err
		}
		var options CatalogOptions
		if err := cfg.Convert(tree, &options); err != nil {
			return err
		}
		c.Replace(options.Langs)
		return nil
	})
}

// Replace 原子替换全部文案表
func (c *Catalog) Replace(langs map[string]*Table) {
	tables := make(map[string]*Table, len(langs))
	for lang, table := range langs {
		if table != nil {
			tables[strings.ToLower(lang)] = table
		}
	}
	c.tables.Store(&tables)
}

// Locale 返回指定语言的查找视图，语言缺失时回退到默认语言
func (c *Catalog) Locale(lang string) Locale {
	if lang == "" {
		lang = c.defaultLang
	}
	return &view{catalog: c, lang: strings.ToLower(lang)}
}

func (c *Catalog) table(lang string) *Table {
	tables := *c.tables.Load()
	if t, ok := tables[lang]; ok {
		return t
	}
	return tables[c.defaultLang]
}

type view struct {
	catalog *Catalog
	lang    string
}

func (v *view) Lang() string { return v.lang }

func (v *view) Field(name string) (string, bool) {
	t := v.catalog.table(v.lang)
	if t == nil {
		return "", false
	}
	label, ok := t.Fields[name]
	return label, ok && label != ""
}

func (v *view) Enum(field, value, def string) (string, error) {
	if t := v.catalog.table(v.lang); t != nil {
		if label, ok := t.Enums[field][value]; ok {
			return label, nil
		}
	}
	if def != "" {
		return def, nil
	}
	if v.catalog.strict {
		return "", errors.Wrapf(ErrUnknownEnum, "value [%s] of field [%s] in lang [%s]", value, field, v.lang)
	}
	return value, nil
}

func (v *view) String(id string) string {
	if t := v.catalog.table(v.lang); t != nil {
		if s, ok := t.Strings[id]; ok {
			return s
		}
	}
	return id
}
