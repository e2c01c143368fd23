package sqldb

import (
	"regexp"

	"github.com/hatlonely/modeldb/model"
)

// 内置语句模板
var builtinQueries = map[string]string{
	"findOne":           "SELECT %fields% FROM %TABLE% %where% %orderby% %limit%",
	"find":              "%select% %fields% FROM %TABLE% %where% %orderby% %limit%",
	"count":             "SELECT COUNT(*) AS nbrecords FROM %TABLE% %where%",
	"insertOne":         "INSERT INTO %table% (%fields%) VALUES %values%",
	"insertMany":        "INSERT INTO %table% (%fields%) VALUES %values%",
	"updateOne":         "UPDATE %table% SET %fields_values% %where% %limit%",
	"replaceOne":        "REPLACE INTO %table% (%fields%) VALUES %values%",
	"updateMany":        "UPDATE %table% SET %fields_values% %where%",
	"deleteOne":         "DELETE FROM %table% %where% %limit%",
	"deleteMany":        "DELETE FROM %table% %where%",
	"create_collection": "CREATE TABLE IF NOT EXISTS %table% (%fields_def%%fields_keys%)",
	"add_field":         "ALTER TABLE %table% ADD COLUMN %field_def%",
}

var placeholderRegex = regexp.MustCompile(`%([a-zA-Z_][a-zA-Z0-9_]+)%`)

// template 依次查找视图、模型、后端配置中的模板，最后使用内置模板
func (b *SQLDB) template(view *model.View, name string) string {
	if view != nil {
		if q, ok := view.Query(name); ok {
			return q
		}
	}
	if q, ok := b.queries[name]; ok && q != "" {
		return q
	}
	if name == "found_rows" {
		return b.dialect.FoundRows()
	}
	return builtinQueries[name]
}

// render 替换模板中的 %placeholder%，没有对应值的占位符替换为空
func render(tpl string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(tpl, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
}
