package sqldb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

// collection 实例对应的物理表，name 为空时使用实例的集合名
func (b *SQLDB) collection(ctx context.Context, inst *model.Instance, name string) (physical, error) {
	if name == "" {
		name = inst.Collection()
	}
	return b.tenants.resolve(ctx, inst.Tenant(), name)
}

// prepare 解析视图和物理表，并生成通用占位符
func (b *SQLDB) prepare(ctx context.Context, inst *model.Instance, opts *model.Options, def string) (*model.View, physical, map[string]string, error) {
	view, err := inst.View(opts.ViewName(def))
	if err != nil {
		return nil, physical{}, nil, err
	}
	p, err := b.collection(ctx, inst, opts.Collection)
	if err != nil {
		return nil, physical{}, nil, err
	}
	table := p.qualified()
	aliased := table
	if view.Alias() != "" {
		aliased += " " + view.Alias()
	}
	return view, p, map[string]string{
		"table": table,
		"TABLE": aliased,
		"db_":   p.dbPrefix(),
	}, nil
}

// dataVars 查询和记录中的键作为占位符，值按字段类型转义
func (b *SQLDB) dataVars(view *model.View, vars map[string]string, data ...map[string]any) error {
	for _, d := range data {
		for k, v := range d {
			if _, ok := vars[k]; ok {
				continue
			}
			f := view.Field(k)
			if f == nil {
				f = view.FieldByAlias(k)
			}
			lit, err := literal(b.dialect, v, f)
			if err != nil {
				return errors.WithMessagef(err, "value of [%s]", k)
			}
			vars[k] = lit
		}
	}
	return nil
}

// setWhere 生成 where 相关占位符
func (b *SQLDB) setWhere(view *model.View, query model.Query, withAlias bool, vars map[string]string) error {
	clauses, err := view.Where(query, withAlias)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if s := fmt.Sprint(c); s != "" {
			parts = append(parts, s)
		}
	}
	where := ""
	if len(parts) > 0 {
		where = "WHERE " + strings.Join(parts, " AND ")
	}
	vars["where"] = where
	if where != "" {
		vars["where_and"] = where + " AND "
		vars["WHERE"] = where
	} else {
		vars["where_and"] = "WHERE "
		vars["WHERE"] = "WHERE 1=1"
	}
	return nil
}

// orderBy 解析 "field [asc|desc]"
func (b *SQLDB) orderBy(view *model.View, entries []string) (string, error) {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		tokens := strings.Fields(e)
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) > 2 {
			return "", errors.Errorf("invalid order by [%s]", e)
		}
		dir := "ASC"
		if len(tokens) == 2 {
			dir = strings.ToUpper(tokens[1])
			if dir != "ASC" && dir != "DESC" {
				return "", errors.Errorf("invalid order direction [%s]", tokens[1])
			}
		}
		f := view.Field(tokens[0])
		if f == nil {
			f = view.FieldByAlias(tokens[0])
		}
		if f == nil {
			return "", errors.Wrapf(model.ErrUnknownField, "unknown order field %s in view %s", tokens[0], view.Name())
		}
		parts = append(parts, f.DBName()+" "+dir)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "ORDER BY " + strings.Join(parts, ","), nil
}

// record 将一行结果转换为记录并格式化
func (b *SQLDB) record(view *model.View, row map[string]any) (model.Record, error) {
	rec := make(model.Record, len(row))
	for col, v := range row {
		rec[col] = normalize(v, view.FieldByAlias(col))
	}
	if err := view.Format(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// rowValues 按视图字段顺序生成一行插入值，缺失的字段使用默认值
func (b *SQLDB) rowValues(view *model.View, doc model.Record, vars map[string]any) (string, error) {
	values := make([]string, 0, len(view.Fields()))
	for _, f := range view.Fields() {
		v, ok := doc[f.Name()]
		if !ok {
			v, ok = doc[f.Alias()]
		}
		if !ok {
			if f.AutoID() {
				values = append(values, "NULL")
				continue
			}
			v = f.Default(vars)
		}
		lit, err := literal(b.dialect, v, f)
		if err != nil {
			return "", errors.WithMessagef(err, "field %s", f.Name())
		}
		values = append(values, lit)
	}
	return "(" + strings.Join(values, ",") + ")", nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case []byte:
		i, _ := strconv.ParseInt(string(x), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(x, 10, 64)
		return i
	}
	return 0
}

func (b *SQLDB) GetEmpty(_ context.Context, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, err := inst.View(opts.ViewName(model.ViewDefault))
	if err != nil {
		return nil, err
	}
	return model.EmptyResult(view, opts)
}

func (b *SQLDB) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.Result, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewRecord)
	if err != nil {
		return nil, err
	}
	if err := b.dataVars(view, vars, query); err != nil {
		return nil, err
	}
	if err := b.setWhere(view, query, true, vars); err != nil {
		return nil, err
	}
	if vars["orderby"], err = b.orderBy(view, opts.OrderBy); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	vars["limit"] = b.dialect.Limit(limit, opts.Skip)
	vars["fields"] = view.SelectList()

	out, err := b.run(ctx, &statement{name: "findOne", sql: render(b.template(view, "findOne"), vars), view: view, query: true})
	if err != nil {
		return nil, err
	}
	if len(out.rows) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "%s in %s", inst.Model().Name(), vars["table"])
	}
	rec, err := b.record(view, out.rows[0])
	if err != nil {
		return nil, err
	}
	return model.NewResult(view, rec, opts), nil
}

func (b *SQLDB) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (*model.ListResult, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewDefault)
	if err != nil {
		return nil, err
	}
	if err := b.dataVars(view, vars, query); err != nil {
		return nil, err
	}
	if err := b.setWhere(view, query, true, vars); err != nil {
		return nil, err
	}
	if vars["orderby"], err = b.orderBy(view, opts.OrderBy); err != nil {
		return nil, err
	}
	vars["limit"] = b.dialect.Limit(opts.Limit, opts.Skip)
	vars["fields"] = view.SelectList()
	vars["select"] = b.dialect.Select()

	st := &statement{name: "find", sql: render(b.template(view, "find"), vars), view: view, query: true}
	var total int64
	if opts.Limit > 0 {
		countSQL := render(b.template(view, "found_rows"), vars)
		st.followUp = func(ctx context.Context, conn Conn) error {
			out, err := b.run(ctx, &statement{name: "found_rows", sql: countSQL, view: view, query: true, conn: conn})
			if err != nil {
				return err
			}
			if len(out.rows) > 0 {
				total = toInt64(out.rows[0]["nbrecords"])
			}
			return nil
		}
	}

	out, err := b.run(ctx, st)
	if err != nil {
		return nil, err
	}
	data := make([]model.Record, 0, len(out.rows))
	for _, row := range out.rows {
		rec, err := b.record(view, row)
		if err != nil {
			return nil, err
		}
		data = append(data, rec)
	}
	if opts.Limit <= 0 {
		total = int64(len(data))
	}
	return model.NewListResult(view, data, total, opts), nil
}

func (b *SQLDB) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewDefault)
	if err != nil {
		return 0, err
	}
	if err := b.dataVars(view, vars, query); err != nil {
		return 0, err
	}
	if err := b.setWhere(view, query, true, vars); err != nil {
		return 0, err
	}
	out, err := b.run(ctx, &statement{name: "count", sql: render(b.template(view, "count"), vars), view: view, query: true})
	if err != nil {
		return 0, err
	}
	if len(out.rows) == 0 {
		return 0, nil
	}
	for _, v := range out.rows[0] {
		return toInt64(v), nil
	}
	return 0, nil
}

func (b *SQLDB) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance) (any, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewRecord)
	if err != nil {
		return nil, err
	}
	if err := b.dataVars(view, vars, doc); err != nil {
		return nil, err
	}
	if vars["values"], err = b.rowValues(view, doc, opts.Variables); err != nil {
		return nil, err
	}
	vars["fields"] = strings.Join(view.InsertList(), ",")

	out, err := b.run(ctx, &statement{name: "insertOne", sql: render(b.template(view, "insertOne"), vars), view: view})
	if err != nil {
		return nil, err
	}
	id := inst.Schema().ID()
	if v, ok := doc[id]; ok && schema.Unwrap(v) != nil {
		return schema.Unwrap(v), nil
	}
	return out.lastID, nil
}

func (b *SQLDB) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewRecord)
	if err != nil {
		return 0, err
	}
	rows := make([]string, 0, len(docs))
	for i, doc := range docs {
		row, err := b.rowValues(view, doc, opts.Variables)
		if err != nil {
			return 0, errors.WithMessagef(err, "record %d", i)
		}
		rows = append(rows, row)
	}
	vars["values"] = strings.Join(rows, ",")
	vars["fields"] = strings.Join(view.InsertList(), ",")

	out, err := b.run(ctx, &statement{name: "insertMany", sql: render(b.template(view, "insertMany"), vars), view: view})
	if err != nil {
		return 0, err
	}
	return out.affected, nil
}

// fieldsValues 只更新记录中出现的字段
func (b *SQLDB) fieldsValues(view *model.View, doc model.Record) (string, error) {
	columns := view.UpdateList()
	var parts []string
	for i, f := range view.Fields() {
		v, ok := doc[f.Name()]
		if !ok {
			v, ok = doc[f.Alias()]
		}
		if !ok {
			continue
		}
		lit, err := literal(b.dialect, v, f)
		if err != nil {
			return "", errors.WithMessagef(err, "field %s", f.Name())
		}
		parts = append(parts, columns[i]+"="+lit)
	}
	return strings.Join(parts, ","), nil
}

func (b *SQLDB) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance) (int64, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewDefault)
	if err != nil {
		return 0, err
	}
	if err := b.dataVars(view, vars, doc, query); err != nil {
		return 0, err
	}

	name := "updateOne"
	if upsert {
		name = "replaceOne"
		vars["op"], vars["update"], vars["replace"] = "REPLACE", "REPLACE", "REPLACE"
		vars["fields"] = strings.Join(view.InsertList(), ",")
		if vars["values"], err = b.rowValues(view, doc, opts.Variables); err != nil {
			return 0, err
		}
	} else {
		vars["op"], vars["update"] = "UPDATE", "UPDATE"
		if vars["fields_values"], err = b.fieldsValues(view, doc); err != nil {
			return 0, err
		}
		if vars["fields_values"] == "" {
			return 0, nil
		}
		vars["fields"] = strings.Join(view.UpdateList(), ",")
		if err := b.setWhere(view, query, false, vars); err != nil {
			return 0, err
		}
		vars["limit"] = b.dialect.OneLimit()
	}

	out, err := b.run(ctx, &statement{name: name, sql: render(b.template(view, name), vars), view: view})
	if err != nil {
		return 0, err
	}
	return out.affected, nil
}

func (b *SQLDB) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance) (int64, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewDefault)
	if err != nil {
		return 0, err
	}
	if err := b.dataVars(view, vars, doc, query); err != nil {
		return 0, err
	}
	if vars["fields_values"], err = b.fieldsValues(view, doc); err != nil {
		return 0, err
	}
	if vars["fields_values"] == "" {
		return 0, nil
	}
	if err := b.setWhere(view, query, false, vars); err != nil {
		return 0, err
	}
	out, err := b.run(ctx, &statement{name: "updateMany", sql: render(b.template(view, "updateMany"), vars), view: view})
	if err != nil {
		return 0, err
	}
	return out.affected, nil
}

func (b *SQLDB) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.delete(ctx, "deleteOne", query, opts, inst)
}

func (b *SQLDB) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	return b.delete(ctx, "deleteMany", query, opts, inst)
}

func (b *SQLDB) delete(ctx context.Context, name string, query model.Query, opts *model.Options, inst *model.Instance) (int64, error) {
	view, _, vars, err := b.prepare(ctx, inst, opts, model.ViewDefault)
	if err != nil {
		return 0, err
	}
	if err := b.dataVars(view, vars, query); err != nil {
		return 0, err
	}
	if err := b.setWhere(view, query, false, vars); err != nil {
		return 0, err
	}
	if name == "deleteOne" {
		vars["limit"] = b.dialect.OneLimit()
	}
	out, err := b.run(ctx, &statement{name: name, sql: render(b.template(view, name), vars), view: view})
	if err != nil {
		return 0, err
	}
	b.logger.DebugContext(ctx, "deleted rows", "model", inst.Model().Name(), "rows", out.affected)
	return out.affected, nil
}

func (b *SQLDB) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance) error {
	var view *model.View
	if opts != nil && opts.View != "" {
		v, err := inst.View(opts.View)
		if err != nil {
			return err
		}
		view = v
	}
	return b.createCollection(ctx, inst, view)
}

// createCollection 按模型的全部字段建表
func (b *SQLDB) createCollection(ctx context.Context, inst *model.Instance, view *model.View) error {
	if view == nil {
		v, err := inst.View(model.ViewRecord)
		if err != nil {
			return err
		}
		view = v
	}
	p, err := b.collection(ctx, inst, "")
	if err != nil {
		return err
	}

	prefix := inst.Model().Prefix()
	if _, fp, ok := strings.Cut(prefix, "."); ok {
		prefix = fp
	}
	var defs, keys []string
	for _, f := range inst.Schema().Fields() {
		column := f.DBName()
		if prefix != "" {
			column = f.DBNameWithPrefix(prefix)
		}
		def, key, err := b.dialect.ColumnDef(column, f)
		if err != nil {
			return errors.WithMessagef(err, "model %s", inst.Model().Name())
		}
		defs = append(defs, def)
		if key != "" {
			keys = append(keys, key)
		}
	}
	fieldsKeys := ""
	if len(keys) > 0 {
		fieldsKeys = "," + strings.Join(keys, ",")
	}

	sqlStr := render(b.template(view, "create_collection"), map[string]string{
		"table":       p.qualified(),
		"TABLE":       p.qualified(),
		"db_":         p.dbPrefix(),
		"fields_def":  strings.Join(defs, ","),
		"fields_keys": fieldsKeys,
	})
	_, err = b.run(ctx, &statement{name: "create_collection", sql: sqlStr, view: view, inst: inst})
	return err
}
