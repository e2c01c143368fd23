package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/schema"
)

// statement 一次语句执行的上下文
type statement struct {
	name string
	sql  string
	view *model.View
	// 语句所属实例，view 为 nil 时使用
	inst   *model.Instance
	values []any
	// 是否返回结果集
	query bool
	// 强制重建连接
	reconnect bool
	// 在同一连接上紧接着执行
	followUp func(ctx context.Context, conn Conn) error
	// 显式指定的连接，不经过连接策略
	conn Conn
}

func (st *statement) instance() *model.Instance {
	if st.view != nil {
		return st.view.Instance()
	}
	return st.inst
}

type outcome struct {
	rows     []map[string]any
	affected int64
	lastID   int64
}

// run 执行语句，每类可修复错误最多修复一次后重试
func (b *SQLDB) run(ctx context.Context, st *statement) (*outcome, error) {
	tried := map[errKind]bool{}
	for {
		out, err := b.exec(ctx, st)
		if err == nil {
			return out, nil
		}

		kind, name := b.dialect.Classify(err)
		if kind == errOther || tried[kind] || (kind == errTransient && st.conn != nil) {
			b.logger.ErrorContext(ctx, "sql failed", "name", st.name, "sql", st.sql, "kind", kind.String(), "view", viewName(st.view), "error", err.Error())
			return nil, err
		}
		tried[kind] = true

		switch kind {
		case errTransient:
			b.logger.WarnContext(ctx, "reconnect and retry", "name", st.name, "error", err.Error())
			st.reconnect = true
		case errUnknownColumn:
			if ferr := b.fixMissingField(ctx, st, name); ferr != nil {
				return nil, ferr
			}
		case errMissingTable:
			if ferr := b.fixMissingTable(ctx, st, name); ferr != nil {
				return nil, ferr
			}
		}
	}
}

func (b *SQLDB) exec(ctx context.Context, st *statement) (*outcome, error) {
	if b.logSQL {
		b.logger.InfoContext(ctx, "sql", "name", st.name, "sql", st.sql, "view", viewName(st.view))
	} else {
		b.logger.DebugContext(ctx, "sql", "name", st.name, "sql", st.sql, "view", viewName(st.view))
	}

	out := &outcome{}
	fn := func(ctx context.Context, conn Conn) error {
		if st.query {
			rows, err := conn.QueryContext(ctx, st.sql, st.values...)
			if err != nil {
				return err
			}
			defer rows.Close()
			if out.rows, err = scanRows(rows); err != nil {
				return err
			}
		} else {
			res, err := conn.ExecContext(ctx, st.sql, st.values...)
			if err != nil {
				return err
			}
			out.affected, _ = res.RowsAffected()
			out.lastID, _ = res.LastInsertId()
		}
		if st.followUp != nil {
			return st.followUp(ctx, conn)
		}
		return nil
	}

	var err error
	if st.conn != nil {
		err = fn(ctx, st.conn)
	} else {
		err = b.connector.WithConn(ctx, st.reconnect, fn)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func viewName(v *model.View) string {
	if v == nil {
		return ""
	}
	return v.Name()
}

// fixMissingField 为缺失的列执行 add_field
func (b *SQLDB) fixMissingField(ctx context.Context, st *statement, column string) error {
	inst := st.instance()
	if inst == nil || st.view == nil {
		return errors.Errorf("unknown column %s in statement %s", column, st.name)
	}
	view := st.view
	p, err := b.collection(ctx, inst, "")
	if err != nil {
		return err
	}

	column = strings.Trim(column, "`\"")
	if alias := view.Alias(); alias != "" {
		column = strings.TrimPrefix(column, alias+".")
	}
	f := resolveField(view, column)
	if f == nil {
		return errors.Errorf("cant fix unknown column %s in table %s related to view %s of model %s",
			column, p.qualified(), view.Name(), inst.Model().Name())
	}

	def, _, err := b.dialect.ColumnDef(column, f)
	if err != nil {
		return err
	}
	sqlStr := render(b.template(view, "add_field"), map[string]string{
		"table":     p.qualified(),
		"db_":       p.dbPrefix(),
		"field_def": def,
	})
	b.logger.InfoContext(ctx, "add missing column", "table", p.qualified(), "column", column, "sql", sqlStr, "model", inst.Model().Name())
	if _, err := b.run(ctx, &statement{name: "add_field", sql: sqlStr, view: view}); err != nil {
		return errors.WithMessagef(err, "cant add column %s to table %s related to view %s of model %s",
			column, p.qualified(), view.Name(), inst.Model().Name())
	}
	return nil
}

// resolveField 去掉视图前缀和模型前缀后查找字段
func resolveField(view *model.View, column string) *schema.Field {
	s := view.Schema()
	names := []string{column}
	if p := view.FieldPrefix(); p != "" && strings.HasPrefix(column, p) {
		names = append(names, strings.TrimPrefix(column, p))
	}
	if p := s.Prefix(); p != "" && strings.HasPrefix(column, p) {
		names = append(names, strings.TrimPrefix(column, p))
	}
	for _, n := range names {
		if f := view.Field(n); f != nil {
			return f
		}
		if f := s.Field(n); f != nil {
			return f
		}
	}
	for _, f := range s.Fields() {
		if f.DBName() == column {
			return f
		}
	}
	return nil
}

// fixMissingTable 缺失的是当前表时建表，是其他已注册集合时为该模型建表
func (b *SQLDB) fixMissingTable(ctx context.Context, st *statement, table string) error {
	inst := st.instance()
	if inst == nil {
		return errors.Errorf("missing table %s in statement %s", table, st.name)
	}
	database := ""
	if i := strings.LastIndex(table, "."); i >= 0 {
		database, table = strings.Trim(table[:i], "`\""), table[i+1:]
	}
	table = strings.Trim(table, "`\"")

	p, err := b.collection(ctx, inst, "")
	if err != nil {
		return err
	}
	// 没有租户库时错误中的库名是连接的默认库
	if database != "" && p.database != "" && database != p.database {
		return errors.Errorf("cant fix missing table %s.%s outside database %s of model %s",
			database, table, p.database, inst.Model().Name())
	}
	if table == p.table {
		b.logger.InfoContext(ctx, "create missing table", "table", p.qualified(), "model", inst.Model().Name())
		return b.createCollection(ctx, inst, nil)
	}

	if m, ok := inst.Registry().ModelByCollection(table); ok {
		b.logger.InfoContext(ctx, "create missing table of related model", "table", table, "model", m.Name())
		return m.Instance(inst.Lang(), inst.Tenant()).CreateCollection(ctx, nil)
	}
	return errors.Errorf("cant fix missing table %s for model %s", table, inst.Model().Name())
}
