package sqldb

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hatlonely/modeldb/schema"
)

// errKind 可修复错误的类别
type errKind int

const (
	errOther errKind = iota
	errTransient
	errUnknownColumn
	errMissingTable
)

func (k errKind) String() string {
	switch k {
	case errTransient:
		return "transient"
	case errUnknownColumn:
		return "unknown_column"
	case errMissingTable:
		return "missing_table"
	}
	return "other"
}

// Dialect 不同数据库在语法、转义和错误上的差异
type Dialect interface {
	Name() string
	// DriverName database/sql 驱动名
	DriverName() string
	Gorm(dsn string) gorm.Dialector

	// Escape 转义单引号内的字符串
	Escape(s string) string
	// Now 当前时间的字面量
	Now(typ string) string
	Limit(limit, skip int) string
	// OneLimit updateOne / deleteOne 的限制子句
	OneLimit() string
	// Select find 的 select 关键字
	Select() string
	// FoundRows 在同一连接上获取 find 总数的语句
	FoundRows() string
	// ColumnDef 列定义以及可选的主键子句
	ColumnDef(column string, f *schema.Field) (def string, key string, err error)
	// Classify 识别错误类别，name 为缺失的列名或表名
	Classify(err error) (kind errKind, name string)
}

// NewDialect 按驱动名返回方言
func NewDialect(driverName string) (Dialect, error) {
	switch driverName {
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite3", "sqlite":
		return sqliteDialect{}, nil
	}
	return nil, errors.Errorf("unsupported driver [%s]", driverName)
}

var mysqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Gorm(dsn string) gorm.Dialector { return gormmysql.Open(dsn) }

func (mysqlDialect) Escape(s string) string { return mysqlEscaper.Replace(s) }

func (mysqlDialect) Now(string) string { return "NOW()" }

func (mysqlDialect) Limit(limit, skip int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d,%d", skip, limit)
}

func (mysqlDialect) OneLimit() string { return "LIMIT 1" }

func (mysqlDialect) Select() string { return "SELECT SQL_CALC_FOUND_ROWS" }

func (mysqlDialect) FoundRows() string { return "SELECT FOUND_ROWS() AS nbrecords" }

func (d mysqlDialect) ColumnDef(column string, f *schema.Field) (string, string, error) {
	return columnDef(d, column, f)
}

var (
	mysqlUnknownColumn = regexp.MustCompile(`Unknown column '([^']+)'`)
	mysqlMissingTable  = regexp.MustCompile(`Table '([^']+)' doesn't exist`)
)

func (mysqlDialect) Classify(err error) (errKind, string) {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1054:
			if m := mysqlUnknownColumn.FindStringSubmatch(me.Message); m != nil {
				return errUnknownColumn, m[1]
			}
		case 1146:
			if m := mysqlMissingTable.FindStringSubmatch(me.Message); m != nil {
				return errMissingTable, m[1]
			}
		}
		return errOther, ""
	}
	if errors.Is(err, mysql.ErrInvalidConn) || isTransient(err) {
		return errTransient, ""
	}
	return errOther, ""
}

var sqliteEscaper = strings.NewReplacer(`'`, `''`)

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) Gorm(dsn string) gorm.Dialector { return gormsqlite.Open(dsn) }

func (sqliteDialect) Escape(s string) string { return sqliteEscaper.Replace(s) }

func (sqliteDialect) Now(typ string) string {
	if typ == schema.TypeDate {
		return "CURRENT_DATE"
	}
	return "CURRENT_TIMESTAMP"
}

func (sqliteDialect) Limit(limit, skip int) string {
	if limit <= 0 {
		return ""
	}
	if skip > 0 {
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, skip)
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

// OneLimit sqlite 默认不支持 UPDATE / DELETE 的 LIMIT
func (sqliteDialect) OneLimit() string { return "" }

func (sqliteDialect) Select() string { return "SELECT" }

func (sqliteDialect) FoundRows() string { return "SELECT COUNT(*) AS nbrecords FROM %TABLE% %where%" }

func (d sqliteDialect) ColumnDef(column string, f *schema.Field) (string, string, error) {
	if f.Type() == schema.TypeInteger && f.AutoID() {
		return column + " INTEGER PRIMARY KEY AUTOINCREMENT", "", nil
	}
	return columnDef(d, column, f)
}

var (
	sqliteUnknownColumn = regexp.MustCompile(`(?:no such column: |has no column named )(\S+)`)
	sqliteMissingTable  = regexp.MustCompile(`no such table: (\S+)`)
)

func (sqliteDialect) Classify(err error) (errKind, string) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return errTransient, ""
		}
		msg := se.Error()
		if m := sqliteUnknownColumn.FindStringSubmatch(msg); m != nil {
			return errUnknownColumn, m[1]
		}
		if m := sqliteMissingTable.FindStringSubmatch(msg); m != nil {
			return errMissingTable, m[1]
		}
		return errOther, ""
	}
	if isTransient(err) {
		return errTransient, ""
	}
	return errOther, ""
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// columnDef 按字段类型生成列定义，字面默认值生成 DEFAULT，模板默认值不生成
func columnDef(d Dialect, column string, f *schema.Field) (string, string, error) {
	var b strings.Builder
	b.WriteString(column)
	b.WriteByte(' ')

	typ := f.Type()
	nullable, declared := f.Nullable()
	key := ""
	dft := f.Prop("default")
	if f.HasTemplateDefault() {
		dft = nil
	}

	switch typ {
	case schema.TypeString:
		if n := f.MaxLength(); n > 0 {
			b.WriteString("VARCHAR(" + strconv.Itoa(n) + ")")
		} else {
			b.WriteString("TEXT")
		}
	case schema.TypeInteger:
		size := f.Size()
		if size <= 0 {
			size = 11
		}
		b.WriteString("INT(" + strconv.Itoa(size) + ")")
		if f.AutoID() {
			b.WriteString(" AUTO_INCREMENT NOT NULL")
			key = "PRIMARY KEY(" + column + ")"
			declared = false
			dft = nil
		}
	case schema.TypeBoolean:
		b.WriteString("TINYINT(1)")
	case schema.TypeDate:
		b.WriteString("DATE")
		if !declared {
			nullable, declared = true, true
		}
	case schema.TypeTimestamp:
		b.WriteString("DATETIME")
		if !declared {
			nullable, declared = true, true
		}
	case schema.TypeFloat, schema.TypeNumber:
		b.WriteString("FLOAT")
	case schema.TypeDouble:
		b.WriteString("DOUBLE")
	default:
		return "", "", errors.Wrapf(schema.ErrUnknownType, "unknown field type %s of field %s", typ, f.Name())
	}

	if dft != nil {
		lit, err := literal(d, dft, f)
		if err != nil {
			return "", "", errors.WithMessagef(err, "default of field %s", f.Name())
		}
		if lit != "NULL" {
			if strings.HasSuffix(lit, "()") {
				lit = "(" + lit + ")"
			}
			b.WriteString(" DEFAULT " + lit)
		}
	}
	if declared {
		if nullable {
			b.WriteString(" NULL")
		} else {
			b.WriteString(" NOT NULL")
		}
	}
	return b.String(), key, nil
}
