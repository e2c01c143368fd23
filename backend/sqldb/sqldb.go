// Package sqldb 关系型数据库后端，根据视图生成 SQL，并在表结构落后于模型时自动修复
package sqldb

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
	"github.com/hatlonely/modeldb/schema"
)

// 连接策略
const (
	ConnectorPool     = "pool"
	ConnectorSingle   = "single"
	ConnectorCallback = "callback"
)

type Options struct {
	Driver     string        `cfg:"driver" def:"mysql" validate:"oneof=mysql sqlite3"`
	DSN        string        `cfg:"dsn"`
	Host       string        `cfg:"host" def:"localhost"`
	Port       string        `cfg:"port" def:"3306"`
	SocketPath string        `cfg:"socketPath"`
	Database   string        `cfg:"database"`
	Username   string        `cfg:"username"`
	Password   string        `cfg:"password"`
	Charset    string        `cfg:"charset" def:"utf8mb4"`
	Timeout    time.Duration `cfg:"timeout" def:"5s"`

	Connector       string        `cfg:"connector" def:"pool" validate:"oneof=pool single callback"`
	MaxConns        int           `cfg:"maxConns" def:"100"`
	MaxIdle         int           `cfg:"maxIdle" def:"5"`
	ConnMaxLifetime time.Duration `cfg:"connMaxLifetime"`

	// 覆盖内置语句模板
	Queries map[string]string `cfg:"queries"`
	// 租户目录中的配置段
	Section string           `cfg:"section" def:"mysql"`
	Tenants *ref.TypeOptions `cfg:"tenants"`
	// 直接指定租户目录，优先于 Tenants
	TenantDirectory TenantDirectory `cfg:"-"`

	// 以 info 级别记录每条语句
	Log    bool             `cfg:"log"`
	Logger *ref.TypeOptions `cfg:"logger"`
}

// SQLDB 关系型数据库后端
type SQLDB struct {
	dialect   Dialect
	connector Connector
	queries   map[string]string
	tenants   *tenantResolver
	logger    log.Logger
	logSQL    bool
}

func NewSQLDBWithOptions(options *Options) (*SQLDB, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	driverName := options.Driver
	if driverName == "" {
		driverName = "mysql"
	}
	dialect, err := NewDialect(driverName)
	if err != nil {
		return nil, err
	}

	dsn := options.DSN
	if dsn == "" {
		dsn = buildDSN(dialect, options)
	}

	copts := &ConnectorOptions{MaxConns: options.MaxConns, MaxIdle: options.MaxIdle, ConnMaxLifetime: options.ConnMaxLifetime}
	var connector Connector
	switch options.Connector {
	case ConnectorSingle:
		connector, err = NewSingleConnector(dialect, dsn, copts)
	case ConnectorCallback:
		connector, err = NewGormConnector(dialect, dsn, copts)
	case ConnectorPool, "":
		connector, err = NewPoolConnector(dialect, dsn, copts)
	default:
		return nil, errors.Errorf("unsupported connector [%s]", options.Connector)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "create %s connector failed", options.Connector)
	}

	logger, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, err
	}

	directory := options.TenantDirectory
	if directory == nil && options.Tenants != nil {
		if directory, err = ref.NewAs[TenantDirectory](options.Tenants); err != nil {
			return nil, errors.WithMessage(err, "create tenant directory failed")
		}
	}
	section := options.Section
	if section == "" {
		section = dialect.Name()
	}

	return &SQLDB{
		dialect:   dialect,
		connector: connector,
		queries:   options.Queries,
		tenants:   &tenantResolver{directory: directory, section: section},
		logger:    logger,
		logSQL:    options.Log,
	}, nil
}

func buildDSN(dialect Dialect, options *Options) string {
	if dialect.Name() != "mysql" {
		return options.Database
	}
	config := mysql.NewConfig()
	config.User = options.Username
	config.Passwd = options.Password
	config.DBName = options.Database
	config.Timeout = options.Timeout
	if options.SocketPath != "" {
		config.Net = "unix"
		config.Addr = options.SocketPath
	} else {
		config.Net = "tcp"
		config.Addr = options.Host + ":" + options.Port
	}
	if options.Charset != "" {
		config.Params = map[string]string{"charset": options.Charset}
	}
	return config.FormatDSN()
}

func (b *SQLDB) Dialect() Dialect { return b.dialect }

func (b *SQLDB) SetLogger(logger log.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

func (b *SQLDB) Close() error {
	return b.connector.Close()
}

// FieldWhere 字段比较条件，值按字段类型转义
func (b *SQLDB) FieldWhere(dbName, op, _ string, f *schema.Field) model.WhereClause {
	return &whereClause{dialect: b.dialect, column: dbName, op: op, field: f}
}

// TemplateWhere 视图中声明的字面条件，$value 替换为转义后的值
func (b *SQLDB) TemplateWhere(template string, _ *schema.Field) model.WhereClause {
	return &templateClause{dialect: b.dialect, template: template}
}

type whereClause struct {
	dialect Dialect
	column  string
	op      string
	field   *schema.Field
}

func (w *whereClause) Bind(c model.Condition) (any, error) {
	op := c.Op
	if op == "" {
		op = w.op
	}
	op = strings.ToUpper(strings.TrimSpace(op))

	if values, ok := toSlice(c.Value); ok {
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := literal(w.dialect, v, w.field)
			if err != nil {
				return nil, err
			}
			lits = append(lits, lit)
		}
		switch op {
		case "=", "==", "EQ", "IN":
			if len(lits) == 0 {
				return "1=0", nil
			}
			return w.column + " IN (" + strings.Join(lits, ",") + ")", nil
		case "!=", "<>", "NEQ", "NIN", "NOT IN":
			if len(lits) == 0 {
				return "1=1", nil
			}
			return w.column + " NOT IN (" + strings.Join(lits, ",") + ")", nil
		}
		return nil, errors.Errorf("operator [%s] does not accept a list", op)
	}

	switch op {
	case "=", "==", "EQ":
		op = "="
	case "!=", "<>", "NEQ":
		op = "<>"
	case "IN":
		op = "="
	case "NIN", "NOT IN":
		op = "<>"
	case "<", "<=", ">", ">=", "LIKE", "NOT LIKE":
	default:
		return nil, errors.Errorf("unsupported operator [%s]", op)
	}
	if c.Value == nil {
		switch op {
		case "=":
			return w.column + " IS NULL", nil
		case "<>":
			return w.column + " IS NOT NULL", nil
		}
	}
	lit, err := literal(w.dialect, c.Value, w.field)
	if err != nil {
		return nil, errors.WithMessagef(err, "where of column %s", w.column)
	}
	return w.column + " " + op + " " + lit, nil
}

var valueRegex = regexp.MustCompile(`\$val(ue)?`)

type templateClause struct {
	dialect  Dialect
	template string
}

func (t *templateClause) Bind(c model.Condition) (any, error) {
	v := schema.Unwrap(c.Value)
	s := ""
	if values, ok := toSlice(v); ok {
		parts := make([]string, len(values))
		for i, x := range values {
			parts[i] = t.dialect.Escape(stringValue(x))
		}
		s = strings.Join(parts, ",")
	} else if v != nil {
		s = t.dialect.Escape(stringValue(v))
	}
	return valueRegex.ReplaceAllLiteralString(t.template, s), nil
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []any:
		return x, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
