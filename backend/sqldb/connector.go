package sqldb

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Conn 执行语句的连接，*sql.Conn 和 gorm.ConnPool 都满足
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Connector 连接策略，fn 返回后连接被释放
// reconnect 为 true 时先重建底层连接
type Connector interface {
	WithConn(ctx context.Context, reconnect bool, fn func(ctx context.Context, conn Conn) error) error
	Close() error
}

type ConnectorOptions struct {
	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

func openDB(dialect Dialect, dsn string, options *ConnectorOptions) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sql.Open [%s] failed", dialect.DriverName())
	}
	if options.MaxConns > 0 {
		db.SetMaxOpenConns(options.MaxConns)
	}
	if options.MaxIdle > 0 {
		db.SetMaxIdleConns(options.MaxIdle)
	}
	if options.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(options.ConnMaxLifetime)
	}
	return db, nil
}

// PoolConnector 连接池，每条语句单独取出一个连接
type PoolConnector struct {
	db *sql.DB
}

func NewPoolConnector(dialect Dialect, dsn string, options *ConnectorOptions) (*PoolConnector, error) {
	db, err := openDB(dialect, dsn, options)
	if err != nil {
		return nil, err
	}
	return &PoolConnector{db: db}, nil
}

func (c *PoolConnector) WithConn(ctx context.Context, reconnect bool, fn func(ctx context.Context, conn Conn) error) error {
	if reconnect {
		if err := c.db.PingContext(ctx); err != nil {
			return errors.Wrap(err, "ping failed")
		}
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "get connection failed")
	}
	defer conn.Close()
	return fn(ctx, conn)
}

func (c *PoolConnector) Close() error {
	return c.db.Close()
}

// SingleConnector 单个长连接，同一时间只有一个调用使用
type SingleConnector struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

func NewSingleConnector(dialect Dialect, dsn string, options *ConnectorOptions) (*SingleConnector, error) {
	db, err := openDB(dialect, dsn, &ConnectorOptions{MaxConns: 1, MaxIdle: 1, ConnMaxLifetime: options.ConnMaxLifetime})
	if err != nil {
		return nil, err
	}
	return &SingleConnector{db: db}, nil
}

func (c *SingleConnector) WithConn(ctx context.Context, reconnect bool, fn func(ctx context.Context, conn Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reconnect && c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.conn == nil {
		conn, err := c.db.Conn(ctx)
		if err != nil {
			return errors.Wrap(err, "connect failed")
		}
		c.conn = conn
	}
	return fn(ctx, c.conn)
}

func (c *SingleConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return c.db.Close()
}

// GormConnector 通过 gorm 的 Connection 回调获取连接
type GormConnector struct {
	db *gorm.DB
}

func NewGormConnector(dialect Dialect, dsn string, options *ConnectorOptions) (*GormConnector, error) {
	db, err := gorm.Open(dialect.Gorm(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm.Open failed")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "gorm DB failed")
	}
	if options.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(options.MaxConns)
	}
	if options.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(options.MaxIdle)
	}
	if options.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(options.ConnMaxLifetime)
	}
	return &GormConnector{db: db}, nil
}

func (c *GormConnector) WithConn(ctx context.Context, reconnect bool, fn func(ctx context.Context, conn Conn) error) error {
	if reconnect {
		sqlDB, err := c.db.DB()
		if err != nil {
			return errors.Wrap(err, "gorm DB failed")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return errors.Wrap(err, "ping failed")
		}
	}
	return c.db.WithContext(ctx).Connection(func(tx *gorm.DB) error {
		return fn(ctx, tx.Statement.ConnPool)
	})
}

func (c *GormConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return errors.Wrap(err, "gorm DB failed")
	}
	return sqlDB.Close()
}
