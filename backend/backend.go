// Package backend 按配置创建后端
package backend

import (
	"io"

	"github.com/pkg/errors"

	"github.com/hatlonely/modeldb/backend/esdb"
	"github.com/hatlonely/modeldb/backend/fielddb"
	"github.com/hatlonely/modeldb/backend/kvdb"
	"github.com/hatlonely/modeldb/backend/mongodb"
	"github.com/hatlonely/modeldb/backend/sqldb"
	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
)

// Namespace 未指定命名空间时使用的默认命名空间
const Namespace = "github.com/hatlonely/modeldb/backend"

// 内置后端类型
const (
	TypeSQLDB   = "SQLDB"
	TypeMongo   = "Mongo"
	TypeES      = "ES"
	TypeFieldDB = "FieldDB"
	TypeKVDB    = "KVDB"
)

func init() {
	ref.MustRegisterT[sqldb.SQLDB](sqldb.NewSQLDBWithOptions)
	ref.MustRegisterT[mongodb.Mongo](mongodb.NewMongoWithOptions)
	ref.MustRegisterT[esdb.ES](esdb.NewESWithOptions)
	ref.MustRegisterT[fielddb.FieldDB](fielddb.NewFieldDBWithOptions)
	ref.MustRegisterT[kvdb.KVDB](kvdb.NewKVDBWithOptions)

	ref.MustRegister(Namespace, TypeSQLDB, sqldb.NewSQLDBWithOptions)
	ref.MustRegister(Namespace, TypeMongo, mongodb.NewMongoWithOptions)
	ref.MustRegister(Namespace, TypeES, esdb.NewESWithOptions)
	ref.MustRegister(Namespace, TypeFieldDB, fielddb.NewFieldDBWithOptions)
	ref.MustRegister(Namespace, TypeKVDB, kvdb.NewKVDBWithOptions)
}

// LoggerSetter 可以替换日志器的后端
type LoggerSetter interface {
	SetLogger(logger log.Logger)
}

// NewBackendWithOptions 通过 ref 创建后端，命名空间为空时使用 Namespace
func NewBackendWithOptions(options *ref.TypeOptions) (model.Backend, error) {
	if options == nil || options.Type == "" {
		return nil, errors.New("backend type is required")
	}
	typeOptions := *options
	if typeOptions.Namespace == "" {
		typeOptions.Namespace = Namespace
	}
	b, err := ref.NewAs[model.Backend](&typeOptions)
	if err != nil {
		return nil, errors.WithMessagef(err, "create backend [%s] failed", options.Type)
	}
	return b, nil
}

// SetLogger 后端支持时替换日志器
func SetLogger(b model.Backend, logger log.Logger) {
	if s, ok := b.(LoggerSetter); ok {
		s.SetLogger(logger)
	}
}

// Close 关闭持有连接的后端
func Close(b model.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
