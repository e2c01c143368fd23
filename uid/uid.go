package uid

import (
	"context"

	"github.com/hatlonely/modeldb/ref"
)

func init() {
	ref.MustRegisterT[SnowflakeGenerator](NewSnowflakeGeneratorWithOptions)
	ref.MustRegisterT[RedisGenerator](NewRedisGeneratorWithOptions)
	ref.MustRegisterT[UUIDGenerator](NewUUIDGeneratorWithOptions)
}

// IntGenerator 生成 64 位整数 id
type IntGenerator interface {
	Generate(ctx context.Context) (int64, error)
}

// StrGenerator 生成字符串 id
type StrGenerator interface {
	Generate() string
}

// NewIntGeneratorWithOptions 通过 ref 创建整数生成器
func NewIntGeneratorWithOptions(options *ref.TypeOptions) (IntGenerator, error) {
	return ref.NewAs[IntGenerator](options)
}

// NewStrGeneratorWithOptions 通过 ref 创建字符串生成器
func NewStrGeneratorWithOptions(options *ref.TypeOptions) (StrGenerator, error) {
	return ref.NewAs[StrGenerator](options)
}
