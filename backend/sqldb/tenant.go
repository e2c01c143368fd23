package sqldb

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/hatlonely/modeldb/ref"
)

// 租户的物理命名规则
const (
	RuleDatabaseSuffix = "database_suffix"
	RuleDatabasePrefix = "database_prefix"
	RuleTableSuffix    = "table_suffix"
	RuleTablePrefix    = "table_prefix"
)

// TenantInfo 租户在某个存储上的配置
type TenantInfo struct {
	Database string `cfg:"database"`
	Rule     string `cfg:"rule" validate:"omitempty,oneof=database_suffix database_prefix table_suffix table_prefix"`
}

// TenantDirectory 租户目录，返回 nil 表示该租户没有专属配置
type TenantDirectory interface {
	Lookup(ctx context.Context, tenant, section string) (*TenantInfo, error)
}

func init() {
	ref.MustRegisterT[StaticTenantDirectory](NewStaticTenantDirectoryWithOptions)
	ref.MustRegisterT[RedisTenantDirectory](NewRedisTenantDirectoryWithOptions)
}

type StaticTenantDirectoryOptions struct {
	// tenant -> section -> info
	Tenants map[string]map[string]*TenantInfo `cfg:"tenants"`
}

// StaticTenantDirectory 配置文件中的租户目录
type StaticTenantDirectory struct {
	tenants map[string]map[string]*TenantInfo
}

func NewStaticTenantDirectoryWithOptions(options *StaticTenantDirectoryOptions) (*StaticTenantDirectory, error) {
	return &StaticTenantDirectory{tenants: options.Tenants}, nil
}

func (d *StaticTenantDirectory) Lookup(_ context.Context, tenant, section string) (*TenantInfo, error) {
	info := d.tenants[tenant][section]
	if info == nil {
		return nil, nil
	}
	c := *info
	return &c, nil
}

type RedisTenantDirectoryOptions struct {
	Addr     string `cfg:"addr" def:"localhost:6379"`
	Password string `cfg:"password"`
	DB       int    `cfg:"db"`
	// key 前缀，完整 key 为 <prefix>:<tenant>:<section>
	KeyPrefix string `cfg:"keyPrefix" def:"tenant"`
}

// RedisTenantDirectory 租户配置保存在 redis hash 中，字段为 database 和 rule
type RedisTenantDirectory struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisTenantDirectoryWithOptions(options *RedisTenantDirectoryOptions) (*RedisTenantDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	return NewRedisTenantDirectory(client, options.KeyPrefix), nil
}

func NewRedisTenantDirectory(client redis.UniversalClient, keyPrefix string) *RedisTenantDirectory {
	if keyPrefix == "" {
		keyPrefix = "tenant"
	}
	return &RedisTenantDirectory{client: client, keyPrefix: keyPrefix}
}

func (d *RedisTenantDirectory) Lookup(ctx context.Context, tenant, section string) (*TenantInfo, error) {
	key := d.keyPrefix + ":" + tenant + ":" + section
	values, err := d.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis.HGetAll [%s] failed", key)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &TenantInfo{Database: values["database"], Rule: values["rule"]}, nil
}

func (d *RedisTenantDirectory) Close() error {
	return d.client.Close()
}

// physical 集合的物理位置
type physical struct {
	database string
	table    string
}

// qualified db.table 形式，没有库名时只有表名
func (p physical) qualified() string {
	if p.database == "" {
		return p.table
	}
	return p.database + "." + p.table
}

func (p physical) dbPrefix() string {
	if p.database == "" {
		return ""
	}
	return p.database + "."
}

// tenantResolver 按 (租户, 集合) 缓存物理位置，同一组合只查询一次目录
type tenantResolver struct {
	directory TenantDirectory
	section   string
	cache     sync.Map
	group     singleflight.Group
}

func (r *tenantResolver) resolve(ctx context.Context, tenant, collection string) (physical, error) {
	if tenant == "" || r.directory == nil {
		return physical{table: collection}, nil
	}
	key := tenant + "\x00" + collection
	if v, ok := r.cache.Load(key); ok {
		return v.(physical), nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if v, ok := r.cache.Load(key); ok {
			return v, nil
		}
		info, err := r.directory.Lookup(ctx, tenant, r.section)
		if err != nil {
			return nil, errors.WithMessagef(err, "lookup tenant [%s]", tenant)
		}
		p := applyRule(info, tenant, collection)
		r.cache.Store(key, p)
		return p, nil
	})
	if err != nil {
		return physical{}, err
	}
	return v.(physical), nil
}

func applyRule(info *TenantInfo, tenant, collection string) physical {
	p := physical{table: collection}
	if info == nil {
		return p
	}
	p.database = info.Database
	switch strings.ToLower(info.Rule) {
	case RuleDatabaseSuffix:
		p.database = info.Database + tenant
	case RuleDatabasePrefix:
		p.database = tenant + info.Database
	case RuleTableSuffix:
		p.table = collection + "_" + tenant
	case RuleTablePrefix:
		p.table = tenant + "_" + collection
	}
	return p
}
