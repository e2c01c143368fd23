package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type defStoreOptions struct {
	Name      string        `def:"records"`
	Retries   int           `def:"3"`
	Ratio     float64       `def:"0.5"`
	Enabled   bool          `def:"true"`
	Endpoints []string      `def:"a:1, b:2"`
	Ports     []int         `def:"80,443"`
	Timeout   time.Duration `def:"1500ms"`
	Capacity  *uint32       `def:"64"`
	Plain     string

	Cache  defCacheOptions
	Remote *defCacheOptions
}

type defCacheOptions struct {
	Size int    `def:"1024"`
	Mode string `def:"lru"`
}

func TestSetDefaults_Fields(t *testing.T) {
	options := &defStoreOptions{}
	assert.NoError(t, SetDefaults(options))

	assert.Equal(t, "records", options.Name)
	assert.Equal(t, 3, options.Retries)
	assert.Equal(t, 0.5, options.Ratio)
	assert.True(t, options.Enabled)
	assert.Equal(t, []string{"a:1", "b:2"}, options.Endpoints)
	assert.Equal(t, []int{80, 443}, options.Ports)
	assert.Equal(t, 1500*time.Millisecond, options.Timeout)
	assert.NotNil(t, options.Capacity)
	assert.Equal(t, uint32(64), *options.Capacity)
	assert.Empty(t, options.Plain)
	assert.Equal(t, defCacheOptions{Size: 1024, Mode: "lru"}, options.Cache)
	assert.Nil(t, options.Remote)
}

func TestSetDefaults_KeepValues(t *testing.T) {
	options := &defStoreOptions{
		Name:      "custom",
		Endpoints: []string{"c:3"},
		Remote:    &defCacheOptions{Mode: "fifo"},
	}
	assert.NoError(t, SetDefaults(options))

	assert.Equal(t, "custom", options.Name)
	assert.Equal(t, []string{"c:3"}, options.Endpoints)
	assert.Equal(t, &defCacheOptions{Size: 1024, Mode: "fifo"}, options.Remote)
}

func TestSetDefaults_Invalid(t *testing.T) {
	assert.Error(t, SetDefaults(nil))
	assert.Error(t, SetDefaults(defStoreOptions{}))

	var nilOptions *defStoreOptions
	assert.Error(t, SetDefaults(nilOptions))

	assert.Error(t, SetDefaults(&struct {
		Retries int `def:"many"`
	}{}))
	assert.Error(t, SetDefaults(&struct {
		Timeout time.Duration `def:"soon"`
	}{}))
	assert.Error(t, SetDefaults(&struct {
		Ports []int `def:"80,x"`
	}{}))
	assert.Error(t, SetDefaults(&struct {
		Extra map[string]string `def:"a=b"`
	}{}))
}
