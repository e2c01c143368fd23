package uid

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// 1 位符号位 + 41 位时间戳 + 10 位机器 id + 12 位序列号
const (
	sequenceBits  = 12
	machineIDBits = 10

	maxSequence  = (1 << sequenceBits) - 1
	maxMachineID = (1 << machineIDBits) - 1

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

var snowflakeEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type SnowflakeOptions struct {
	// 机器 id，为 nil 时由本机 IPv4 地址推导
	MachineID *int64 `cfg:"machineID"`
}

// SnowflakeGenerator 无锁 Snowflake 生成器
type SnowflakeGenerator struct {
	state     atomic.Int64 // 高位时间戳 + 低 12 位序列号
	machineID int64
}

func NewSnowflakeGeneratorWithOptions(options *SnowflakeOptions) *SnowflakeGenerator {
	machineID := machineIDFromIP()
	if options != nil && options.MachineID != nil {
		machineID = *options.MachineID
	}
	g := &SnowflakeGenerator{machineID: machineID & maxMachineID}
	g.state.Store((time.Now().UnixMilli() - snowflakeEpoch) << sequenceBits)
	return g
}

func machineIDFromIP() int64 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				return int64(ipv4[2])<<8 | int64(ipv4[3])
			}
		}
	}
	return 0
}

func (g *SnowflakeGenerator) Generate(context.Context) (int64, error) {
	return g.Next(), nil
}

// Next 生成下一个 id，同一毫秒序列号耗尽时自旋等待下一毫秒
func (g *SnowflakeGenerator) Next() int64 {
	for {
		old := g.state.Load()
		ts, seq := old>>sequenceBits, old&maxSequence

		now := time.Now().UnixMilli() - snowflakeEpoch
		if now < ts {
			// 时钟回拨，沿用上一个时间戳
			now = ts
		}
		if now == ts {
			seq = (seq + 1) & maxSequence
			if seq == 0 {
				for now <= ts {
					now = time.Now().UnixMilli() - snowflakeEpoch
				}
			}
		} else {
			seq = 0
		}

		if g.state.CompareAndSwap(old, now<<sequenceBits|seq) {
			return now<<timestampShift | g.machineID<<machineIDShift | seq
		}
	}
}
