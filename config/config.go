// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	VirtualMap VirtualMapConfig `yaml:"virtualMap"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
}

// VirtualMapConfig 虚拟 Merkle 树配置
type VirtualMapConfig struct {
	// 哈希
	HasherChunkHeight int    `yaml:"hasherChunkHeight"` // 5，一个并行任务覆盖的层数
	NumHashThreads    int    `yaml:"numHashThreads"`    // 0 = runtime.NumCPU()
	DigestAlgorithm   string `yaml:"digestAlgorithm"`   // "sha384"

	// 刷盘
	FlushInterval               uint64 `yaml:"flushInterval"`               // 20，每隔多少个版本例行刷盘
	CopyFlushCandidateThreshold int64  `yaml:"copyFlushCandidateThreshold"` // 64 << 20，0 = 关闭按大小刷盘

	// 反压
	FamilyThrottleThreshold int64   `yaml:"familyThrottleThreshold"` // 0 = 关闭
	FamilyThrottlePercent   float64 `yaml:"familyThrottlePercent"`   // 0 = 关闭，相对 GOMEMLIMIT 的百分比
}

// ReconnectConfig 重连（teacher/learner）配置
type ReconnectConfig struct {
	Mode                   string        `yaml:"mode"`                   // "pullTopToBottom"
	FlushInterval          int           `yaml:"flushInterval"`          // 50000，0 = 结束时一次性刷盘
	MaxOutstandingRequests int           `yaml:"maxOutstandingRequests"` // 4096，并行模式下未应答请求上限
	TeacherWorkers         int           `yaml:"teacherWorkers"`         // 4
	ResponseBatchSize      int           `yaml:"responseBatchSize"`      // 256
	Timeout                time.Duration `yaml:"timeout"`                // 5 * time.Minute，单次读写超时
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Backend    string `yaml:"backend"`    // "badger"，可选 "pebble" / "leveldb"
	DataDir    string `yaml:"dataDir"`    // "data/vmap"
	InMemory   bool   `yaml:"inMemory"`   // false
	SyncWrites bool   `yaml:"syncWrites"` // false

	// 读缓存
	HashCacheSize int `yaml:"hashCacheSize"` // 100000
	LeafCacheSize int `yaml:"leafCacheSize"` // 50000
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // "info"
}

// 重连模式名
const (
	ModePush                    = "push"
	ModePullTopToBottom         = "pullTopToBottom"
	ModePullTwoPhasePessimistic = "pullTwoPhasePessimistic"
	ModePullParallelSync        = "pullParallelSync"
)

// 存储后端名
const (
	BackendBadger  = "badger"
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		VirtualMap: VirtualMapConfig{
			HasherChunkHeight:           5,
			NumHashThreads:              0,
			DigestAlgorithm:             "sha384",
			FlushInterval:               20,
			CopyFlushCandidateThreshold: 64 << 20,
			FamilyThrottleThreshold:     0,
			FamilyThrottlePercent:       0,
		},
		Reconnect: ReconnectConfig{
			Mode:                   ModePullTopToBottom,
			FlushInterval:          50000,
			MaxOutstandingRequests: 4096,
			TeacherWorkers:         4,
			ResponseBatchSize:      256,
			Timeout:                5 * time.Minute,
		},
		Database: DatabaseConfig{
			Backend:       BackendBadger,
			DataDir:       "data/vmap",
			HashCacheSize: 100000,
			LeafCacheSize: 50000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile 在默认配置上叠加 yaml 文件，path 为空时直接返回默认配置
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	ErrInvalidMode    = errors.New("invalid reconnect mode")
	ErrInvalidBackend = errors.New("invalid database backend")
)

// ValidMode 判断重连模式名是否合法
func ValidMode(mode string) bool {
	switch mode {
	case ModePush, ModePullTopToBottom, ModePullTwoPhasePessimistic, ModePullParallelSync:
		return true
	}
	return false
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	vm := c.VirtualMap
	if vm.HasherChunkHeight <= 0 || vm.HasherChunkHeight > 32 {
		return fmt.Errorf("hasherChunkHeight must be in [1,32], got %d", vm.HasherChunkHeight)
	}
	if vm.NumHashThreads < 0 {
		return fmt.Errorf("numHashThreads must be >= 0")
	}
	if vm.FlushInterval == 0 {
		return fmt.Errorf("flushInterval must be positive")
	}
	if vm.CopyFlushCandidateThreshold < 0 || vm.FamilyThrottleThreshold < 0 {
		return fmt.Errorf("size thresholds must be >= 0")
	}
	if vm.FamilyThrottlePercent < 0 || vm.FamilyThrottlePercent > 100 {
		return fmt.Errorf("familyThrottlePercent must be in [0,100], got %v", vm.FamilyThrottlePercent)
	}

	rc := c.Reconnect
	if !ValidMode(rc.Mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, rc.Mode)
	}
	if rc.FlushInterval < 0 {
		return fmt.Errorf("reconnect flushInterval must be >= 0")
	}
	if rc.MaxOutstandingRequests <= 0 || rc.TeacherWorkers <= 0 || rc.ResponseBatchSize <= 0 {
		return fmt.Errorf("reconnect pipeline sizes must be positive")
	}

	switch c.Database.Backend {
	case BackendBadger, BackendPebble, BackendLevelDB:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Database.Backend)
	}
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("database dataDir is required unless inMemory")
	}
	return nil
}
