package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端驱动名称。
const (
	StorageDriverFS       = "fs"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// 连通性模式：auto 依赖探测结果，online/offline 为人工覆盖。
const (
	ConnectivityAuto    = "auto"
	ConnectivityOnline  = "online"
	ConnectivityOffline = "offline"
)

// GlobalConfig 描述进程级运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDSN      string   `mapstructure:"StorageDSN"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 决定离线缓存 worker 的作用域、资源清单与拦截规则。
type WorkerConfig struct {
	// Upstream 是被代理的 Web 应用地址，所有网络请求最终发往这里。
	Upstream string `mapstructure:"Upstream"`
	// Scope 是 worker 对外提供服务的 origin（相当于浏览器中的 self.location）。
	Scope string `mapstructure:"Scope"`
	// ManifestPath 指向构建产物清单（version/build/files），可为空。
	ManifestPath string   `mapstructure:"ManifestPath"`
	Version      string   `mapstructure:"Version"`
	BuildFiles   []string `mapstructure:"BuildFiles"`
	StaticFiles  []string `mapstructure:"StaticFiles"`
	OfflinePage  string   `mapstructure:"OfflinePage"`
	// UncachedRoutes 中的路径前缀永远不会被拦截。
	UncachedRoutes     []string `mapstructure:"UncachedRoutes"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	ConnectivityMode   string   `mapstructure:"ConnectivityMode"`
	ProbePath          string   `mapstructure:"ProbePath"`
	ProbeInterval      Duration `mapstructure:"ProbeInterval"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// ScopeOrUpstream 返回 worker 的作用域 origin，未配置时回退到 Upstream。
func (w WorkerConfig) ScopeOrUpstream() string {
	if scope := strings.TrimSpace(w.Scope); scope != "" {
		return scope
	}
	return strings.TrimSpace(w.Upstream)
}
