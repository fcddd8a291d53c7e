package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultUncachedRoutes 是未显式配置时永不拦截的路径前缀。
var DefaultUncachedRoutes = []string{"/søk", "/stasjon"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver != StorageDriverPostgres && cfg.Global.StorageDriver != StorageDriverMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	// 相对的清单路径以配置文件所在目录为基准，方便与构建产物放在一起。
	if manifest := cfg.Worker.ManifestPath; manifest != "" && !filepath.IsAbs(manifest) {
		cfg.Worker.ManifestPath = filepath.Join(filepath.Dir(path), manifest)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Worker.OfflinePage", "/offline.html")
	v.SetDefault("Worker.UncachedRoutes", DefaultUncachedRoutes)
	v.SetDefault("Worker.InstallConcurrency", 8)
	v.SetDefault("Worker.ConnectivityMode", ConnectivityAuto)
	v.SetDefault("Worker.ProbePath", "/")
	v.SetDefault("Worker.ProbeInterval", "10s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	if strings.TrimSpace(w.OfflinePage) == "" {
		w.OfflinePage = "/offline.html"
	}
	if w.UncachedRoutes == nil {
		w.UncachedRoutes = append([]string(nil), DefaultUncachedRoutes...)
	}
	if w.InstallConcurrency <= 0 {
		w.InstallConcurrency = 8
	}
	w.ConnectivityMode = strings.ToLower(strings.TrimSpace(w.ConnectivityMode))
	if w.ConnectivityMode == "" {
		w.ConnectivityMode = ConnectivityAuto
	}
	if strings.TrimSpace(w.ProbePath) == "" {
		w.ProbePath = "/"
	}
	if w.ProbeInterval.DurationValue() <= 0 {
		w.ProbeInterval = Duration(10 * time.Second)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
