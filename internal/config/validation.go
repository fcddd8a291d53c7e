package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:       {},
	StorageDriverSQLite:   {},
	StorageDriverPostgres: {},
	StorageDriverMemory:   {},
}

const supportedStorageDriverList = "fs|sqlite|postgres|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
		if strings.TrimSpace(g.StoragePath) == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(g.StorageDSN) == "" {
			return newFieldError("Global.StorageDSN", "postgres 驱动必须提供 DSN")
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateOrigin(w.Upstream); err != nil {
		return fmt.Errorf("%s: %w", workerField("Upstream"), err)
	}
	if w.Scope != "" {
		if err := validateOrigin(w.Scope); err != nil {
			return fmt.Errorf("%s: %w", workerField("Scope"), err)
		}
	}
	if strings.TrimSpace(w.ManifestPath) == "" && strings.TrimSpace(w.Version) == "" {
		return newFieldError(workerField("Version"), "未配置 ManifestPath 时必须提供版本号")
	}
	if !strings.HasPrefix(w.OfflinePage, "/") {
		return newFieldError(workerField("OfflinePage"), "必须以 / 开头")
	}
	for _, route := range w.UncachedRoutes {
		if !strings.HasPrefix(route, "/") {
			return newFieldError(workerField("UncachedRoutes"), fmt.Sprintf("路径前缀必须以 / 开头: %q", route))
		}
	}
	for _, file := range append(append([]string(nil), w.BuildFiles...), w.StaticFiles...) {
		if !strings.HasPrefix(file, "/") {
			return newFieldError(workerField("BuildFiles/StaticFiles"), fmt.Sprintf("资源路径必须以 / 开头: %q", file))
		}
	}
	if w.InstallConcurrency <= 0 {
		return newFieldError(workerField("InstallConcurrency"), "必须大于 0")
	}
	switch w.ConnectivityMode {
	case ConnectivityAuto, ConnectivityOnline, ConnectivityOffline:
	default:
		return newFieldError(workerField("ConnectivityMode"), "仅支持 auto/online/offline")
	}
	if !strings.HasPrefix(w.ProbePath, "/") {
		return newFieldError(workerField("ProbePath"), "必须以 / 开头")
	}
	if w.ProbeInterval.DurationValue() <= 0 {
		return newFieldError(workerField("ProbeInterval"), "必须大于 0")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
