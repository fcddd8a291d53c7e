// Package assets 负责加载构建清单，并提供 worker 生命周期内不可变的静态资源集合。
package assets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/any-hub/offline-worker/internal/config"
)

// ErrMissingVersion 表示清单与配置均未提供版本号。
var ErrMissingVersion = errors.New("asset version is required")

// Manifest 描述一次构建的产物：版本号、构建输出文件与静态目录文件。
// 对 worker 而言这些都是不透明输入。
type Manifest struct {
	Version string   `mapstructure:"version"`
	Build   []string `mapstructure:"build"`
	Files   []string `mapstructure:"files"`
}

// LoadManifest 读取 JSON 构建清单。
func LoadManifest(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取构建清单失败: %w", err)
	}

	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, fmt.Errorf("解析构建清单失败: %w", err)
	}
	m.Version = strings.TrimSpace(m.Version)
	return &m, nil
}

// Resolve 合并清单文件与 [Worker] 配置：配置中的文件追加在清单之后，配置的 Version 覆盖清单版本。
func Resolve(cfg config.WorkerConfig) (*Manifest, error) {
	m := &Manifest{}
	if path := strings.TrimSpace(cfg.ManifestPath); path != "" {
		loaded, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		m = loaded
	}

	if version := strings.TrimSpace(cfg.Version); version != "" {
		m.Version = version
	}
	m.Build = append(m.Build, cfg.BuildFiles...)
	m.Files = append(m.Files, cfg.StaticFiles...)

	if m.Version == "" {
		return nil, ErrMissingVersion
	}
	for _, p := range m.ToCache() {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("资源路径必须以 / 开头: %q", p)
		}
	}
	return m, nil
}

// ToCache 返回需要预缓存的完整路径列表（build 在前，files 在后），重复路径只保留首次出现。
func (m *Manifest) ToCache() []string {
	if m == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(m.Build)+len(m.Files))
	out := make([]string, 0, len(m.Build)+len(m.Files))
	for _, list := range [][]string{m.Build, m.Files} {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Set 是构造后只读的静态资源路径集合，可被多个请求并发查询。
type Set struct {
	paths map[string]struct{}
}

// NewSet 基于路径列表构建集合。
func NewSet(paths []string) *Set {
	set := &Set{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		set.paths[p] = struct{}{}
	}
	return set
}

// Has 判断路径是否属于静态资源。
func (s *Set) Has(path string) bool {
	if s == nil {
		return false
	}
	_, ok := s.paths[path]
	return ok
}

// Len 返回集合大小。
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.paths)
}
