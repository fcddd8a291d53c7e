package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/assets"
	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/version"
	"github.com/any-hub/offline-worker/internal/worker"
)

// WorkerStatus 是诊断接口读取的 worker 视图。
type WorkerStatus interface {
	Version() string
	State() worker.State
	StaticAssets() *assets.Set
	Storage() *cache.Storage
	Online() bool
}

// Connectivity 是诊断接口读取/覆盖的连通性视图。
type Connectivity interface {
	Mode() string
	SetMode(mode string) error
	Reachable() bool
}

// Deps 汇集诊断接口的依赖。
type Deps struct {
	Worker       WorkerStatus
	Connectivity Connectivity
	Logger       *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/status、/-/caches/:name 与 /-/connectivity 诊断接口。
func RegisterDiagnostics(app *fiber.App, deps Deps) {
	if app == nil || deps.Worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		generations, err := encodeGenerations(c.Context(), deps.Worker.Storage())
		if err != nil {
			logDiagnosticsError(deps.Logger, c, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
		}
		return c.JSON(statusPayload{
			Build:        version.Full(),
			Version:      deps.Worker.Version(),
			State:        deps.Worker.State().String(),
			Online:       deps.Worker.Online(),
			Connectivity: encodeConnectivity(deps.Connectivity),
			StaticAssets: deps.Worker.StaticAssets().Len(),
			StaticCache:  worker.StaticCacheName(deps.Worker.Version()),
			OfflineCache: worker.OfflineCacheName(deps.Worker.Version()),
			CacheEntries: generations,
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		generation, err := deps.Worker.Storage().Lookup(c.Context(), name)
		if errors.Is(err, cache.ErrGenerationNotFound) || errors.Is(err, cache.ErrInvalidName) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			logDiagnosticsError(deps.Logger, c, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
		}
		keys, err := generation.Keys(c.Context())
		if err != nil {
			logDiagnosticsError(deps.Logger, c, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
		}
		if keys == nil {
			keys = []string{}
		}
		return c.JSON(fiber.Map{"name": name, "entries": keys})
	})

	app.Put("/-/connectivity", func(c fiber.Ctx) error {
		if deps.Connectivity == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		var body struct {
			Mode string `json:"mode"`
		}
		if err := c.Bind().JSON(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
		}
		if err := deps.Connectivity.SetMode(body.Mode); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_mode"})
		}
		return c.JSON(encodeConnectivity(deps.Connectivity))
	})
}

type statusPayload struct {
	Build        string               `json:"build"`
	Version      string               `json:"version"`
	State        string               `json:"state"`
	Online       bool                 `json:"online"`
	Connectivity *connectivityPayload `json:"connectivity,omitempty"`
	StaticAssets int                  `json:"static_assets"`
	StaticCache  string               `json:"static_cache"`
	OfflineCache string               `json:"offline_cache"`
	CacheEntries []generationPayload  `json:"caches"`
}

type connectivityPayload struct {
	Mode      string `json:"mode"`
	Reachable bool   `json:"reachable"`
}

type generationPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func encodeConnectivity(conn Connectivity) *connectivityPayload {
	if conn == nil {
		return nil
	}
	return &connectivityPayload{Mode: conn.Mode(), Reachable: conn.Reachable()}
}

// encodeGenerations 按创建顺序列出缓存代及条目数，只读，不会创建缓存代。
func encodeGenerations(ctx context.Context, storage *cache.Storage) ([]generationPayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]generationPayload, 0, len(names))
	for _, name := range names {
		generation, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrGenerationNotFound) {
			// 列出后被并发删除
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := generation.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, generationPayload{Name: name, Entries: len(keys)})
	}
	return result, nil
}

func logDiagnosticsError(logger *logrus.Logger, c fiber.Ctx, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"action": "diagnostics",
		"path":   string(c.Request().URI().Path()),
	}).WithError(err).Error("diagnostics_failed")
}
