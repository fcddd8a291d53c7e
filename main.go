package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/assets"
	"github.com/any-hub/offline-worker/internal/config"
	"github.com/any-hub/offline-worker/internal/logging"
	"github.com/any-hub/offline-worker/internal/proxy"
	"github.com/any-hub/offline-worker/internal/server"
	"github.com/any-hub/offline-worker/internal/server/routes"
	"github.com/any-hub/offline-worker/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	installOnly bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	manifest, err := assets.Resolve(cfg.Worker)
	if err != nil {
		fmt.Fprintf(stdErr, "加载资源清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = manifest.Version
		fields["static_assets"] = len(manifest.ToCache())
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存后端 → 上游 fetcher → 连通性探测 → worker install/activate → Fiber server，
	// 所有请求共享同一份 worker 与缓存实例。
	rt, err := bootstrap(ctx, cfg, manifest, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := rt.worker.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "worker 启动失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["scope"] = rt.route.Scope.String()
	fields["upstream"] = rt.route.Upstream.String()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["cache"] = rt.worker.StaticCacheName()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("worker 已激活")

	if opts.installOnly {
		return 0
	}

	go rt.monitor.Run(ctx)

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		installOnly bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与资源清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&installOnly, "install-only", false, "执行 install/activate 预热缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_WORKER_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		installOnly: installOnly,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *workerRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(rt.worker, rt.fetcher, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      rt.route,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterDiagnostics(app, routes.Deps{
				Worker:       rt.worker,
				Connectivity: rt.monitor,
				Logger:       logger,
			})
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
