package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/config"
	"github.com/simplecrew/swcache/internal/logging"
	"github.com/simplecrew/swcache/internal/notify"
	"github.com/simplecrew/swcache/internal/proxy"
	"github.com/simplecrew/swcache/internal/server"
	"github.com/simplecrew/swcache/internal/server/routes"
	"github.com/simplecrew/swcache/internal/version"
	"github.com/simplecrew/swcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// registerTimeout 限制一次安装 + 激活（含预缓存）的总耗时。
const registerTimeout = 2 * time.Minute

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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["precache"] = len(cfg.Worker.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存后端 → 上游 client → worker 注册 → Fiber server，
	// 所有请求共享同一个 Registration 与缓存后端。
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网关失败: %v\n", err)
		return 1
	}
	defer gw.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["upstream"] = cfg.Global.Upstream
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	gw.registerVersion(context.Background(), cfg.Worker.CacheVersion)

	if err := config.Watch(opts.configPath, gw.onConfigChange); err != nil {
		logger.WithFields(logging.BaseFields("watch_config", opts.configPath)).
			WithError(err).
			Warn("配置热更新不可用")
	}

	if err := gw.listen(); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWCACHE_CONFIG")
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
	}, nil
}

// gateway 持有一次进程生命周期内共享的组件。
type gateway struct {
	cfg          *config.Config
	logger       *logrus.Logger
	storage      cache.Storage
	clients      *clients.Registry
	center       *notify.Center
	registration *worker.Registration
	app          *fiber.App
}

func buildGateway(cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	storage, err := cache.NewStorage(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存后端失败: %w", err)
	}

	upstream, err := proxy.NewUpstream(server.NewUpstreamClient(cfg), cfg.Global.Upstream)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	registry := clients.NewRegistryWithLimits(clients.Limits{
		IdleTTL:    cfg.Worker.ClientIdleTTL.DurationValue(),
		MaxClients: cfg.Worker.MaxClients,
	})
	center := notify.NewCenter(logger)
	registration := worker.NewRegistration(worker.Options{
		Origin: cfg.Worker.Origin,
		Prefixes: worker.Prefixes{
			API:    cfg.Worker.APIPrefix,
			Script: cfg.Worker.ScriptPrefix,
			Style:  cfg.Worker.StylePrefix,
		},
		Precache:     cfg.Worker.Precache,
		Storage:      storage,
		Network:      upstream,
		Clients:      registry,
		Notifier:     center,
		Notification: notify.FromConfig(cfg.Notification),
		Logger:       logger,
	})

	handler, err := proxy.NewHandler(proxy.HandlerOptions{
		Registration: registration,
		Network:      upstream,
		Clients:      registry,
		Origin:       cfg.Worker.Origin,
		Logger:       logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.ForwarderFor(handler),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Deps{
		Registration:  registration,
		Storage:       storage,
		Clients:       registry,
		Notifications: center,
		Logger:        logger,
	})

	return &gateway{
		cfg:          cfg,
		logger:       logger,
		storage:      storage,
		clients:      registry,
		center:       center,
		registration: registration,
		app:          app,
	}, nil
}

// registerVersion 安装并激活 version；失败时保留当前 worker，页面继续由旧版本或直连处理。
func (g *gateway) registerVersion(ctx context.Context, version string) bool {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	if _, err := g.registration.Register(ctx, version); err != nil {
		fields := logging.WorkerFields("register", version, worker.StateRedundant.String())
		if active := g.registration.Active(); active != nil {
			fields["active"] = active.Version()
		}
		g.logger.WithFields(fields).WithError(err).Error("worker 注册失败")
		return false
	}
	return true
}

// onConfigChange 仅响应 CacheVersion 的变化，其余字段需要重启进程生效。
func (g *gateway) onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		g.logger.WithFields(logging.BaseFields("reload_config", "")).
			WithError(err).
			Warn("配置重新加载失败，保持当前版本")
		return
	}
	active := g.registration.Active()
	if active != nil && active.Version() == cfg.Worker.CacheVersion {
		return
	}
	g.registerVersion(context.Background(), cfg.Worker.CacheVersion)
}

func (g *gateway) listen() error {
	port := g.cfg.Global.ListenPort

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.app.ShutdownWithContext(shutdownCtx); err != nil {
			g.logger.WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	g.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := g.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 等待后台缓存写入后关闭缓存后端。
func (g *gateway) Close() error {
	g.registration.Flush()
	return g.storage.Close()
}
