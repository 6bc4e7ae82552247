package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/cachekey"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/mediacache"
	"github.com/any-hub/media-cache/internal/server"
	"github.com/any-hub/media-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
	args        []string
}

const configEnv = "MEDIA_CACHE_CONFIG"

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

	logger, closeLog, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer closeLog()

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["namespace"] = cfg.Global.Namespace
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 → 下载客户端 → 引擎，所有子命令共享同一套实例。
	store, err := cache.NewDiskStore(cfg.Global.StoragePath, cfg.Global.Namespace)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	fetcher := fetch.New(server.NewUpstreamClient(cfg), fetch.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		UserAgent:      cfg.Global.UserAgent,
	})
	engine, err := mediacache.New(mediacache.Config{
		Store:        store,
		Fetcher:      fetcher,
		Logger:       logger,
		FetchTimeout: cfg.Global.FetchTimeout.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case "", "serve":
		fields := logging.BaseFields("startup", opts.configPath)
		fields["listen_port"] = cfg.Global.ListenPort
		fields["storage_path"] = cfg.Global.StoragePath
		fields["version"] = version.Full()
		logger.WithFields(fields).Info("配置加载完成")

		if err := startHTTPServer(ctx, cfg, engine, store, logger); err != nil {
			fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
			return 1
		}
		return 0
	case "fetch":
		return runFetch(ctx, engine, opts.args)
	case "stat":
		return runStat(ctx, engine, opts.args)
	case "clear":
		if err := engine.ClearCache(ctx); err != nil {
			fmt.Fprintf(stdErr, "清空缓存失败: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stdErr, "未知子命令: %s\n", opts.command)
		return 2
	}
}

// runFetch 缓存单个条目并输出其 file:// URI。
func runFetch(ctx context.Context, engine *mediacache.Engine, args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "自定义缓存名，替代 identifier 参与 key 推导")
	rawType := fs.String("type", "", "文件类型：image/video，留空表示无扩展名")
	token := fs.String("token", "", "下载时附加的 Bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stdErr, "用法: media-cache fetch [-name N] [-type T] [-token X] <identifier>")
		return 2
	}
	fileType, err := cachekey.ParseFileType(*rawType)
	if err != nil {
		fmt.Fprintf(stdErr, "%v\n", err)
		return 2
	}

	uri, ok := engine.CacheItem(ctx, fs.Arg(0), mediacache.Options{
		CustomName: *name,
		FileType:   fileType,
		AuthToken:  *token,
	})
	if !ok {
		fmt.Fprintln(stdErr, "缓存失败，详情见日志")
		return 1
	}
	fmt.Fprintln(stdOut, uri)
	return 0
}

// runStat 查询已缓存条目并以 JSON 输出，未命中返回 1。
func runStat(ctx context.Context, engine *mediacache.Engine, args []string) int {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rawType := fs.String("type", "", "文件类型：image/video")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stdErr, "用法: media-cache stat [-type T] <name>")
		return 2
	}
	fileType, err := cachekey.ParseFileType(*rawType)
	if err != nil {
		fmt.Fprintf(stdErr, "%v\n", err)
		return 2
	}

	entry, ok := engine.GetCache(ctx, fs.Arg(0), fileType)
	if !ok {
		fmt.Fprintln(stdErr, "未缓存")
		return 1
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entry); err != nil {
		fmt.Fprintf(stdErr, "输出失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("media-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	// 未显式指定时，仅在 ./config.toml 存在时读取，否则只用默认值与环境变量。
	if path == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			path = "config.toml"
		}
	}

	opts := cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}
	if rest := fs.Args(); len(rest) > 0 {
		opts.command = rest[0]
		opts.args = rest[1:]
	}
	switch opts.command {
	case "", "serve", "fetch", "stat", "clear":
	default:
		return cliOptions{}, fmt.Errorf("未知子命令: %s", opts.command)
	}
	return opts, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, engine *mediacache.Engine, store cache.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Cache:      engine,
		Store:      store,
		ListenPort: port,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
