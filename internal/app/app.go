// Package app 把配置、日志和各个 proxypool 组件组装成一次命令行运行。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"subscribe_nexus/internal/shared/config"
	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/internal/shared/metrics"
	"subscribe_nexus/internal/shared/types"
	manager "subscribe_nexus/proxypool"
	"subscribe_nexus/proxypool/aggregator"
	"subscribe_nexus/proxypool/engine"
	"subscribe_nexus/proxypool/executor"
	"subscribe_nexus/proxypool/gist"
	"subscribe_nexus/proxypool/lifecycle"
	"subscribe_nexus/proxypool/scraper"
	"subscribe_nexus/proxypool/storage"
)

// 进程退出码。
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitEmpty 表示本次运行没有可用数据，流程按预期提前结束。
	ExitEmpty = 2
)

// 支持的子命令。
const (
	CommandCollect = "collect"
	CommandFastest = "fastest"
	CommandRefresh = "refresh"
	CommandConvert = "convert"
	CommandCustom  = "custom"
)

// IniFileName 是配置目录下的行为配置文件。
const IniFileName = "harvest.ini"

// Options 是命令行传入的参数。零值字段不覆盖 ini 中的配置。
type Options struct {
	ConfigDir string
	// EnvLookup 为 nil 时读取进程环境变量和 .env 文件。
	EnvLookup func(string) (string, bool)
	// HTTPClient 用于订阅获取、状态检查和 gist 访问，为 nil 时按 fetch_timeout 创建。
	HTTPClient *http.Client
	Stderr     io.Writer

	Refresh   bool
	Overwrite bool
	Pages     int
	// Num 覆盖获取任务的并发数。
	Num       int
	MaxCount  int
	Invisible bool
}

// Main 执行一个子命令并返回进程退出码。
func Main(ctx context.Context, command string, opts Options) int {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	iniPath := filepath.Join(opts.ConfigDir, IniFileName)
	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		return ExitFailure
	}
	applyFlags(cfg, opts)

	if err := logger.InitWithWriter(cfg.LogConf, stderr); err != nil {
		fmt.Fprintf(stderr, "Fatal: Failed to initialize logger: %v\n", err)
		return ExitFailure
	}

	env := config.LoadEnv(opts.EnvLookup, ".env")
	if err := config.Validate(command, env); err != nil {
		fmt.Fprintf(stderr, "Fatal: %v\n", err)
		return ExitFailure
	}

	l := logger.WithComponent("App")
	run := metrics.NewRun(command)
	mgr := build(cfg, env, opts, run)

	var err error
	switch command {
	case CommandCollect:
		_, err = mgr.Collect(ctx, manager.CollectOptions{
			Refresh:   opts.Refresh,
			Overwrite: opts.Overwrite,
			MaxCount:  opts.MaxCount,
		})
	case CommandFastest:
		_, err = mgr.Fastest(ctx, opts.MaxCount)
	case CommandRefresh:
		_, err = mgr.Refresh(ctx)
	case CommandConvert:
		err = mgr.Convert(ctx)
	case CommandCustom:
		_, err = mgr.Custom(ctx)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}

	if env.PushgatewayURL != "" {
		if perr := run.Push(ctx, env.PushgatewayURL, "harvest"); perr != nil {
			l.Warn().Err(perr).Str("gateway", env.PushgatewayURL).Msg("Failed to push metrics")
		}
	}

	code := ExitCode(err)
	switch code {
	case ExitOK:
		l.Info().Str("command", command).Msg("Done.")
	case ExitEmpty:
		l.Warn().Err(err).Str("command", command).Msg("Nothing to do, exiting.")
	default:
		l.Error().Err(err).Str("command", command).Msg("Command failed.")
	}
	return code
}

// ExitCode 把运行结果映射为退出码。
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, manager.ErrNoSources),
		errors.Is(err, manager.ErrNoNodes),
		errors.Is(err, manager.ErrNoSurvivors):
		return ExitEmpty
	default:
		return ExitFailure
	}
}

func applyFlags(cfg *types.Config, opts Options) {
	if opts.Pages > 0 {
		cfg.CollectConf.Pages = opts.Pages
	}
	if opts.Num > 0 {
		cfg.CollectConf.Concurrency = opts.Num
	}
	if opts.Overwrite {
		cfg.CollectConf.Overwrite = true
	}
	if opts.Invisible {
		cfg.CollectConf.Display = false
	}
}

func build(cfg *types.Config, env types.Env, opts Options, run *metrics.Run) *manager.Manager {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.CollectConf.FetchTimeout) * time.Second}
	}

	store := storage.NewFileStorage(cfg.CollectConf.DataDir)
	fetcher := scraper.NewHTTPClient(httpClient)
	filter := lifecycle.NewFilter(fetcher, executor.Options{
		Concurrency:  cfg.LifecycleConf.Concurrency,
		ShowProgress: cfg.CollectConf.Display,
		Description:  "checking",
	})

	crawler := scraper.NewTelegramCrawler()
	crawler.Transport = httpClient.Transport

	prober := engine.NewProber(engine.Options{
		Workspace:      cfg.ProbeConf.Workspace,
		ConfigFile:     cfg.ProbeConf.ConfigFile,
		ControllerAddr: cfg.ProbeConf.ControllerAddr,
		MixedPort:      cfg.ProbeConf.MixedPort,
		TestURL:        cfg.ProbeConf.TestURL,
		Timeout:        time.Duration(cfg.ProbeConf.TimeoutMs) * time.Millisecond,
		Concurrency:    cfg.ProbeConf.Concurrency,
		SettleMin:      time.Duration(cfg.ProbeConf.SettleMinSec) * time.Second,
		SettleMax:      time.Duration(cfg.ProbeConf.SettleMaxSec) * time.Second,
		ShowProgress:   cfg.CollectConf.Display,
	},
		&engine.ExecLauncher{Workspace: cfg.ProbeConf.Workspace, BinName: cfg.ProbeConf.BinName},
		engine.NewHTTPController(cfg.ProbeConf.ControllerAddr, &http.Client{}),
	)

	deps := manager.Deps{
		Storage:   store,
		Fetcher:   fetcher,
		Lifecycle: filter,
		Prober:    prober,
		Metrics:   run,
	}

	// 接口字段只在凭据存在时赋值，避免出现持有 nil 指针的非 nil 接口。
	if env.GistToken != "" {
		gc := gist.NewClient(env.GistToken, httpClient)
		deps.Publisher = gc
		deps.Aggregator = aggregator.New(store, fetcher, gc, crawler, filter)
	} else {
		deps.Aggregator = aggregator.New(store, fetcher, nil, crawler, filter)
	}

	return manager.NewManager(cfg, env, deps)
}
