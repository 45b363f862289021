package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"subscribe_nexus/internal/shared/config"
	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/internal/shared/metrics"
	"subscribe_nexus/internal/shared/types"
	"subscribe_nexus/proxypool/aggregator"
	"subscribe_nexus/proxypool/engine"
	"subscribe_nexus/proxypool/executor"
	"subscribe_nexus/proxypool/lifecycle"
	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/normalizer"
	"subscribe_nexus/proxypool/ranker"
	"subscribe_nexus/proxypool/scraper"
	"subscribe_nexus/proxypool/storage"
	"subscribe_nexus/proxypool/validator"
	"subscribe_nexus/proxypool/vmess"
)

// 以下错误表示本次运行没有可处理的数据，属于正常终止而不是崩溃。
var (
	ErrNoSources   = errors.New("no subscription sources found")
	ErrNoNodes     = errors.New("no proxy nodes parsed from sources")
	ErrNoSurvivors = errors.New("no proxy nodes survived probing")
)

// 发布到远端存储的文件名。
const (
	fileClash      = "clash.yaml"
	fileV2ray      = "v2ray.txt"
	fileSubscribes = "subscribes.txt"
	fileFastest    = "fastest_proxies.yaml"
)

// Assigner 生成获取任务。
type Assigner interface {
	Assign(ctx context.Context, opts aggregator.Options) (*aggregator.Result, error)
	LoadExisting(ctx context.Context, opts aggregator.Options) ([]string, error)
}

// Prober 探测一批节点。
type Prober interface {
	Probe(ctx context.Context, nodes []model.ProxyNode) ([]model.ProbeResult, error)
}

// Publisher 是远端存储中用到的两个操作。
type Publisher interface {
	FileContent(ctx context.Context, id, filename string) (string, error)
	Update(ctx context.Context, id string, files map[string]string) error
}

// Deps 是 Manager 的协作者；Publisher 在没有凭据时为 nil。
type Deps struct {
	Storage    *storage.FileStorage
	Aggregator Assigner
	Fetcher    aggregator.Fetcher
	Registrar  scraper.Registrar
	Lifecycle  *lifecycle.Filter
	Prober     Prober
	Publisher  Publisher
	Metrics    *metrics.Run
	Now        func() time.Time
}

// CollectOptions 是 collect 命令行参数覆盖的部分。
type CollectOptions struct {
	Refresh   bool
	Overwrite bool
	MaxCount  int
}

// Report 汇总一次运行的计数。
type Report struct {
	Tasks     int
	Parsed    int
	Alive     int
	Published int
	Discarded int
}

// Manager 是订阅收集流程的总控制器。
type Manager struct {
	cfg  *types.Config
	env  types.Env
	deps Deps
}

// NewManager 创建并初始化 Manager。
func NewManager(cfg *types.Config, env types.Env, deps Deps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRun("unknown")
	}
	if deps.Registrar == nil {
		deps.Registrar = scraper.LinkRegistrar{}
	}
	return &Manager{cfg: cfg, env: env, deps: deps}
}

// Collect 执行完整流程：分配任务 -> 获取订阅 -> 解析 -> 校验 -> 探测 -> 排序 -> 写出 -> 发布。
func (m *Manager) Collect(ctx context.Context, opts CollectOptions) (*Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting collect cycle...")

	aggOpts := m.aggregatorOptions()
	aggOpts.Refresh = opts.Refresh
	aggOpts.Overwrite = aggOpts.Overwrite || opts.Overwrite

	assigned, err := m.deps.Aggregator.Assign(ctx, aggOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to assign tasks: %w", err)
	}
	report := &Report{Tasks: len(assigned.Tasks)}
	m.deps.Metrics.Sources.Add(float64(report.Tasks))
	if report.Tasks == 0 {
		return report, ErrNoSources
	}

	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = m.cfg.OutputConf.MaxCount
	}
	ranked, err := m.harvest(ctx, assigned.Tasks, maxCount, report)
	if err != nil {
		return report, err
	}

	now := m.deps.Now()
	clash, err := m.deps.Storage.WriteProxies(m.cfg.OutputConf.ClashFile, ranked.nodes)
	if err != nil {
		return report, err
	}
	v2ray := vmess.Subscription(ranked.nodes, now)
	if err := m.deps.Storage.WriteText(m.cfg.OutputConf.V2rayFile, v2ray); err != nil {
		return report, err
	}
	if err := m.deps.Storage.SaveSubscriptions(m.cfg.CollectConf.SubscribesFile, ranked.origins); err != nil {
		return report, err
	}
	report.Published = len(ranked.nodes)
	m.deps.Metrics.NodesPublished.Add(float64(report.Published))

	if m.deps.Publisher != nil && m.env.HasGist() {
		subs, err := m.deps.Storage.ReadText(m.cfg.CollectConf.SubscribesFile)
		if err != nil {
			return report, err
		}
		err = m.deps.Publisher.Update(ctx, m.env.GistID, map[string]string{
			fileClash:      string(clash),
			fileV2ray:      v2ray,
			fileSubscribes: subs,
		})
		if err != nil {
			return report, fmt.Errorf("failed to publish results: %w", err)
		}
	} else {
		l.Info().Msg("Gist credentials not configured, skip publishing.")
	}

	l.Info().
		Int("tasks", report.Tasks).
		Int("parsed", report.Parsed).
		Int("alive", report.Alive).
		Int("published", report.Published).
		Msg("Collect cycle finished.")
	return report, nil
}

// Fastest 探测已有订阅中的全部节点，保留最快的 maxCount 个。
func (m *Manager) Fastest(ctx context.Context, maxCount int) (*Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	if maxCount <= 0 {
		maxCount = m.cfg.OutputConf.FastestMaxCount
	}

	subs, err := m.deps.Aggregator.LoadExisting(ctx, m.aggregatorOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	tasks := lo.Map(subs, func(sub string, _ int) model.TaskConfig {
		return model.TaskConfig{ID: model.NewTaskID(), Name: scraper.NameFor(sub), Sub: sub}
	})
	report := &Report{Tasks: len(tasks)}
	m.deps.Metrics.Sources.Add(float64(report.Tasks))
	if len(tasks) == 0 {
		return report, ErrNoSources
	}

	ranked, err := m.harvest(ctx, tasks, maxCount, report)
	if err != nil {
		return report, err
	}
	data, err := m.deps.Storage.WriteProxies(m.cfg.OutputConf.FastestFile, ranked.nodes)
	if err != nil {
		return report, err
	}
	report.Published = len(ranked.nodes)
	m.deps.Metrics.NodesPublished.Add(float64(report.Published))

	switch id := m.v2rayGistID(); {
	case m.deps.Publisher == nil:
	case id == "":
		l.Info().Msg("V2RAY_GIST_LINK not set, skipping upload.")
	default:
		if err := m.deps.Publisher.Update(ctx, id, map[string]string{fileFastest: string(data)}); err != nil {
			return report, fmt.Errorf("failed to upload fastest proxies: %w", err)
		}
	}
	l.Info().Int("published", report.Published).Msg("Fastest proxies selected.")
	return report, nil
}

// Refresh 按阈值重新检查订阅列表并写回保留的订阅。
func (m *Manager) Refresh(ctx context.Context) (*Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	subs, err := m.deps.Storage.LoadSubscriptions(m.cfg.CollectConf.SubscribesFile)
	if err != nil {
		return nil, err
	}
	report := &Report{Tasks: len(subs)}
	if len(subs) == 0 {
		return report, ErrNoSources
	}

	th := lifecycle.Thresholds{
		QuotaGB:       m.cfg.LifecycleConf.QuotaThresholdGB,
		RemainingLife: time.Duration(m.cfg.LifecycleConf.LifeThresholdHrs) * time.Hour,
	}
	surviving, discarded := m.deps.Lifecycle.Revalidate(ctx, subs, th)
	report.Discarded = discarded
	report.Published = len(surviving)
	m.deps.Metrics.SubscriptionsDiscarded.Add(float64(discarded))

	if err := m.deps.Storage.SaveSubscriptions(m.cfg.CollectConf.SubscribesFile, lifecycle.URLs(surviving)); err != nil {
		return report, err
	}
	l.Info().Int("surviving", len(surviving)).Int("discarded", discarded).Msg("Subscriptions refreshed.")
	return report, nil
}

// Convert 读取主 gist 的 v2ray.txt，加上日期标记后写入输出 gist。
func (m *Manager) Convert(ctx context.Context) error {
	if m.deps.Publisher == nil {
		return fmt.Errorf("convert: %w", config.ErrMissingEnv)
	}
	content, err := m.deps.Publisher.FileContent(ctx, m.env.GistID, fileV2ray)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fileV2ray, err)
	}
	target := m.v2rayGistID()
	if target == "" {
		return fmt.Errorf("convert: V2RAY_GIST_LINK: %w", config.ErrMissingEnv)
	}
	out := vmess.PrependMarker(content, m.deps.Now())
	if err := m.deps.Publisher.Update(ctx, target, map[string]string{fileV2ray: out}); err != nil {
		return fmt.Errorf("failed to update %s: %w", fileV2ray, err)
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Date marker published.")
	return nil
}

// Custom 把自定义列表中的每个 clash 配置链接转换为 vmess 订阅并替换主 gist 的 v2ray.txt。
func (m *Manager) Custom(ctx context.Context) (*Report, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	if m.deps.Publisher == nil {
		return nil, fmt.Errorf("custom: %w", config.ErrMissingEnv)
	}

	list, err := m.deps.Fetcher.Fetch(ctx, m.env.CustomizeLink)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch custom link list: %w", err)
	}
	links := lo.Uniq(storage.ParseSubscriptions(string(list)))
	tasks := lo.Map(links, func(link string, _ int) model.TaskConfig {
		return model.TaskConfig{ID: model.NewTaskID(), Name: scraper.NameFor(link), Sub: link}
	})
	report := &Report{Tasks: len(tasks)}
	if len(tasks) == 0 {
		return report, ErrNoSources
	}

	nodes := m.acquire(ctx, tasks)
	report.Parsed = len(nodes)
	if len(nodes) == 0 {
		return report, ErrNoNodes
	}

	content := vmess.Subscription(nodes, m.deps.Now())
	report.Published = strings.Count(content, "\n") - 1
	if err := m.deps.Storage.WriteText(m.cfg.OutputConf.V2rayFile, content); err != nil {
		return report, err
	}
	if err := m.deps.Publisher.Update(ctx, m.env.GistID, map[string]string{fileV2ray: content}); err != nil {
		return report, fmt.Errorf("failed to update %s: %w", fileV2ray, err)
	}
	l.Info().Int("links", len(links)).Int("published", report.Published).Msg("Custom links converted.")
	return report, nil
}

type rankedNodes struct {
	nodes []model.ProxyNode
	// origins 是至少有一个存活节点的订阅地址。
	origins []string
}

// harvest 获取并探测任务中的所有节点，返回排序截断后的结果。
func (m *Manager) harvest(ctx context.Context, tasks []model.TaskConfig, maxCount int, report *Report) (*rankedNodes, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	nodes := m.acquire(ctx, tasks)
	report.Parsed = len(nodes)
	m.deps.Metrics.NodesParsed.Add(float64(len(nodes)))
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	nodes = validator.NewValidator(m.env.EnableSpecialProtocols).Filter(nodes)
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	results, err := m.deps.Prober.Probe(ctx, nodes)
	if err != nil {
		return nil, err
	}
	survivors := engine.Survivors(nodes, results)
	report.Alive = len(survivors)
	m.deps.Metrics.NodesAlive.Add(float64(len(survivors)))
	for i := range survivors {
		m.deps.Metrics.ObserveLatency(survivors[i].Latency)
	}
	if len(survivors) == 0 {
		return nil, ErrNoSurvivors
	}

	// 只要还有存活节点，订阅就保留，不受排序截断影响。
	origins := lo.Uniq(lo.FilterMap(survivors, func(n model.ProxyNode, _ int) (string, bool) {
		return n.Origin, n.Origin != ""
	}))
	sort.Strings(origins)

	ranked := ranker.Select(survivors, maxCount)

	l.Info().Int("alive", len(survivors)).Int("selected", len(ranked)).Msg("Proxies ranked.")
	return &rankedNodes{nodes: ranked, origins: origins}, nil
}

// acquire 并发执行任务：站点任务先获取订阅地址，然后拉取并解析订阅。
// 单个任务的失败只记录日志。
func (m *Manager) acquire(ctx context.Context, tasks []model.TaskConfig) []model.ProxyNode {
	l := logger.WithComponent("ProxyPool/Manager")

	results := executor.Run(ctx, tasks, m.fetchTask, executor.Options{
		Concurrency:  m.cfg.CollectConf.Concurrency,
		ShowProgress: m.cfg.CollectConf.Display,
		Description:  "fetching",
	})

	var nodes []model.ProxyNode
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			l.Debug().Str("task", tasks[i].Name).Str("source", tasks[i].Source()).Err(r.Err).Msg("Task failed.")
			continue
		}
		nodes = append(nodes, r.Value...)
	}
	l.Info().Int("tasks", len(tasks)).Int("failed", failed).Int("nodes", len(nodes)).Msg("Sources fetched.")
	return nodes
}

func (m *Manager) fetchTask(ctx context.Context, task model.TaskConfig) ([]model.ProxyNode, error) {
	sub := task.Sub
	if sub == "" {
		registered, err := m.deps.Registrar.Register(ctx, task)
		if err != nil {
			return nil, err
		}
		sub = registered
	}

	data, err := m.deps.Fetcher.Fetch(ctx, sub)
	if err != nil {
		return nil, err
	}
	nodes, err := normalizer.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sub, err)
	}
	for i := range nodes {
		nodes[i].Origin = sub
	}
	return nodes, nil
}

func (m *Manager) aggregatorOptions() aggregator.Options {
	c := m.cfg.CollectConf
	return aggregator.Options{
		SubscribesFile: c.SubscribesFile,
		DomainsFile:    c.DomainsFile,
		GistUsername:   m.env.GistUsername,
		GistID:         m.env.GistID,
		GistToken:      m.env.GistToken,
		CustomizeLink:  m.env.CustomizeLink,
		Overwrite:      c.Overwrite,
		Crawl: scraper.CollectOptions{
			Channel:     c.Channel,
			Pages:       c.Pages,
			Concurrency: c.Concurrency,
			Rigid:       c.Rigid,
			Display:     c.Display,
			CacheFile:   m.deps.Storage.Path(c.CouponsFile),
			Delimiter:   storage.DomainDelimiter,
		},
		BinName:          m.cfg.ProbeConf.BinName,
		SpecialProtocols: m.env.EnableSpecialProtocols,
		Rigid:            c.Rigid,
	}
}

// v2rayGistID 返回 V2RAY_GIST_LINK 指向的 gist id，未配置时为空，调用方据此跳过上传。
func (m *Manager) v2rayGistID() string {
	if m.env.V2rayGistLink == "" {
		return ""
	}
	_, id, err := config.ParseGistLink(m.env.V2rayGistLink)
	if err != nil {
		return ""
	}
	return id
}
