// Package aggregator 把本地订阅、远端订阅、已缓存站点、新发现站点和自定义站点
// 合并为一批互不重复的获取任务。
package aggregator

import (
	"context"
	"sort"
	"strings"

	"github.com/samber/lo"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/lifecycle"
	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/scraper"
	"subscribe_nexus/proxypool/storage"
)

// Fetcher 获取远端文本内容。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// RawStore 读取远端存储中的文件（gist raw 地址）。
type RawStore interface {
	FetchRaw(ctx context.Context, username, id, filename string) (string, error)
}

// Options 控制一次任务分配。
type Options struct {
	SubscribesFile string
	DomainsFile    string

	// 远端订阅列表，三者都非空时才会读取。
	GistUsername string
	GistID       string
	GistToken    string

	// CustomizeLink 可以是 URL，也可以是数据目录下的文件名。
	CustomizeLink string

	Refresh   bool
	Overwrite bool
	Crawl     scraper.CollectOptions

	BinName          string
	SpecialProtocols bool
	Rigid            bool
}

// Result 是分配结果。
type Result struct {
	Tasks []model.TaskConfig
	// Subscriptions 是检查后仍可用的已有订阅。
	Subscriptions []string
	Domains       model.DomainTable
	// DomainsChanged 为 true 时站点表已写回文件。
	DomainsChanged bool
}

// Aggregator 组合各个来源。remote、crawler、checker 都可以为 nil。
type Aggregator struct {
	store   *storage.FileStorage
	fetcher Fetcher
	remote  RawStore
	crawler scraper.Crawler
	checker *lifecycle.Filter
}

func New(store *storage.FileStorage, fetcher Fetcher, remote RawStore, crawler scraper.Crawler, checker *lifecycle.Filter) *Aggregator {
	return &Aggregator{store: store, fetcher: fetcher, remote: remote, crawler: crawler, checker: checker}
}

// Assign 生成本次运行的任务：先是已有订阅（排序），然后是站点（排序）。
// Refresh 模式下只要存在已有订阅就直接返回，不再发现新站点。
func (a *Aggregator) Assign(ctx context.Context, opts Options) (*Result, error) {
	l := logger.WithComponent("ProxyPool/Aggregator")

	subs, err := a.LoadExisting(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.Info().Int("count", len(subs)).Msg("Loaded existing subscriptions")

	res := &Result{Subscriptions: subs}
	for _, sub := range subs {
		res.Tasks = append(res.Tasks, a.newTask(opts, model.TaskConfig{Sub: sub}))
	}

	if len(res.Tasks) > 0 && opts.Refresh {
		l.Info().Msg("Skip discovering new sites, using existing subscriptions for refreshing")
		return res, nil
	}

	loaded, err := a.store.LoadDomains(opts.DomainsFile)
	if err != nil {
		return nil, err
	}
	var crawled map[string]string
	if len(loaded) == 0 || opts.Overwrite {
		crawled = a.crawl(ctx, opts)
	}
	custom := a.loadCustom(ctx, opts.CustomizeLink)

	table := Merge(loaded, crawled, custom)
	res.Domains = table
	if len(crawled) > 0 || !table.Equal(loaded) {
		if err := a.store.SaveDomains(opts.DomainsFile, table); err != nil {
			l.Warn().Err(err).Msg("Failed to persist domain table")
		} else {
			res.DomainsChanged = true
		}
	}

	known := lo.SliceToMap(subs, func(s string) (string, struct{}) { return s, struct{}{} })
	for _, addr := range table.Addresses() {
		if _, dup := known[addr]; dup {
			continue
		}
		d := table[addr]
		res.Tasks = append(res.Tasks, a.newTask(opts, model.TaskConfig{
			Domain:     addr,
			Coupon:     d.Coupon,
			InviteCode: d.InviteCode,
		}))
	}

	l.Info().Int("subscriptions", len(subs)).Int("domains", len(table)).Int("tasks", len(res.Tasks)).Msg("Tasks assigned")
	return res, nil
}

// Merge 是站点表的合并流水线：已缓存 -> 新发现（只覆盖 coupon）-> 自定义（整条覆盖）。
// 不修改任何输入。
func Merge(loaded model.DomainTable, crawled map[string]string, custom model.DomainTable) model.DomainTable {
	table := model.MergeCoupons(loaded, crawled, model.ProvenanceCrawled)
	return model.MergeReplace(table, custom)
}

// LoadExisting 读取本地和远端订阅列表，合并去重后过滤掉过期订阅。
// 远端读取失败只记录警告。
func (a *Aggregator) LoadExisting(ctx context.Context, opts Options) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Aggregator")

	local, err := a.store.LoadSubscriptions(opts.SubscribesFile)
	if err != nil {
		return nil, err
	}
	all := append([]string(nil), local...)

	if a.remote != nil && opts.GistUsername != "" && opts.GistID != "" && opts.GistToken != "" {
		content, err := a.remote.FetchRaw(ctx, opts.GistUsername, opts.GistID, baseName(opts.SubscribesFile))
		if err != nil {
			l.Warn().Err(err).Str("gist", opts.GistID).Msg("Failed to fetch remote subscriptions, ignoring")
		} else {
			all = append(all, storage.ParseSubscriptions(content)...)
		}
	}

	subs := lo.Uniq(all)
	sort.Strings(subs)
	if len(subs) == 0 || a.checker == nil {
		return subs, nil
	}

	l.Info().Int("count", len(subs)).Msg("Checking whether existing subscriptions have expired")
	alive, _ := a.checker.Revalidate(ctx, subs, lifecycle.Thresholds{})
	return lifecycle.URLs(alive), nil
}

func (a *Aggregator) crawl(ctx context.Context, opts Options) map[string]string {
	if a.crawler == nil {
		return nil
	}
	l := logger.WithComponent("ProxyPool/Aggregator")
	crawlOpts := opts.Crawl
	if crawlOpts.Delimiter == "" {
		crawlOpts.Delimiter = storage.DomainDelimiter
	}
	found, err := a.crawler.Collect(ctx, crawlOpts)
	if err != nil {
		l.Warn().Err(err).Str("channel", crawlOpts.Channel).Msg("Failed to discover new sites")
		return nil
	}
	return found
}

func (a *Aggregator) loadCustom(ctx context.Context, link string) model.DomainTable {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil
	}
	l := logger.WithComponent("ProxyPool/Aggregator")

	var content string
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		if a.fetcher == nil {
			return nil
		}
		data, err := a.fetcher.Fetch(ctx, link)
		if err != nil {
			l.Warn().Err(err).Str("link", link).Msg("Failed to fetch custom sites, ignoring")
			return nil
		}
		content = string(data)
	} else {
		text, err := a.store.ReadText(link)
		if err != nil {
			l.Warn().Err(err).Str("file", link).Msg("Failed to read custom sites, ignoring")
			return nil
		}
		content = text
	}
	return storage.ParseDomains(content, storage.DomainDelimiter, model.ProvenanceCustom)
}

func (a *Aggregator) newTask(opts Options, t model.TaskConfig) model.TaskConfig {
	t.ID = model.NewTaskID()
	t.Name = scraper.NameFor(t.Source())
	t.BinName = opts.BinName
	t.SpecialProtocols = opts.SpecialProtocols
	t.Rigid = opts.Rigid
	return t
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
