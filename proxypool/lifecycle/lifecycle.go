// Package lifecycle 重新检查已发布的订阅，丢弃过期或即将耗尽的订阅。
package lifecycle

import (
	"context"
	"time"

	"github.com/samber/lo"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/executor"
	"subscribe_nexus/proxypool/model"
)

// StatusChecker 报告单个订阅的存活状态以及可选的流量/剩余时间信息。
type StatusChecker interface {
	CheckStatus(ctx context.Context, url string) (model.SubscriptionStatus, error)
}

// Thresholds 为 0 时对应的判定条件不生效。
type Thresholds struct {
	QuotaGB       float64
	RemainingLife time.Duration
}

// Filter 通过 executor 并发检查订阅。
type Filter struct {
	checker StatusChecker
	opts    executor.Options
	now     func() time.Time
}

func NewFilter(checker StatusChecker, opts executor.Options) *Filter {
	if opts.Description == "" {
		opts.Description = "checking subscriptions"
	}
	return &Filter{checker: checker, opts: opts, now: time.Now}
}

// Revalidate 返回保留的订阅（保持输入顺序，重复地址只检查一次）和被丢弃的数量。
// 检查失败的订阅视为不可用。
func (f *Filter) Revalidate(ctx context.Context, urls []string, th Thresholds) ([]model.SubscriptionSource, int) {
	l := logger.WithComponent("ProxyPool/Lifecycle")
	urls = lo.Uniq(lo.Filter(urls, func(u string, _ int) bool { return u != "" }))
	if len(urls) == 0 {
		return nil, 0
	}

	results := executor.Run(ctx, urls, f.checker.CheckStatus, f.opts)
	checkedAt := f.now()

	surviving := make([]model.SubscriptionSource, 0, len(urls))
	discarded := 0
	for i, r := range results {
		if r.Err != nil {
			l.Debug().Str("url", urls[i]).Err(r.Err).Msg("Subscription check failed")
			discarded++
			continue
		}
		if !Keep(r.Value, th) {
			discarded++
			continue
		}
		src := model.SubscriptionSource{URL: urls[i]}
		surviving = append(surviving, src.Refresh(r.Value, checkedAt))
	}

	l.Info().Int("surviving", len(surviving)).Int("discarded", discarded).Msg("Subscriptions revalidated")
	return surviving, discarded
}

// URLs 提取订阅地址。
func URLs(sources []model.SubscriptionSource) []string {
	return lo.Map(sources, func(s model.SubscriptionSource, _ int) string { return s.URL })
}

// Keep 判断订阅是否应保留。未知的流量或剩余时间不会触发丢弃。
func Keep(s model.SubscriptionStatus, th Thresholds) bool {
	if !s.Alive || s.Expired {
		return false
	}
	if th.QuotaGB > 0 && s.ResidualQuota >= 0 && s.ResidualQuota < th.QuotaGB {
		return false
	}
	if th.RemainingLife > 0 && s.RemainingLife >= 0 && s.RemainingLife < th.RemainingLife {
		return false
	}
	return true
}
