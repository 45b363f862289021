package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"subscribe_nexus/proxypool/model"
)

// IsSubscriptionLink 判断地址本身是否已经是订阅链接，
// 例如 v2board 的 /api/v1/client/subscribe?token=xxx。
func IsSubscriptionLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Query().Get("token") != "" {
		return true
	}
	return strings.Contains(u.Path, "/client/subscribe") || strings.HasPrefix(u.Path, "/link/")
}

// LinkRegistrar 不执行真实注册，只接受已经是订阅链接的站点。
type LinkRegistrar struct{}

func (LinkRegistrar) Register(_ context.Context, task model.TaskConfig) (string, error) {
	domain := strings.TrimSpace(task.Domain)
	if domain == "" {
		return "", fmt.Errorf("task %s: %w", task.ID, ErrRegistrationUnsupported)
	}
	if !IsSubscriptionLink(domain) {
		return "", fmt.Errorf("%s: %w", domain, ErrRegistrationUnsupported)
	}
	return domain, nil
}
