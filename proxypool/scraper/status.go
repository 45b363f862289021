package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subscribe_nexus/proxypool/model"
)

// subscriptionUA 让订阅服务返回 clash 格式并附带 subscription-userinfo 头。
const subscriptionUA = "clash.meta"

const gigabyte = 1 << 30

// HTTPClient 获取订阅内容并检查订阅状态。
type HTTPClient struct {
	Client *http.Client
	// MaxBody 限制单次读取的响应大小。
	MaxBody int64
	now     func() time.Time
}

// NewHTTPClient 创建客户端；client 为 nil 时使用 30 秒超时的默认客户端。
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{Client: client, MaxBody: 16 << 20, now: time.Now}
}

// Fetch 以 GET 获取 url 的内容，非 2xx 状态视为错误。
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxBody))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, nil
}

// CheckStatus 请求订阅并解析 subscription-userinfo 头。
// 返回非 200 或空内容时订阅视为不可用；网络错误原样返回。
func (c *HTTPClient) CheckStatus(ctx context.Context, url string) (model.SubscriptionStatus, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return model.SubscriptionStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.UnknownStatus(false), nil
	}
	// 只需要确认有内容
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if n == 0 {
		return model.UnknownStatus(false), nil
	}
	return ParseUserInfo(resp.Header.Get("subscription-userinfo"), c.now()), nil
}

func (c *HTTPClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", subscriptionUA)
	return c.Client.Do(req)
}

// ParseUserInfo 解析 "upload=1; download=2; total=3; expire=1700000000"。
// 缺失的字段对应的估计值为 -1（未知）。
func ParseUserInfo(header string, now time.Time) model.SubscriptionStatus {
	status := model.UnknownStatus(true)
	if strings.TrimSpace(header) == "" {
		return status
	}

	values := make(map[string]float64)
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		values[strings.ToLower(strings.TrimSpace(k))] = f
	}

	if total, ok := values["total"]; ok && total > 0 {
		residual := total - values["upload"] - values["download"]
		if residual <= 0 {
			status.Expired = true
			residual = 0
		}
		status.ResidualQuota = residual / gigabyte
	}
	if expire, ok := values["expire"]; ok && expire > 0 {
		remaining := time.Unix(int64(expire), 0).Sub(now)
		if remaining <= 0 {
			status.Expired = true
			remaining = 0
		}
		status.RemainingLife = remaining
	}
	return status
}
