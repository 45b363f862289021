package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Controller 通过内核的控制接口测量单个节点的延迟。
type Controller interface {
	Delay(ctx context.Context, name, testURL string, timeout time.Duration) (time.Duration, error)
}

// HTTPController 调用 external-controller 的 /proxies/{name}/delay 接口。
type HTTPController struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPController 接受 "host:port" 或完整的 URL。
func NewHTTPController(addr string, client *http.Client) *HTTPController {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPController{BaseURL: base, Client: client}
}

type delayResponse struct {
	Delay   int    `json:"delay"`
	Message string `json:"message"`
}

func (c *HTTPController) Delay(ctx context.Context, name, testURL string, timeout time.Duration) (time.Duration, error) {
	// 控制接口本身需要略多于测试超时的时间来返回结果
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("%s/proxies/%s/delay?timeout=%d&url=%s",
		c.BaseURL, url.PathEscape(name), timeout.Milliseconds(), url.QueryEscape(testURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	var out delayResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("unexpected delay response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Delay <= 0 {
		msg := out.Message
		if msg == "" {
			msg = resp.Status
		}
		return 0, fmt.Errorf("proxy %s unreachable: %s", name, msg)
	}
	return time.Duration(out.Delay) * time.Millisecond, nil
}
