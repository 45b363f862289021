// Package gist 是 GitHub Gist 远端存储的最小客户端：按文件名读取内容、
// 按文件名替换内容（保留其它文件）。
package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"subscribe_nexus/internal/shared/logger"
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultRawBase = "https://gist.githubusercontent.com"
)

// ErrFileNotFound 表示 gist 中不存在指定文件。
var ErrFileNotFound = errors.New("gist file not found")

// File 是 gist 中的单个文件。
type File struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	RawURL    string `json:"raw_url"`
	Truncated bool   `json:"truncated"`
}

// Gist 是 GET /gists/{id} 的响应中用到的部分。
type Gist struct {
	ID    string          `json:"id"`
	Files map[string]File `json:"files"`
}

// Client 访问 Gist API。
type Client struct {
	APIBase string
	RawBase string
	Token   string
	HTTP    *http.Client
}

// NewClient 创建客户端；httpClient 为 nil 时使用 30 秒超时。
func NewClient(token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		APIBase: defaultAPIBase,
		RawBase: defaultRawBase,
		Token:   token,
		HTTP:    httpClient,
	}
}

// Get 获取 gist 及其全部文件。
func (c *Client) Get(ctx context.Context, id string) (*Gist, error) {
	resp, err := c.do(ctx, http.MethodGet, c.APIBase+"/gists/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get gist "+id, resp)
	}
	var g Gist
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode gist %s: %w", id, err)
	}
	return &g, nil
}

// FileContent 返回 gist 中指定文件的内容，文件不存在时返回 ErrFileNotFound。
func (c *Client) FileContent(ctx context.Context, id, filename string) (string, error) {
	g, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	f, ok := g.Files[filename]
	if !ok {
		return "", fmt.Errorf("%s in gist %s: %w", filename, id, ErrFileNotFound)
	}
	// API 对大文件只返回截断内容，需要走 raw_url
	if f.Truncated && f.RawURL != "" {
		return c.fetch(ctx, f.RawURL)
	}
	return f.Content, nil
}

// Update 创建或替换若干文件，未提及的文件保持不变。
func (c *Client) Update(ctx context.Context, id string, files map[string]string) error {
	if len(files) == 0 {
		return nil
	}
	payload := struct {
		Files map[string]map[string]string `json:"files"`
	}{Files: make(map[string]map[string]string, len(files))}
	for name, content := range files {
		payload.Files[name] = map[string]string{"content": content}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPatch, c.APIBase+"/gists/"+url.PathEscape(id), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("update gist "+id, resp)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	l := logger.WithComponent("ProxyPool/Gist")
	l.Info().
		Str("gist", id).
		Strs("files", names).
		Msg("Gist updated")
	return nil
}

// Replace 替换单个文件的内容。
func (c *Client) Replace(ctx context.Context, id, filename, content string) error {
	return c.Update(ctx, id, map[string]string{filename: content})
}

// RawURL 返回 gist 文件最新版本的 raw 地址。
func (c *Client) RawURL(username, id, filename string) string {
	return fmt.Sprintf("%s/%s/%s/raw/%s", strings.TrimRight(c.RawBase, "/"),
		url.PathEscape(username), url.PathEscape(id), url.PathEscape(filename))
}

// FetchRaw 通过 raw 地址读取文件内容，不需要认证。
func (c *Client) FetchRaw(ctx context.Context, username, id, filename string) (string, error) {
	return c.fetch(ctx, c.RawURL(username, id, filename))
}

func (c *Client) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", rawURL, ErrFileNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("fetch "+rawURL, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTP.Do(req)
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: unexpected status %s: %s", op, resp.Status, strings.TrimSpace(string(msg)))
}
