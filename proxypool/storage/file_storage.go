package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/model"
)

// DomainDelimiter 是站点列表文件中字段之间的分隔符。
const DomainDelimiter = "@#@#"

var subscriptionPattern = regexp.MustCompile(`(?m)^https?://\S+`)

// FileStorage 负责数据目录下所有平面文件的读写。
// 一次运行开始时读取、结束时写入一次，不存在并发写者。
type FileStorage struct {
	dataDir string
	mu      sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(dataDir string) *FileStorage {
	return &FileStorage{dataDir: dataDir}
}

// Path 返回数据目录下的完整路径；绝对路径原样返回。
func (fs *FileStorage) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fs.dataDir, name)
}

// LoadDomains 从站点列表文件加载候选站点表，文件不存在时返回空表。
func (fs *FileStorage) LoadDomains(name string) (model.DomainTable, error) {
	content, err := fs.readOptional(name)
	if err != nil {
		return nil, err
	}
	table := ParseDomains(content, DomainDelimiter, model.ProvenanceLoaded)
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("path", fs.Path(name)).Int("count", len(table)).Msg("Loaded domain table.")
	return table, nil
}

// SaveDomains 将站点表按地址排序写回文件。
func (fs *FileStorage) SaveDomains(name string, table model.DomainTable) error {
	return fs.write(name, []byte(FormatDomains(table, DomainDelimiter)))
}

// LoadSubscriptions 读取订阅列表文件，每行一个 http(s) 链接，# 开头的行被忽略。
func (fs *FileStorage) LoadSubscriptions(name string) ([]string, error) {
	content, err := fs.readOptional(name)
	if err != nil {
		return nil, err
	}
	return ParseSubscriptions(content), nil
}

// SaveSubscriptions 去重排序后写入订阅列表。
func (fs *FileStorage) SaveSubscriptions(name string, urls []string) error {
	set := make(map[string]struct{}, len(urls))
	list := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := set[u]; ok {
			continue
		}
		set[u] = struct{}{}
		list = append(list, u)
	}
	sort.Strings(list)
	return fs.write(name, []byte(strings.Join(list, "\n")+"\n"))
}

// WriteProxies 以内核原生方言写出 proxies 文档。
func (fs *FileStorage) WriteProxies(name string, nodes []model.ProxyNode) ([]byte, error) {
	data, err := MarshalProxies(nodes)
	if err != nil {
		return nil, err
	}
	if err := fs.write(name, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteText 写出纯文本产物，例如 v2ray.txt。
func (fs *FileStorage) WriteText(name, content string) error {
	return fs.write(name, []byte(content))
}

// ReadText 读取纯文本文件，文件不存在时返回空字符串。
func (fs *FileStorage) ReadText(name string) (string, error) {
	return fs.readOptional(name)
}

func (fs *FileStorage) readOptional(name string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			l := logger.WithComponent("ProxyPool/Storage")
			l.Debug().Str("path", fs.Path(name)).Msg("File not found, treating as empty.")
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (fs *FileStorage) write(name string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("path", path).Int("bytes", len(data)).Msg("File written.")
	return nil
}

// ParseDomains 解析站点列表：地址、可选优惠码、可选邀请码，从右侧最多切两次。
func ParseDomains(content, delimiter string, provenance model.Provenance) model.DomainTable {
	table := make(model.DomainTable)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		words := rsplit(line, delimiter, 2)
		address := strings.TrimSpace(words[0])
		if address == "" {
			continue
		}
		d := model.CandidateDomain{Address: address, Provenance: provenance}
		if len(words) > 1 {
			d.Coupon = strings.TrimSpace(words[1])
		}
		if len(words) > 2 {
			d.InviteCode = strings.TrimSpace(words[2])
		}
		table[address] = d
	}
	return table
}

// FormatDomains 是 ParseDomains 的逆过程，输出按地址排序。
func FormatDomains(table model.DomainTable, delimiter string) string {
	var sb strings.Builder
	for _, addr := range table.Addresses() {
		d := table[addr]
		sb.WriteString(addr)
		switch {
		case d.InviteCode != "":
			sb.WriteString(delimiter + d.Coupon + delimiter + d.InviteCode)
		case d.Coupon != "":
			sb.WriteString(delimiter + d.Coupon)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParseSubscriptions 提取每一行开头的 http(s) 链接。
func ParseSubscriptions(content string) []string {
	return subscriptionPattern.FindAllString(content, -1)
}

// MarshalProxies 生成 {proxies: [...]} YAML 文档，内部字段会被剔除。
func MarshalProxies(nodes []model.ProxyNode) ([]byte, error) {
	records := make([]map[string]any, 0, len(nodes))
	for i := range nodes {
		records = append(records, nodes[i].Record())
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"proxies": records}); err != nil {
		return nil, fmt.Errorf("failed to marshal proxies: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rsplit 从右侧最多切分 n 次。
func rsplit(s, sep string, n int) []string {
	var tail []string
	for len(tail) < n {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			break
		}
		tail = append([]string{s[idx+len(sep):]}, tail...)
		s = s[:idx]
	}
	return append([]string{s}, tail...)
}
