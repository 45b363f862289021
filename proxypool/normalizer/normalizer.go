// Package normalizer 把内核原生配置方言中的 proxies 列表转换为统一的 ProxyNode。
package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/metacubex/mihomo/common/convert"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"subscribe_nexus/proxypool/model"
	"subscribe_nexus/proxypool/vmess"
)

// ErrMalformedDocument 表示文档既不是 YAML 配置，也不是（base64 编码的）分享链接列表。
var ErrMalformedDocument = errors.New("malformed proxy configuration document")

type document struct {
	Proxies []any `yaml:"proxies"`
}

// Parse 解析订阅内容。优先按内核配置文档解析；失败时按 base64 或明文的
// vmess://、trojan://、ss:// 等分享链接列表转换。
// 缺少 server/uuid 的记录仍然会返回，由调用方在探测前过滤。
func Parse(raw []byte) ([]model.ProxyNode, error) {
	var doc document
	yamlErr := yaml.Unmarshal(raw, &doc)
	if yamlErr == nil {
		return fromRecords(doc.Proxies), nil
	}

	nodes := parseShareLinks(raw)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, yamlErr)
	}
	return nodes, nil
}

// parseShareLinks 逐行转换分享链接。vmess 行用本地解码器，其余协议交给内核的转换器，
// 无法识别的行被跳过。
func parseShareLinks(raw []byte) []model.ProxyNode {
	text := strings.TrimSpace(string(raw))
	if decoded, err := vmess.DecodeBase64(text); err == nil && strings.Contains(string(decoded), "://") {
		text = string(decoded)
	}

	var nodes []model.ProxyNode
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, vmess.Scheme) {
			n, err := vmess.Decode(line)
			if err != nil {
				continue
			}
			if n.AlterID == "" {
				n.AlterID = "0"
			}
			if n.Network == "" {
				n.Network = "tcp"
			}
			nodes = append(nodes, n)
			continue
		}
		records, err := convert.ConvertsV2Ray([]byte(line))
		if err != nil {
			continue
		}
		nodes = append(nodes, lo.Map(records, func(r map[string]any, _ int) model.ProxyNode {
			return FromRecord(r)
		})...)
	}
	return nodes
}

func fromRecords(items []any) []model.ProxyNode {
	nodes := make([]model.ProxyNode, 0, len(items))
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		nodes = append(nodes, FromRecord(record))
	}
	return nodes
}

// FromRecord 按固定字段映射把一条记录转换为 ProxyNode，缺失的可选字段为空字符串。
func FromRecord(record map[string]any) model.ProxyNode {
	n := model.ProxyNode{
		Name:       str(record["name"]),
		Server:     str(record["server"]),
		Port:       str(record["port"]),
		Type:       strings.ToLower(str(record["type"])),
		Credential: str(record["uuid"]),
		AlterID:    strOr(record["alterId"], "0"),
		Network:    strOr(record["network"], "tcp"),
		Host:       str(record["host"]),
		Path:       str(record["path"]),
		TLS:        truthy(record["tls"]),
		Origin:     str(record["sub"]),
		Extra:      record,
	}

	if n.Credential == "" {
		n.Credential = str(record["password"])
	}
	if opts, ok := record["ws-opts"].(map[string]any); ok {
		if n.Path == "" {
			n.Path = str(opts["path"])
		}
		if headers, ok := opts["headers"].(map[string]any); ok && n.Host == "" {
			n.Host = str(headers["Host"])
		}
	}
	return n
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func strOr(v any, def string) string {
	if s := str(v); s != "" {
		return s
	}
	return def
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b || strings.EqualFold(strings.TrimSpace(t), "tls")
	}
	return false
}
