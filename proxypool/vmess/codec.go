// Package vmess 实现 vmess:// URI 的编解码。
package vmess

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"subscribe_nexus/proxypool/model"
)

// Scheme 是 VMess URI 的前缀。
const Scheme = "vmess://"

// ErrNotVmess 表示输入不是 vmess:// URI。
var ErrNotVmess = errors.New("not a vmess uri")

// payload 的字段顺序即 JSON 中键的顺序。
type payload struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
}

// Encode 把节点编码为 vmess://<urlsafe-base64(JSON)>。
func Encode(n model.ProxyNode) string {
	p := payload{
		V:    "2",
		PS:   n.Name,
		Add:  n.Server,
		Port: n.Port,
		ID:   n.Credential,
		Aid:  n.AlterID,
		Net:  n.Network,
		Type: "none",
		Host: n.Host,
		Path: n.Path,
	}
	if n.TLS {
		p.TLS = "tls"
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// payload 只包含字符串字段，编码不会失败
	_ = enc.Encode(p)
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	return Scheme + base64.URLEncoding.EncodeToString(raw)
}

// Decode 是 Encode 的逆过程，接受带或不带填充、URL 或标准字母表的 base64。
func Decode(uri string) (model.ProxyNode, error) {
	s := strings.TrimSpace(uri)
	if !strings.HasPrefix(s, Scheme) {
		return model.ProxyNode{}, ErrNotVmess
	}
	s = strings.TrimPrefix(s, Scheme)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	raw, err := DecodeBase64(s)
	if err != nil {
		return model.ProxyNode{}, fmt.Errorf("invalid vmess payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return model.ProxyNode{}, fmt.Errorf("invalid vmess json: %w", err)
	}

	return model.ProxyNode{
		Name:       field(m, "ps"),
		Server:     field(m, "add"),
		Port:       field(m, "port"),
		Type:       "vmess",
		Credential: field(m, "id"),
		AlterID:    field(m, "aid"),
		Network:    field(m, "net"),
		Host:       field(m, "host"),
		Path:       field(m, "path"),
		TLS:        strings.EqualFold(field(m, "tls"), "tls"),
	}, nil
}

// DateMarker 返回用于标记更新时间的占位节点。
func DateMarker(now time.Time) model.ProxyNode {
	return model.ProxyNode{
		Name:       "Update Date: " + now.Format("2006-01-02 15:04:05"),
		Server:     "127.0.0.1",
		Port:       "0",
		Type:       "vmess",
		Credential: uuid.Nil.String(),
		AlterID:    "0",
		Network:    "tcp",
	}
}

// Subscription 生成 v2ray.txt 内容：日期标记节点在首行，之后每个 vmess 节点一行。
// 非 vmess 协议族的节点无法用该格式表达，会被跳过。
func Subscription(nodes []model.ProxyNode, now time.Time) string {
	lines := []string{Encode(DateMarker(now))}
	for _, n := range nodes {
		if n.Type != "" && n.Type != "vmess" {
			continue
		}
		lines = append(lines, Encode(n))
	}
	return strings.Join(lines, "\n") + "\n"
}

// PrependMarker 在已有的订阅文本前加上日期标记。
func PrependMarker(content string, now time.Time) string {
	return Encode(DateMarker(now)) + "\n" + content
}

func field(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// DecodeBase64 依次尝试 URL 与标准字母表、带与不带填充的 base64。
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
