package model

import (
	"strings"
	"time"
)

// ProxyNode 是代理节点的统一内存表示，由 normalizer 从内核配置方言中解析得到。
// 除 TLS 外的连接参数均保存为字符串，保证编码结果确定。
type ProxyNode struct {
	Name       string
	Server     string `validate:"required"`
	Port       string `validate:"required,nodeport"`
	Type       string // 协议族, e.g. "vmess", "ss", "trojan"
	Credential string `validate:"required"` // uuid / password
	AlterID    string
	Network    string
	Host       string
	Path       string
	TLS        bool

	// Latency 仅在探测后填充，<= 0 表示未知。
	Latency time.Duration
	// Alive 仅在探测后填充。
	Alive *bool
	// Origin 记录贡献该节点的订阅地址，对外发布前会被清除。
	Origin string

	// Extra 保存原始记录，用于生成内核配置和输出 proxies 文档。
	Extra map[string]any
}

// HasLatency reports whether the node carries a measured latency.
func (n *ProxyNode) HasLatency() bool {
	return n.Latency > 0
}

// Key 用于去重：同一 server/port/credential 视为同一节点。
func (n *ProxyNode) Key() string {
	return strings.ToLower(strings.Join([]string{n.Type, n.Server, n.Port, n.Credential}, "|"))
}

// Clone returns a copy whose Extra map can be modified independently.
func (n ProxyNode) Clone() ProxyNode {
	if n.Extra != nil {
		extra := make(map[string]any, len(n.Extra))
		for k, v := range n.Extra {
			extra[k] = v
		}
		n.Extra = extra
	}
	if n.Alive != nil {
		alive := *n.Alive
		n.Alive = &alive
	}
	return n
}

// Record 返回内核方言形式的节点记录，名称与当前 Name 一致，不含内部字段。
func (n *ProxyNode) Record() map[string]any {
	record := make(map[string]any, len(n.Extra)+1)
	for k, v := range n.Extra {
		if _, internal := InternalKeys[k]; internal {
			continue
		}
		record[k] = v
	}
	record["name"] = n.Name
	return record
}

// InternalKeys 是只在处理过程中使用、不能出现在发布结果中的字段。
var InternalKeys = map[string]struct{}{
	"sub":      {},
	"delay":    {},
	"liveness": {},
	"chuck":    {},
}

// ProbeResult 是一次探测批次中对单个节点的结果，生成后不再修改。
type ProbeResult struct {
	Index   int
	Name    string
	Alive   bool
	Latency time.Duration // 仅 Alive 时有效
	Err     error
}
