package ranker

import (
	"sort"

	"subscribe_nexus/proxypool/model"
)

// Select 过滤掉不可达节点，去除内部字段，按延迟升序稳定排序并截断到 maxCount。
// 未知延迟的节点视为无穷大，排在最后；重复节点只保留最快的一个。
// maxCount <= 0 表示不截断。
func Select(nodes []model.ProxyNode, maxCount int) []model.ProxyNode {
	candidates := make([]model.ProxyNode, 0, len(nodes))
	for i := range nodes {
		if nodes[i].Alive != nil && !*nodes[i].Alive {
			continue
		}
		candidates = append(candidates, strip(nodes[i]))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(&candidates[i], &candidates[j])
	})

	seen := make(map[string]struct{}, len(candidates))
	out := make([]model.ProxyNode, 0, len(candidates))
	for _, n := range candidates {
		key := n.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
		if maxCount > 0 && len(out) == maxCount {
			break
		}
	}
	return out
}

func less(a, b *model.ProxyNode) bool {
	switch {
	case a.HasLatency() && b.HasLatency():
		return a.Latency < b.Latency
	case a.HasLatency():
		return true
	default:
		return false
	}
}

// strip 返回去掉订阅来源和诊断标记后的副本。
func strip(n model.ProxyNode) model.ProxyNode {
	c := n.Clone()
	c.Origin = ""
	c.Alive = nil
	for k := range model.InternalKeys {
		delete(c.Extra, k)
	}
	return c
}
