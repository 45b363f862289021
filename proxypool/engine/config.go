package engine

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"subscribe_nexus/proxypool/model"
)

// GroupName 是生成配置中包含全部节点的选择组。
const GroupName = "PROXY"

// AssignNames 为每个节点分配批次内唯一的名称，索引与输入一致。
func AssignNames(nodes []model.ProxyNode) []string {
	names := make([]string, len(nodes))
	used := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		base := nodes[i].Name
		if base == "" {
			base = fmt.Sprintf("node-%d", i+1)
		}
		name := base
		for n := 2; ; n++ {
			if _, taken := used[name]; !taken {
				break
			}
			name = fmt.Sprintf("%s-%d", base, n)
		}
		used[name] = struct{}{}
		names[i] = name
	}
	return names
}

// BuildConfig 生成包含所有候选节点的内核配置文档。
func BuildConfig(nodes []model.ProxyNode, names []string, controllerAddr string, mixedPort int) ([]byte, error) {
	proxies := make([]map[string]any, len(nodes))
	for i := range nodes {
		record := recordFor(&nodes[i])
		record["name"] = names[i]
		proxies[i] = record
	}

	cfg := map[string]any{
		"mixed-port":          mixedPort,
		"allow-lan":           false,
		"mode":                "rule",
		"log-level":           "error",
		"external-controller": controllerAddr,
		"proxies":             proxies,
		"proxy-groups": []map[string]any{{
			"name":    GroupName,
			"type":    "select",
			"proxies": names,
		}},
		"rules": []string{"MATCH," + GroupName},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine config: %w", err)
	}
	return data, nil
}

// recordFor 优先使用原始记录；没有原始记录时（例如从 vmess URI 解码）按字段重建。
func recordFor(n *model.ProxyNode) map[string]any {
	if len(n.Extra) > 0 {
		return n.Record()
	}

	port, _ := strconv.Atoi(n.Port)
	alterID, _ := strconv.Atoi(n.AlterID)
	typ := n.Type
	if typ == "" {
		typ = "vmess"
	}
	record := map[string]any{
		"name":    n.Name,
		"type":    typ,
		"server":  n.Server,
		"port":    port,
		"uuid":    n.Credential,
		"alterId": alterID,
		"cipher":  "auto",
		"network": n.Network,
		"tls":     n.TLS,
	}
	if n.Network == "ws" && (n.Path != "" || n.Host != "") {
		opts := map[string]any{"path": n.Path}
		if n.Host != "" {
			opts["headers"] = map[string]any{"Host": n.Host}
		}
		record["ws-opts"] = opts
	}
	return record
}
