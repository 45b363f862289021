package validator

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"subscribe_nexus/internal/shared/logger"
	"subscribe_nexus/proxypool/model"
)

// specialProtocols 只有在显式开启后才会进入探测批次。
var specialProtocols = map[string]struct{}{
	"vless":     {},
	"hysteria":  {},
	"hysteria2": {},
	"tuic":      {},
	"wireguard": {},
	"ssh":       {},
}

// supportedTypes 是外部内核能识别的协议族。
var supportedTypes = map[string]struct{}{
	"vmess":     {},
	"ss":        {},
	"ssr":       {},
	"trojan":    {},
	"snell":     {},
	"http":      {},
	"socks5":    {},
	"vless":     {},
	"hysteria":  {},
	"hysteria2": {},
	"tuic":      {},
	"wireguard": {},
	"ssh":       {},
}

// Validator 在探测前检查节点是否完整可用。
type Validator struct {
	validate     *validator.Validate
	allowSpecial bool
}

// NewValidator 创建 Validator；allowSpecial 控制是否保留特殊协议节点。
func NewValidator(allowSpecial bool) *Validator {
	v := validator.New()
	_ = v.RegisterValidation("nodeport", func(fl validator.FieldLevel) bool {
		port, err := strconv.Atoi(strings.TrimSpace(fl.Field().String()))
		return err == nil && port >= 1 && port <= 65535
	})
	return &Validator{validate: v, allowSpecial: allowSpecial}
}

// Check 返回节点不合格的原因，合格时返回 nil。
func (v *Validator) Check(n *model.ProxyNode) error {
	return v.validate.Struct(n)
}

// Allowed reports whether the node's protocol family may be probed.
func (v *Validator) Allowed(n *model.ProxyNode) bool {
	t := strings.ToLower(n.Type)
	if _, ok := supportedTypes[t]; !ok && t != "" {
		return false
	}
	if _, special := specialProtocols[t]; special && !v.allowSpecial {
		return false
	}
	return true
}

// Filter 保留合格节点，顺序不变。
func (v *Validator) Filter(nodes []model.ProxyNode) []model.ProxyNode {
	l := logger.WithComponent("ProxyPool/Validator")

	kept := make([]model.ProxyNode, 0, len(nodes))
	var malformed, unsupported int
	for i := range nodes {
		if err := v.Check(&nodes[i]); err != nil {
			malformed++
			l.Debug().Str("name", nodes[i].Name).Err(err).Msg("Dropping malformed node.")
			continue
		}
		if !v.Allowed(&nodes[i]) {
			unsupported++
			continue
		}
		kept = append(kept, nodes[i])
	}

	l.Info().
		Int("total", len(nodes)).
		Int("kept", len(kept)).
		Int("malformed", malformed).
		Int("unsupported", unsupported).
		Msg("Node validation finished.")
	return kept
}
