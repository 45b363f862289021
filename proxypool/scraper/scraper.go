package scraper

import (
	"context"
	"errors"

	"subscribe_nexus/proxypool/model"
)

// ErrRegistrationUnsupported 表示无法为该站点自动获取订阅。
var ErrRegistrationUnsupported = errors.New("registration not supported for this site")

// CollectOptions 配置一次站点发现。
type CollectOptions struct {
	Channel     string
	Pages       int
	Concurrency int
	// Rigid 模式下只保留可注册域名（eTLD+1 可解析）且不在屏蔽列表中的站点。
	Rigid   bool
	Display bool
	// CacheFile 非空时把发现结果按 domain table 格式写入该文件。
	CacheFile string
	Delimiter string
}

// Crawler 从公开频道发现候选站点，返回 address -> coupon。
type Crawler interface {
	Collect(ctx context.Context, opts CollectOptions) (map[string]string, error)
}

// Registrar 为一个站点任务获取订阅地址。
type Registrar interface {
	Register(ctx context.Context, task model.TaskConfig) (string, error)
}
