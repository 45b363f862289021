package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level   string `ini:"level"`
	NoColor bool   `ini:"no_color"`
}

// CollectConf 控制订阅来源的收集与站点发现。
type CollectConf struct {
	DataDir        string `ini:"data_dir"`
	DomainsFile    string `ini:"domains_file"`
	SubscribesFile string `ini:"subscribes_file"`
	CouponsFile    string `ini:"coupons_file"`
	Channel        string `ini:"channel"`
	Pages          int    `ini:"pages"`
	Concurrency    int    `ini:"concurrency"`
	Rigid          bool   `ini:"rigid"`
	Overwrite      bool   `ini:"overwrite"`
	Display        bool   `ini:"display"`
	FetchTimeout   int    `ini:"fetch_timeout"` // 秒
}

// ProbeConf 描述外部代理内核及其控制接口。
type ProbeConf struct {
	Workspace      string `ini:"workspace"`
	BinName        string `ini:"bin_name"`
	ConfigFile     string `ini:"config_file"`
	ControllerAddr string `ini:"controller_addr"`
	MixedPort      int    `ini:"mixed_port"`
	TestURL        string `ini:"test_url"`
	TimeoutMs      int    `ini:"timeout_ms"`
	Concurrency    int    `ini:"concurrency"`
	SettleMinSec   int    `ini:"settle_min"`
	SettleMaxSec   int    `ini:"settle_max"`
}

// LifecycleConf 阈值为 0 时表示不启用对应条件。
type LifecycleConf struct {
	QuotaThresholdGB float64 `ini:"quota_threshold_gb"`
	LifeThresholdHrs int     `ini:"life_threshold_hours"`
	Concurrency      int     `ini:"concurrency"`
}

type OutputConf struct {
	MaxCount        int    `ini:"max_count"`
	FastestMaxCount int    `ini:"fastest_max_count"`
	ClashFile       string `ini:"clash_file"`
	V2rayFile       string `ini:"v2ray_file"`
	FastestFile     string `ini:"fastest_file"`
}

// Config 是 harvest.ini 的统一配置结构体。
type Config struct {
	LogConf       `ini:"log"`
	CollectConf   `ini:"collect"`
	ProbeConf     `ini:"probe"`
	LifecycleConf `ini:"lifecycle"`
	OutputConf    `ini:"output"`
}

// Env 保存来自环境变量（或 .env 文件）的远程存储凭据与链接。
type Env struct {
	GistToken              string
	GistUsername           string
	GistID                 string
	GistLink               string
	V2rayGistLink          string
	CustomizeLink          string
	PushgatewayURL         string
	EnableSpecialProtocols bool
}

// HasGist reports whether the primary remote store can be addressed.
func (e Env) HasGist() bool {
	return e.GistToken != "" && e.GistUsername != "" && e.GistID != ""
}
