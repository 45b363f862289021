package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"subscribe_nexus/internal/shared/types"
)

// ErrMissingEnv 表示当前命令所需的环境变量缺失。
var ErrMissingEnv = errors.New("missing required environment configuration")

// Default 返回在没有 ini 文件时使用的默认配置。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{Level: "info"},
		CollectConf: types.CollectConf{
			DataDir:        "data",
			DomainsFile:    "domains.txt",
			SubscribesFile: "subscribes.txt",
			CouponsFile:    "coupons.txt",
			Channel:        "jichang_list",
			Pages:          5,
			Concurrency:    32,
			Rigid:          true,
			Display:        true,
			FetchTimeout:   30,
		},
		ProbeConf: types.ProbeConf{
			Workspace:      "clash",
			BinName:        "clash",
			ConfigFile:     "config.yaml",
			ControllerAddr: "127.0.0.1:9090",
			MixedPort:      7890,
			TestURL:        "https://www.google.com/generate_204",
			TimeoutMs:      5000,
			Concurrency:    64,
			SettleMinSec:   3,
			SettleMaxSec:   6,
		},
		LifecycleConf: types.LifecycleConf{
			Concurrency: 32,
		},
		OutputConf: types.OutputConf{
			MaxCount:        200,
			FastestMaxCount: 100,
			ClashFile:       "clash.yaml",
			V2rayFile:       "v2ray.txt",
			FastestFile:     "fastest_proxies.yaml",
		},
	}
}

// LoadIni 加载 harvest.ini 行为配置文件；文件不存在时保留默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err == nil {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvInt(&cfg.ProbeConf.Concurrency, "PROBE_CONCURRENCY")
	overrideFromEnvInt(&cfg.CollectConf.Concurrency, "COLLECT_CONCURRENCY")
	overrideFromEnvInt(&cfg.OutputConf.MaxCount, "MAX_COUNT")
	return nil
}

// LoadEnv 读取可选的 .env 文件后从 lookup 中解析远程存储配置。
// lookup 为 nil 时使用 os.LookupEnv。
func LoadEnv(lookup func(string) (string, bool), dotenvFiles ...string) types.Env {
	if lookup == nil {
		// 已存在的环境变量优先，.env 只补充缺失项
		_ = godotenv.Load(dotenvFiles...)
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	env := types.Env{
		GistToken:      get("GIST_PAT"),
		GistUsername:   get("GIST_USERNAME"),
		GistID:         get("GIST_ID"),
		GistLink:       get("GIST_LINK"),
		V2rayGistLink:  get("V2RAY_GIST_LINK"),
		CustomizeLink:  get("CUSTOMIZE_LINK"),
		PushgatewayURL: get("PUSHGATEWAY_URL"),
	}
	if b, err := strconv.ParseBool(get("ENABLE_SPECIAL_PROTOCOLS")); err == nil {
		env.EnableSpecialProtocols = b
	}

	if (env.GistUsername == "" || env.GistID == "") && env.GistLink != "" {
		if owner, id, err := ParseGistLink(env.GistLink); err == nil {
			if env.GistUsername == "" && owner != "" {
				env.GistUsername = owner
			}
			if env.GistID == "" {
				env.GistID = id
			}
		}
	}
	return env
}

// ParseGistLink 接受 "owner/id"、单独的 id 或完整的 gist 链接。只有 id 时 owner 为空。
func ParseGistLink(link string) (owner, id string, err error) {
	trimmed := strings.TrimSpace(link)
	for _, prefix := range []string{"https://", "http://"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	trimmed = strings.TrimPrefix(trimmed, "gist.github.com/")
	trimmed = strings.Trim(trimmed, "/")

	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], nil
	case len(parts) >= 2 && parts[len(parts)-2] != "" && parts[len(parts)-1] != "":
		return parts[len(parts)-2], parts[len(parts)-1], nil
	}
	return "", "", fmt.Errorf("invalid gist link %q, expected owner/id or id", link)
}

// Validate 检查指定命令所需的环境变量。
func Validate(command string, env types.Env) error {
	var missing []string
	// API 调用只需要 id，拼接 raw 文件地址时还需要 owner。
	requireGist := func(needOwner bool) {
		if env.GistToken == "" {
			missing = append(missing, "GIST_PAT")
		}
		switch {
		case env.GistID == "" && needOwner:
			missing = append(missing, "GIST_USERNAME/GIST_ID or GIST_LINK")
		case env.GistID == "":
			missing = append(missing, "GIST_ID or GIST_LINK")
		case env.GistUsername == "" && needOwner:
			missing = append(missing, "GIST_USERNAME")
		}
	}

	switch command {
	case "fastest":
		requireGist(true)
	case "convert":
		requireGist(false)
		if env.V2rayGistLink == "" {
			missing = append(missing, "V2RAY_GIST_LINK")
		} else if _, _, err := ParseGistLink(env.V2rayGistLink); err != nil {
			missing = append(missing, "V2RAY_GIST_LINK")
		}
	case "custom":
		requireGist(false)
		if env.CustomizeLink == "" {
			missing = append(missing, "CUSTOMIZE_LINK")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
