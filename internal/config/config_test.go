package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/any-hub/filecache/internal/cache"
)

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("LogLevel 应被解析, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.LogFormat != "json" {
		t.Fatalf("LogFormat 应该自动填充默认值")
	}
	if !filepath.IsAbs(cfg.Cache.CacheDir) {
		t.Fatalf("CacheDir 应转换为绝对路径: %s", cfg.Cache.CacheDir)
	}
	if cfg.Cache.MaxCacheSize.Bytes() != 512*1024*1024 {
		t.Fatalf("MaxCacheSize 解析错误: %d", cfg.Cache.MaxCacheSize)
	}
	if cfg.Cache.AccessTimeout.DurationValue() != 2*time.Second {
		t.Fatalf("AccessTimeout 解析错误: %v", cfg.Cache.AccessTimeout.DurationValue())
	}
	if cfg.Cache.CleanInterval.DurationValue() != time.Hour {
		t.Fatalf("纯数字的 CleanInterval 应按秒解析")
	}
	if cfg.Cache.DefaultRegion != "images" {
		t.Fatalf("DefaultRegion 应被保留")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "[Cache]\nCacheDir = \"./store\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Cache.Strategy != "direct" || cfg.Cache.PayloadMode != "structured" {
		t.Fatalf("默认策略不正确: %+v", cfg.Cache)
	}
	if cfg.Cache.CleanInterval.DurationValue() != 7*24*time.Hour {
		t.Fatalf("CleanInterval 默认应为 7 天")
	}
	if cfg.Cache.MaxCacheSize != 0 {
		t.Fatalf("默认不限制容量")
	}
	if cfg.Global.LogMaxSize != 100 || !cfg.Global.LogCompress {
		t.Fatalf("日志默认值不正确: %+v", cfg.Global)
	}
}

func TestValidateRejectsBadCache(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateFieldErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty dir", func(c *Config) { c.Cache.CacheDir = "" }, "Cache.CacheDir"},
		{"bad strategy", func(c *Config) { c.Cache.Strategy = "sharded" }, "Cache.Strategy"},
		{"bad payload", func(c *Config) { c.Cache.PayloadMode = "xml" }, "Cache.PayloadMode"},
		{"negative size", func(c *Config) { c.Cache.MaxCacheSize = -1 }, "Cache.MaxCacheSize"},
		{"zero interval", func(c *Config) { c.Cache.CleanInterval = 0 }, "Cache.CleanInterval"},
		{"grace without file mode", func(c *Config) { c.Cache.FileGracePeriod = Duration(time.Minute) }, "Cache.FileGracePeriod"},
		{"region escape", func(c *Config) { c.Cache.DefaultRegion = "../x" }, "Cache.DefaultRegion"},
		{"bad level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"bad format", func(c *Config) { c.Global.LogFormat = "xml" }, "Global.LogFormat"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateAcceptsFileGrace(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.PayloadMode = "file"
	cfg.Cache.FileGracePeriod = Duration(time.Minute)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("file 模式下允许设置宽限期: %v", err)
	}
}

func TestCacheOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Strategy = "HASHED"
	cfg.Cache.PayloadMode = "raw"
	cfg.Cache.MaxCacheSize = 1024
	cfg.Cache.AccessTimeout = Duration(time.Second)

	opts, err := cfg.CacheOptions(nil, nil)
	if err != nil {
		t.Fatalf("CacheOptions 返回错误: %v", err)
	}
	if opts.Strategy != cache.StrategyHashed {
		t.Fatalf("策略应大小写无关: %s", opts.Strategy)
	}
	if opts.PayloadMode != cache.PayloadRawBytes {
		t.Fatalf("unexpected payload mode: %s", opts.PayloadMode)
	}
	if opts.MaxCacheSize != 1024 || opts.AccessTimeout != time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.CleanInterval != time.Hour {
		t.Fatalf("CleanInterval 未传递")
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(0).String(); got != "unlimited" {
		t.Fatalf("0 应显示为 unlimited, got %s", got)
	}
	if got := ByteSize(1536).String(); got != "1.5 KiB" {
		t.Fatalf("unexpected string: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Cache: CacheConfig{
			CacheDir:      "./data",
			Strategy:      "direct",
			PayloadMode:   "structured",
			CleanInterval: Duration(time.Hour),
		},
	}
}
