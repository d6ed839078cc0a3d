package config

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/filecache/internal/cache"
)

// parseStrategy 将配置中的策略名称标准化为 cache.StrategyKind。
func parseStrategy(raw string) (cache.StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(cache.StrategyDirect):
		return cache.StrategyDirect, nil
	case string(cache.StrategyHashed):
		return cache.StrategyHashed, nil
	default:
		return "", fmt.Errorf("不支持的存储策略: %s", raw)
	}
}

// CacheOptions 把 [Cache] 表转换为引擎参数（假定 Validate 已经通过）。
func (c *Config) CacheOptions(logger logrus.FieldLogger, reg prometheus.Registerer) (cache.Options, error) {
	strategy, err := parseStrategy(c.Cache.Strategy)
	if err != nil {
		return cache.Options{}, err
	}
	mode, err := cache.ParsePayloadMode(c.Cache.PayloadMode)
	if err != nil {
		return cache.Options{}, err
	}
	return cache.Options{
		Strategy:        strategy,
		PayloadMode:     mode,
		MaxCacheSize:    c.Cache.MaxCacheSize.Bytes(),
		AccessTimeout:   c.Cache.AccessTimeout.DurationValue(),
		CleanInterval:   c.Cache.CleanInterval.DurationValue(),
		FileGracePeriod: c.Cache.FileGracePeriod.DurationValue(),
		Logger:          logger,
		Registerer:      reg,
	}, nil
}
