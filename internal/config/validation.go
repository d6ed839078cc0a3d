package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/filecache/internal/cache"
)

const (
	supportedStrategyList    = "direct|hashed"
	supportedPayloadModeList = "structured|raw|file"
	supportedLogFormatList   = "json|text"
)

// Validate 针对语义级别做进一步校验，防止非法配置打开缓存。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	switch strings.ToLower(strings.TrimSpace(g.LogFormat)) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 "+supportedLogFormatList)
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	cc := c.Cache
	if strings.TrimSpace(cc.CacheDir) == "" {
		return newFieldError(cacheField("CacheDir"), "不能为空")
	}
	if _, err := parseStrategy(cc.Strategy); err != nil {
		return newFieldError(cacheField("Strategy"), "仅支持 "+supportedStrategyList)
	}
	mode, err := cache.ParsePayloadMode(cc.PayloadMode)
	if err != nil {
		return newFieldError(cacheField("PayloadMode"), "仅支持 "+supportedPayloadModeList)
	}
	if cc.MaxCacheSize < 0 {
		return newFieldError(cacheField("MaxCacheSize"), "不能为负数")
	}
	if cc.AccessTimeout.DurationValue() < 0 {
		return newFieldError(cacheField("AccessTimeout"), "不能为负数")
	}
	if cc.CleanInterval.DurationValue() <= 0 {
		return newFieldError(cacheField("CleanInterval"), "必须大于 0")
	}
	if cc.FileGracePeriod.DurationValue() < 0 {
		return newFieldError(cacheField("FileGracePeriod"), "不能为负数")
	}
	if cc.FileGracePeriod.DurationValue() > 0 && mode != cache.PayloadFileReference {
		return newFieldError(cacheField("FileGracePeriod"), "仅在 PayloadMode=file 时生效")
	}
	if err := validateRegionName(cc.DefaultRegion); err != nil {
		return newFieldError(cacheField("DefaultRegion"), err.Error())
	}

	return nil
}

func validateRegionName(region string) error {
	if region == "" {
		return nil
	}
	if region == "." || region == ".." {
		return errors.New("不能为 . 或 ..")
	}
	if strings.ContainsAny(region, `/\`) || strings.ContainsRune(region, 0) {
		return errors.New("不允许包含路径分隔符")
	}
	return nil
}
