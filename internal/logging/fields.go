package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述缓存实例本身，打开缓存时输出一次。
func CacheFields(dir, strategy, payloadMode string, maxSize int64) logrus.Fields {
	return logrus.Fields{
		"cache_dir":    dir,
		"strategy":     strategy,
		"payload_mode": payloadMode,
		"max_size":     maxSize,
	}
}

// OperationFields 提供 CLI 单次操作的 key/region/结果字段。
func OperationFields(command, key, region string, hit bool) logrus.Fields {
	return logrus.Fields{
		"command":   command,
		"key":       key,
		"region":    region,
		"cache_hit": hit,
	}
}
