package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	cacheSubFolder  = "cache"
	policySubFolder = "policy"
	dataExt         = ".dat"
	policyExt       = ".policy"

	sizeFileName        = "cache.size"
	lastCleanedFileName = "cache.lcd"
	semaphoreFileName   = "cache.sem"

	// DefaultCleanInterval 是两次自动清理之间的默认间隔。
	DefaultCleanInterval = 7 * 24 * time.Hour
)

var (
	// ErrNotFound 表示条目不存在、已过期或内容无法解析。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorageBusy 表示文件锁在 AccessTimeout 内未被释放。
	ErrStorageBusy = errors.New("cache storage busy")
	// ErrMaintenanceBusy 表示已有其它线程或进程持有维护锁，本次维护未执行。
	ErrMaintenanceBusy = errors.New("cache maintenance already in progress")
	// ErrInvalidPayload 表示写入值与当前 PayloadMode 不匹配。
	ErrInvalidPayload = errors.New("invalid cache payload")
	// ErrInvalidRegion 表示 region 名称包含路径分隔符等非法内容。
	ErrInvalidRegion = errors.New("invalid cache region")
	// ErrClosed 表示缓存实例已关闭。
	ErrClosed = errors.New("cache closed")
)

// PayloadMode 决定正文文件的编码方式，在构造时确定，同一缓存内不混用。
type PayloadMode int

const (
	// PayloadStructured 通过 ValueCodec 编解码任意值。
	PayloadStructured PayloadMode = iota
	// PayloadRawBytes 原样写入 []byte 或 io.Reader，带版本头。
	PayloadRawBytes
	// PayloadFileReference 写入时复制给定路径的文件，读取时返回缓存内文件路径。
	PayloadFileReference
)

func (m PayloadMode) String() string {
	switch m {
	case PayloadStructured:
		return "structured"
	case PayloadRawBytes:
		return "raw"
	case PayloadFileReference:
		return "file"
	default:
		return fmt.Sprintf("PayloadMode(%d)", int(m))
	}
}

// ParsePayloadMode 将配置中的字符串转换为 PayloadMode。
func ParsePayloadMode(raw string) (PayloadMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "structured":
		return PayloadStructured, nil
	case "raw", "rawbytes":
		return PayloadRawBytes, nil
	case "file", "filename":
		return PayloadFileReference, nil
	default:
		return 0, fmt.Errorf("unsupported payload mode: %s", raw)
	}
}

// StrategyKind 选择 key 到文件路径的映射方式。
type StrategyKind string

const (
	// StrategyDirect 直接使用清洗后的 key 作为文件名。
	StrategyDirect StrategyKind = "direct"
	// StrategyHashed 使用 64 位哈希 + 冲突计数器作为文件名。
	StrategyHashed StrategyKind = "hashed"
)

// Options 控制 Cache 的行为，零值即可使用（direct + structured，无容量上限）。
type Options struct {
	Strategy StrategyKind
	// Hasher 仅用于 hashed 策略；为空时使用 xxhash。
	Hasher      func(string) uint64
	PayloadMode PayloadMode
	// Codec 仅用于 structured 模式；为空时使用 JSONCodec[any]。
	Codec ValueCodec

	// MaxCacheSize 为 0 表示不限制。
	MaxCacheSize int64
	// AccessTimeout 为 0 表示无限等待文件锁。
	AccessTimeout time.Duration
	// CleanInterval 两次启动时自动清理的最小间隔，0 使用 DefaultCleanInterval。
	CleanInterval time.Duration
	// FileGracePeriod 仅用于 file 模式，延长过期判断，避免调用方拿到路径后文件立刻失效。
	FileGracePeriod time.Duration

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// Item 是一次命中的结果。Value 的类型取决于 PayloadMode：
// structured 为 Codec 解码结果，raw 为 []byte，file 为缓存内数据文件路径。
type Item struct {
	Key    string
	Region string
	Value  any
	Policy Policy
}

// SizeEvent 携带容量通知时的当前大小与上限。
type SizeEvent struct {
	CurrentSize int64
	MaxSize     int64
}
