package cache

import (
	"encoding/binary"
	"math"
	"time"
)

// formatVersion 是 policy、raw 正文与 sysfile 共用的 8 字节版本头（3.3.0）。
const formatVersion uint64 = 3<<16 | 3<<8 | 0

const (
	versionLen      = 8
	policyHeaderLen = versionLen + 3*8
)

// 时间戳以 100ns 为单位、从公元 1 年 1 月 1 日 UTC 起计数，0 对应 time.Time 零值。
const (
	tickPrecision  = 100 * time.Nanosecond
	ticksPerSecond = int64(time.Second / tickPrecision)
	unixEpochTicks = int64(62135596800) * ticksPerSecond
	maxTickSeconds = (math.MaxInt64-unixEpochTicks)/ticksPerSecond - 1
	minTickSeconds = -unixEpochTicks / ticksPerSecond
)

// Policy 描述条目的过期策略，Key 为反向引用，用于 hashed 策略校验冲突。
//
// SlidingExpiration > 0 时，AbsoluteExpiration 在写入与每次命中续期时都被重新计算为
// now + SlidingExpiration。AbsoluteExpiration 为零值表示永不过期。
type Policy struct {
	AbsoluteExpiration time.Time
	SlidingExpiration  time.Duration
	Key                string
}

// NoExpiration 返回永不过期的策略。
func NoExpiration() Policy {
	return Policy{}
}

// ExpiresAt 返回在指定时间点过期的策略。
// 时间精度为 100ns，超出可表示范围的时间被截断到边界。
func ExpiresAt(t time.Time) Policy {
	return Policy{AbsoluteExpiration: truncateTick(t)}
}

// ExpiresAfterIdle 返回滑动过期策略，每次命中都会续期 d。
func ExpiresAfterIdle(d time.Duration) Policy {
	return Policy{SlidingExpiration: d}
}

// renew 按滑动窗口重新计算绝对过期时间。
func (p Policy) renew(now time.Time) Policy {
	if p.SlidingExpiration > 0 {
		p.AbsoluteExpiration = truncateTick(now.Add(p.SlidingExpiration))
	}
	return p
}

// Expired 判断在 now 时刻（加上 grace 宽限）策略是否已过期。
func (p Policy) Expired(now time.Time, grace time.Duration) bool {
	if p.AbsoluteExpiration.IsZero() {
		return false
	}
	return p.AbsoluteExpiration.Add(grace).Before(now)
}

// encodePolicy 输出小端序布局：版本头、绝对过期（100ns tick，0 表示永不过期）、
// UTC 偏移、滑动时长、uvarint 长度前缀的 key。
func encodePolicy(p Policy) []byte {
	buf := make([]byte, 0, policyHeaderLen+binary.MaxVarintLen64+len(p.Key))
	buf = binary.LittleEndian.AppendUint64(buf, formatVersion)

	var abs, offset int64
	if !p.AbsoluteExpiration.IsZero() {
		abs = toTicks(p.AbsoluteExpiration)
		_, seconds := p.AbsoluteExpiration.Zone()
		offset = int64(time.Duration(seconds) * time.Second)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(abs))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(offset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.SlidingExpiration))

	buf = binary.AppendUvarint(buf, uint64(len(p.Key)))
	return append(buf, p.Key...)
}

// decodePolicy 在版本头不匹配或数据被截断时返回永不过期的默认策略与 false，
// 兼容旧格式与损坏文件而不报错。
func decodePolicy(data []byte) (Policy, bool) {
	if len(data) < versionLen || binary.LittleEndian.Uint64(data) != formatVersion {
		return NoExpiration(), false
	}
	if len(data) < policyHeaderLen {
		return NoExpiration(), false
	}

	abs := int64(binary.LittleEndian.Uint64(data[8:]))
	offset := time.Duration(binary.LittleEndian.Uint64(data[16:]))
	sliding := time.Duration(binary.LittleEndian.Uint64(data[24:]))

	keyLen, n := binary.Uvarint(data[policyHeaderLen:])
	if n <= 0 {
		return NoExpiration(), false
	}
	rest := data[policyHeaderLen+n:]
	if uint64(len(rest)) < keyLen {
		return NoExpiration(), false
	}

	p := Policy{
		SlidingExpiration: sliding,
		Key:               string(rest[:keyLen]),
	}
	if abs != 0 {
		p.AbsoluteExpiration = fromTicks(abs).In(zoneFor(offset))
	}
	return p, true
}

// toTicks 把 t 转为 tick 数。公元 1 年之前的时间记为 1，上限约为公元 29228 年。
func toTicks(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix()
	switch {
	case sec > maxTickSeconds:
		return math.MaxInt64
	case sec < minTickSeconds:
		return 1
	}
	ticks := unixEpochTicks + sec*ticksPerSecond + int64(t.Nanosecond())/int64(tickPrecision)
	if ticks <= 0 {
		return 1
	}
	return ticks
}

func fromTicks(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	d := ticks - unixEpochTicks
	sec, rem := d/ticksPerSecond, d%ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*int64(tickPrecision)).UTC()
}

// truncateTick 让时间只保留 tick 能表示的部分，使编码前后的值相等。
func truncateTick(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return fromTicks(toTicks(t)).In(t.Location())
}

func zoneFor(offset time.Duration) *time.Location {
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", int(offset/time.Second))
}

// encodeSysValue 使用与 policy 相同的版本头包装一个 int64。
func encodeSysValue(v int64) []byte {
	buf := make([]byte, 0, versionLen+8)
	buf = binary.LittleEndian.AppendUint64(buf, formatVersion)
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func decodeSysValue(data []byte) (int64, bool) {
	if len(data) < versionLen+8 || binary.LittleEndian.Uint64(data) != formatVersion {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(data[versionLen:])), true
}
