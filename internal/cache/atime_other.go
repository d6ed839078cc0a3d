//go:build !linux

package cache

import (
	"os"
	"time"
)

// touch 同时刷新 mtime，这里直接使用 mtime 作为访问时间。
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
