package cache

import (
	"context"
	"path/filepath"
	"time"
)

// sysFile 是缓存根目录下的系统文件，不属于任何 region，也不计入缓存大小。
type sysFile struct {
	path  string
	files fileAccess
}

func newSysFile(root, name string, files fileAccess) sysFile {
	return sysFile{path: filepath.Join(root, name), files: files}
}

// readInt 在文件缺失、被占用或格式不符时返回 false。
func (s sysFile) readInt(ctx context.Context) (int64, bool) {
	data, err := s.files.readFile(ctx, s.path)
	if err != nil {
		return 0, false
	}
	return decodeSysValue(data)
}

func (s sysFile) writeInt(ctx context.Context, v int64) error {
	return s.files.writeBytes(ctx, s.path, encodeSysValue(v))
}

func (s sysFile) readTime(ctx context.Context) (time.Time, bool) {
	v, ok := s.readInt(ctx)
	if !ok || v == 0 {
		return time.Time{}, false
	}
	return fromTicks(v), true
}

func (s sysFile) writeTime(ctx context.Context, t time.Time) error {
	return s.writeInt(ctx, toTicks(t))
}
