package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// accessRetryInterval 是文件锁冲突时的重试间隔。
const accessRetryInterval = 50 * time.Millisecond

// fileAccess 集中处理所有带锁的文件读写：冲突时每 50ms 重试一次，累计等待超过
// timeout（0 表示无限）后返回 ErrStorageBusy。flock 作用于打开的文件描述，因此
// 同进程内的不同 goroutine 与不同进程之间都会互斥。
type fileAccess struct {
	timeout time.Duration
}

func (a fileAccess) open(ctx context.Context, path string, flag int, how int) (*os.File, error) {
	var waited time.Duration
	for {
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		if a.timeout > 0 && waited >= a.timeout {
			return nil, fmt.Errorf("%w: %s locked for %s", ErrStorageBusy, path, waited)
		}
		timer := time.NewTimer(accessRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		waited += accessRetryInterval
	}
}

// readFile 以共享锁读取整个文件。文件不存在时返回的错误满足 errors.Is(err, fs.ErrNotExist)。
func (a fileAccess) readFile(ctx context.Context, path string) ([]byte, error) {
	f, err := a.open(ctx, path, os.O_RDONLY, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// untouchedError 表示写入在改动目标文件之前就已失败，原有内容保持完整。
type untouchedError struct {
	err error
}

func (e untouchedError) Error() string { return e.err.Error() }

func (e untouchedError) Unwrap() error { return e.err }

func isUntouched(err error) bool {
	var u untouchedError
	return errors.As(err, &u)
}

// writeFile 以排他锁原地覆盖文件。先加锁再截断，避免截断他人正在读取的内容。
// 拿不到锁时返回的错误满足 isUntouched。
func (a fileAccess) writeFile(ctx context.Context, path string, write func(io.Writer) error) error {
	f, err := a.open(ctx, path, os.O_WRONLY|os.O_CREATE, unix.LOCK_EX)
	if err != nil {
		return untouchedError{err: err}
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	err = write(f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

func (a fileAccess) writeBytes(ctx context.Context, path string, data []byte) error {
	return a.writeFile(ctx, path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// fileSize 返回常规文件的长度，不存在或是目录时返回 0。
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// removeFile 删除文件并返回释放的字节数；文件已被并发删除时视为无操作。
func removeFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// touch 刷新访问时间。mtime 一并更新，使不支持读取 atime 的平台也能排序。
func touch(path string, now time.Time) {
	_ = os.Chtimes(path, now, now)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
