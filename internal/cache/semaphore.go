package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// semaphore 是跨进程的维护锁：对 cache.sem 加非阻塞排他 flock，获取失败立即返回
// ErrMaintenanceBusy，因此任意时刻整个进程组最多只有一个维护过程在运行。
type semaphore struct {
	path string
}

func newSemaphore(root string) semaphore {
	return semaphore{path: filepath.Join(root, semaphoreFileName)}
}

type semaphoreLock struct {
	f *os.File
}

func (s semaphore) tryAcquire() (*semaphoreLock, error) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open maintenance lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrMaintenanceBusy
		}
		return nil, fmt.Errorf("lock maintenance file: %w", err)
	}
	return &semaphoreLock{f: f}, nil
}

func (l *semaphoreLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
