package cache

import (
	"slices"
	"sync"
)

// notifier 保存容量相关的回调，回调在触发操作所在的 goroutine 中同步执行。
type notifier struct {
	mu         sync.RWMutex
	maxReached []func(SizeEvent)
	resized    []func(SizeEvent)
}

// OnMaxSizeReached 注册写入使聚合大小超过 MaxCacheSize 时的回调。
func (c *Cache) OnMaxSizeReached(fn func(SizeEvent)) {
	c.events.mu.Lock()
	c.events.maxReached = append(c.events.maxReached, fn)
	c.events.mu.Unlock()
}

// OnResized 注册 ShrinkToSize 完成后的回调。
func (c *Cache) OnResized(fn func(SizeEvent)) {
	c.events.mu.Lock()
	c.events.resized = append(c.events.resized, fn)
	c.events.mu.Unlock()
}

func (n *notifier) fireMaxReached(ev SizeEvent) {
	n.mu.RLock()
	handlers := slices.Clone(n.maxReached)
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (n *notifier) fireResized(ev SizeEvent) {
	n.mu.RLock()
	handlers := slices.Clone(n.resized)
	n.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
