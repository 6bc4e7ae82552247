// Package keylock provides a mutual-exclusion map keyed by string. Holders of
// different keys never block each other; waiters on the same key queue on a
// weighted semaphore so a wait can be abandoned when its context ends.
// Per-key entries are refcounted and dropped once nobody holds or waits.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Map 持有每个 key 的信号量；零值不可用，请使用 New。
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// New 创建独立的锁表，测试之间互不共享状态。
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock 阻塞直到获得 key 的独占权或 ctx 结束；成功时返回的 unlock 必须调用且只调用一次。
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquireRef(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.releaseRef(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			m.releaseRef(key, e)
		})
	}, nil
}

// Do 在 key 的临界区内执行 fn；fn 返回错误或 panic 时同样释放锁。
func (m *Map) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Len 返回当前仍被持有或等待的 key 数量。
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map) acquireRef(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[key]
	if e == nil {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) releaseRef(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
