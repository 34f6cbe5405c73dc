// Package algos 提供账本核心使用的并发与数据结构工具。
package algos

import (
	"context"
	"sync"
)

// KeyedMutex 按键串行化：同一 key 上的持有者同一时刻只有一个，
// 不同 key 互不阻塞。账本用它把单账户的全部变更收敛到一个逻辑执行槽。
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex 创建 KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock 获取 key 对应的执行槽，阻塞直到获得或 ctx 结束。
// 成功时返回释放函数；ctx 结束时返回其错误。
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyedEntry{slot: make(chan struct{}, 1)}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return func() { km.release(key, e) }, nil
	case <-ctx.Done():
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryLock 非阻塞获取执行槽，成功时返回释放函数和 true。
func (km *KeyedMutex) TryLock(key string) (func(), bool) {
	km.mu.Lock()
	e, ok := km.entries[key]
	if !ok {
		e = &keyedEntry{slot: make(chan struct{}, 1)}
		km.entries[key] = e
	}
	e.refs++
	km.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return func() { km.release(key, e) }, true
	default:
		km.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
		return nil, false
	}
}

func (km *KeyedMutex) release(key string, e *keyedEntry) {
	<-e.slot
	km.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(km.entries, key)
	}
	km.mu.Unlock()
}
