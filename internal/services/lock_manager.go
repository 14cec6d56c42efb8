// internal/services/lock_manager.go
package services

import (
	"context"
	"sync"
)

// LockManager 按会话串行化对话轮次，同一会话的历史读取、保存与调度不会交错
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockInfo
}

// lockInfo 包装锁和引用计数，计数归零时从表中移除
type lockInfo struct {
	ch   chan struct{}
	refs int
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*lockInfo)}
}

// Acquire 获取会话锁，ctx 结束前拿不到锁则返回 ctx 的错误
func (lm *LockManager) Acquire(ctx context.Context, conversationID string) (func(), error) {
	lm.mu.Lock()
	info, ok := lm.locks[conversationID]
	if !ok {
		info = &lockInfo{ch: make(chan struct{}, 1)}
		lm.locks[conversationID] = info
	}
	info.refs++
	lm.mu.Unlock()

	select {
	case info.ch <- struct{}{}:
	case <-ctx.Done():
		lm.drop(conversationID, info)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-info.ch
			lm.drop(conversationID, info)
		})
	}, nil
}

func (lm *LockManager) drop(conversationID string, info *lockInfo) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	info.refs--
	if info.refs == 0 {
		delete(lm.locks, conversationID)
	}
}

// Len 当前持有或等待中的会话数
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}
