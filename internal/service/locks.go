package service

import "sync"

type keyedLock struct {
	mu   sync.RWMutex
	refs int
}

// lockSet 按 key 提供读写锁，不再被引用的 key 会被回收，
// 因此房间和消息数量增长不会导致锁表无限增长。
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*keyedLock)}
}

func (s *lockSet) acquire(key string) *keyedLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyedLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *lockSet) release(key string, l *keyedLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// Lock 独占 key，返回解锁函数。
func (s *lockSet) Lock(key string) func() {
	l := s.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.release(key, l)
	}
}

// RLock 共享 key，返回解锁函数。
func (s *lockSet) RLock(key string) func() {
	l := s.acquire(key)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		s.release(key, l)
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func roomKey(roomID string) string       { return "room:" + roomID }
func messageKey(messageID string) string { return "msg:" + messageID }
