package services

import "sync"

// ticketLocks 按工单 id 串行化变更，不同工单互不阻塞
type ticketLocks struct {
	mu    sync.Mutex
	locks map[uint]*ticketLock
}

type ticketLock struct {
	mu   sync.Mutex
	refs int
}

func newTicketLocks() *ticketLocks {
	return &ticketLocks{locks: make(map[uint]*ticketLock)}
}

// Lock 获取工单锁，返回解锁函数
func (l *ticketLocks) Lock(id uint) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &ticketLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *ticketLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
