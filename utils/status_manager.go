package utils

import "sync"

const (
	// Init 会话初始化状态
	Init = "init"
	// Connected 客户端已连接
	Connected = "connected"
	// Finish 调试结束状态
	Finish = "finish"
)

// StatusManager 记录调试会话的状态的
type StatusManager struct {
	lock   sync.RWMutex
	status string
}

func NewStatusManager() *StatusManager {
	return &StatusManager{
		status: Init,
	}
}

func (s *StatusManager) Set(status string) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

func (s *StatusManager) Is(statusList ...string) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}
