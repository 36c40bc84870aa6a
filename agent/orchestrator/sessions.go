package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// session 单个会话的运行时记录：单写者锁、进行中轮次的取消函数、未落盘的状态
type session struct {
	lock    chan struct{}
	refs    int
	cancel  context.CancelCauseFunc
	pending *state.ConversationState
}

// sessionTable 会话表，条目在没有引用且没有待保存状态时回收
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

// acquire 获取会话写锁；reject 为 true 时锁被占用直接返回 SESSION_BUSY
func (t *sessionTable) acquire(ctx context.Context, id string, reject bool) (*session, error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		s = &session{lock: make(chan struct{}, 1)}
		t.sessions[id] = s
	}
	s.refs++
	t.mu.Unlock()

	if reject {
		select {
		case s.lock <- struct{}{}:
			return s, nil
		default:
			t.unref(id, s)
			return nil, types.NewError(types.ErrSessionBusy,
				fmt.Sprintf("session %s is already processing a message", id)).WithHTTPStatus(409)
		}
	}

	select {
	case s.lock <- struct{}{}:
		return s, nil
	case <-ctx.Done():
		t.unref(id, s)
		return nil, types.NewError(types.ErrTurnCancelled, "cancelled while waiting for session").
			WithCause(context.Cause(ctx))
	}
}

// release 释放写锁
func (t *sessionTable) release(id string, s *session) {
	t.mu.Lock()
	s.cancel = nil
	t.mu.Unlock()
	<-s.lock
	t.unref(id, s)
}

func (t *sessionTable) unref(id string, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.refs--
	if s.refs <= 0 && s.pending == nil {
		delete(t.sessions, id)
	}
}

// setCancel 登记进行中轮次的取消函数（持锁者调用）
func (t *sessionTable) setCancel(s *session, cancel context.CancelCauseFunc) {
	t.mu.Lock()
	s.cancel = cancel
	t.mu.Unlock()
}

// stop 取消会话进行中的轮次
func (t *sessionTable) stop(id string, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.cancel == nil {
		return false
	}
	s.cancel(cause)
	return true
}

// stopAll 取消全部进行中的轮次，返回取消数量
func (t *sessionTable) stopAll(cause error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sessions {
		if s.cancel != nil {
			s.cancel(cause)
			n++
		}
	}
	return n
}

func (t *sessionTable) setPending(s *session, st *state.ConversationState) {
	t.mu.Lock()
	s.pending = st
	t.mu.Unlock()
}

// pendingFor 返回未落盘状态的副本
func (t *sessionTable) pendingFor(id string) (*state.ConversationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok || s.pending == nil {
		return nil, false
	}
	return s.pending.Clone(), true
}

// pendingCount 待保存会话数
func (t *sessionTable) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sessions {
		if s.pending != nil {
			n++
		}
	}
	return n
}
