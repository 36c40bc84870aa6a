package handoff

import (
	"container/list"
	"sync"
	"time"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/google/uuid"
)

// Record 一条交接决策审计记录
type Record struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	From      state.AgentName `json:"from"`
	To        state.AgentName `json:"to"`
	Trigger   Trigger         `json:"trigger"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// History 按会话保存最近的交接决策（环形缓冲），
// 会话数量超过上限时按最近更新时间淘汰（LRU）
type History struct {
	size        int
	maxSessions int
	mu          sync.RWMutex
	sessions    map[string]*list.Element
	lru         *list.List
}

type sessionRecords struct {
	id      string
	records []Record
}

// NewHistory 创建审计记录，size 为每会话保留条数，maxSessions 为会话上限
func NewHistory(size, maxSessions int) *History {
	if size <= 0 {
		size = 32
	}
	if maxSessions <= 0 {
		maxSessions = 1024
	}
	return &History{
		size:        size,
		maxSessions: maxSessions,
		sessions:    make(map[string]*list.Element),
		lru:         list.New(),
	}
}

// Add 追加记录，超出容量时丢弃最旧的
func (h *History) Add(r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	el, ok := h.sessions[r.SessionID]
	if !ok {
		el = h.lru.PushFront(&sessionRecords{id: r.SessionID})
		h.sessions[r.SessionID] = el
		for h.lru.Len() > h.maxSessions {
			oldest := h.lru.Back()
			h.lru.Remove(oldest)
			delete(h.sessions, oldest.Value.(*sessionRecords).id)
		}
	} else {
		h.lru.MoveToFront(el)
	}

	entry := el.Value.(*sessionRecords)
	recs := append(entry.records, r)
	if len(recs) > h.size {
		recs = append([]Record(nil), recs[len(recs)-h.size:]...)
	}
	entry.records = recs
}

// List 返回会话最近 limit 条记录（旧 → 新），limit<=0 返回全部
func (h *History) List(sessionID string, limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	el, ok := h.sessions[sessionID]
	if !ok {
		return []Record{}
	}
	recs := el.Value.(*sessionRecords).records
	if limit > 0 && limit < len(recs) {
		recs = recs[len(recs)-limit:]
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Sessions 返回当前保留记录的会话数
func (h *History) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Clear 清除会话记录
func (h *History) Clear(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if el, ok := h.sessions[sessionID]; ok {
		h.lru.Remove(el)
		delete(h.sessions, sessionID)
	}
}
