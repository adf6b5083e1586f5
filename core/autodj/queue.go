package autodj

import (
	"sync"

	"QFMConsole/model"
)

// QueueEntry 点播队列中的一项
type QueueEntry struct {
	Track     *model.Track
	RequestID string
}

// Queue 先进先出的点播队列，同时维护 trackID → requestID 映射
// 同一曲目可以有多条点播，按入队顺序保存
// 映射在曲目开始播放或被拒绝时删除，与出队无关
type Queue struct {
	mu       sync.Mutex
	entries  []QueueEntry
	requests map[string][]string
}

// NewQueue 创建空队列
func NewQueue() *Queue {
	return &Queue{requests: make(map[string][]string)}
}

// Enqueue 入队，requestID 为空表示手动加入
func (q *Queue) Enqueue(t *model.Track, requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, QueueEntry{Track: t, RequestID: requestID})
	if requestID != "" {
		q.requests[t.ID] = append(q.requests[t.ID], requestID)
	}
}

// Pop 取出队首
func (q *Queue) Pop() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	e := q.entries[0]
	q.entries[0] = QueueEntry{}
	q.entries = q.entries[1:]
	return e, true
}

// Peek 查看队首但不取出
func (q *Queue) Peek() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	return q.entries[0], true
}

// Entries 队列快照
func (q *Queue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// TakeRequest 删除并返回曲目最早的一条点播映射（手动播放已点播的曲目时使用）
func (q *Queue) TakeRequest(trackID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.requests[trackID]
	if len(ids) == 0 {
		return "", false
	}
	q.setLocked(trackID, ids[1:])
	return ids[0], true
}

// Release 删除指定的一条映射，映射已不存在时返回 false
func (q *Queue) Release(trackID, requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.requests[trackID]
	for i, id := range ids {
		if id == requestID {
			rest := append(append([]string(nil), ids[:i]...), ids[i+1:]...)
			q.setLocked(trackID, rest)
			return true
		}
	}
	return false
}

func (q *Queue) setLocked(trackID string, ids []string) {
	if len(ids) == 0 {
		delete(q.requests, trackID)
		return
	}
	q.requests[trackID] = ids
}

// HasRequest 映射中是否还有该点播
func (q *Queue) HasRequest(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ids := range q.requests {
		for _, id := range ids {
			if id == requestID {
				return true
			}
		}
	}
	return false
}

// RequestCount 映射条目数
func (q *Queue) RequestCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ids := range q.requests {
		n += len(ids)
	}
	return n
}

// Reject 删除该点播的所有排队曲目和映射，返回被删除的曲目
func (q *Queue) Reject(requestID string) []*model.Track {
	if requestID == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*model.Track
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.RequestID == requestID {
			removed = append(removed, e.Track)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = QueueEntry{}
	}
	q.entries = kept

	for trackID, ids := range q.requests {
		kept := ids[:0:0]
		for _, id := range ids {
			if id != requestID {
				kept = append(kept, id)
			}
		}
		q.setLocked(trackID, kept)
	}
	return removed
}

// Clear 清空队列和映射
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.requests = make(map[string][]string)
}
