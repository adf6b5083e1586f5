package autodj

import "sync"

// History 播放历史环形缓冲区，保存最近 size 个曲目 ID
type History struct {
	mu   sync.Mutex
	size int
	ids  []string
}

// NewHistory 创建历史，size<=0 时不限制
func NewHistory(size int) *History {
	return &History{size: size}
}

// Push 追加一条
func (h *History) Push(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, id)
	if h.size > 0 && len(h.ids) > h.size {
		h.ids = append(h.ids[:0], h.ids[len(h.ids)-h.size:]...)
	}
}

// Recent 最近 n 条，最新的在最后
func (h *History) Recent(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.ids) {
		n = len(h.ids)
	}
	if n <= 0 {
		return nil
	}
	return append([]string(nil), h.ids[len(h.ids)-n:]...)
}

// Previous 倒数第二条，即当前曲目之前播放的那一首
func (h *History) Previous() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ids) < 2 {
		return "", false
	}
	return h.ids[len(h.ids)-2], true
}

// IDs 全部历史
func (h *History) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}
