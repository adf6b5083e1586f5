package autodj

import (
	"sync"

	"QFMConsole/model"
)

// Library 有序曲库，顺序即顺序播放的顺序
type Library struct {
	mu     sync.RWMutex
	tracks []*model.Track
	index  map[string]int
}

// NewLibrary 创建曲库
func NewLibrary(tracks ...*model.Track) *Library {
	l := &Library{}
	l.Set(tracks)
	return l
}

// Set 整体替换曲库，重复 ID 只保留第一个
func (l *Library) Set(tracks []*model.Track) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = make([]*model.Track, 0, len(tracks))
	l.index = make(map[string]int, len(tracks))
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, dup := l.index[t.ID]; dup {
			continue
		}
		l.index[t.ID] = len(l.tracks)
		l.tracks = append(l.tracks, t)
	}
}

// Add 追加曲目，已存在时返回 false
func (l *Library) Add(t *model.Track) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[t.ID]; ok {
		return false
	}
	l.index[t.ID] = len(l.tracks)
	l.tracks = append(l.tracks, t)
	return true
}

// Remove 删除曲目
func (l *Library) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.tracks = append(l.tracks[:i], l.tracks[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.tracks); j++ {
		l.index[l.tracks[j].ID] = j
	}
	return true
}

// Get 按 ID 查找
func (l *Library) Get(id string) (*model.Track, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return l.tracks[i], true
}

// IndexOf 曲目位置，不存在时为 -1
func (l *Library) IndexOf(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i, ok := l.index[id]; ok {
		return i
	}
	return -1
}

// Tracks 返回快照
func (l *Library) Tracks() []*model.Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*model.Track(nil), l.tracks...)
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}
