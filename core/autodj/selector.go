package autodj

import (
	"math/rand/v2"
	"sync"
	"time"

	"QFMConsole/model"
)

// ShuffleMemory 随机模式下避免重复的历史条数上限
const ShuffleMemory = 10

// Selection 选曲结果
type Selection struct {
	Track     *model.Track
	FromQueue bool
	RequestID string // 出队条目的点播 ID，手动加入时为空
}

// Selector 选下一首：点播队列优先，其次随机或顺序
type Selector struct {
	lib     *Library
	queue   *Queue
	history *History

	mu      sync.Mutex
	shuffle bool
	rng     *rand.Rand
	preview string // 随机模式下已预告的曲目，下一次选曲优先使用
}

// NewSelector 创建选曲器，seed 为 0 时使用当前时间
func NewSelector(lib *Library, queue *Queue, history *History, seed uint64) *Selector {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Selector{
		lib:     lib,
		queue:   queue,
		history: history,
		rng:     rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// SetShuffle 切换随机模式
func (s *Selector) SetShuffle(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuffle = on
	s.preview = ""
}

// Shuffle 是否随机模式
func (s *Selector) Shuffle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuffle
}

// Next 选出下一首并消费队列；曲库为空时返回 false
func (s *Selector) Next(currentID string) (Selection, bool) {
	if e, ok := s.queue.Pop(); ok {
		return Selection{Track: e.Track, FromQueue: true, RequestID: e.RequestID}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pickLocked(currentID, true)
	if t == nil {
		return Selection{}, false
	}
	return Selection{Track: t}, true
}

// Peek 预告下一首，不消费队列
func (s *Selector) Peek(currentID string) (Selection, bool) {
	if e, ok := s.queue.Peek(); ok {
		return Selection{Track: e.Track, FromQueue: true, RequestID: e.RequestID}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pickLocked(currentID, false)
	if t == nil {
		return Selection{}, false
	}
	return Selection{Track: t}, true
}

func (s *Selector) pickLocked(currentID string, consume bool) *model.Track {
	tracks := s.lib.Tracks()
	if len(tracks) == 0 {
		return nil
	}
	if !s.shuffle {
		i := s.lib.IndexOf(currentID)
		return tracks[(i+1)%len(tracks)]
	}

	candidates := s.shuffleCandidates(currentID, tracks)
	var picked *model.Track
	if s.preview != "" {
		for _, t := range candidates {
			if t.ID == s.preview {
				picked = t
				break
			}
		}
	}
	if picked == nil {
		picked = candidates[s.rng.IntN(len(candidates))]
	}
	if consume {
		s.preview = ""
	} else {
		s.preview = picked.ID
	}
	return picked
}

// shuffleCandidates 曲库 - 当前 - 最近 min(10, N-1) 条历史；为空时退化为曲库 - 当前
func (s *Selector) shuffleCandidates(currentID string, tracks []*model.Track) []*model.Track {
	n := min(ShuffleMemory, len(tracks)-1)
	recent := make(map[string]bool)
	for _, id := range s.history.Recent(n) {
		recent[id] = true
	}

	var res, fallback []*model.Track
	for _, t := range tracks {
		if t.ID == currentID {
			continue
		}
		fallback = append(fallback, t)
		if !recent[t.ID] {
			res = append(res, t)
		}
	}
	if len(res) > 0 {
		return res
	}
	if len(fallback) > 0 {
		return fallback
	}
	// 曲库只有当前这一首
	return tracks
}
