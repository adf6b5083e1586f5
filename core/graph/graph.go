package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyConnected 边已存在，重建时视为无害
	ErrAlreadyConnected = errors.New("nodes already connected")
	ErrNotConnected     = errors.New("nodes not connected")
	ErrUnknownNode      = errors.New("unknown node")
	ErrDuplicateNode    = errors.New("duplicate node id")
	ErrCycle            = errors.New("connection would create a cycle")
)

// Node 处理节点：in 是所有前驱输出之和，out 与 in 等长
// 源节点忽略 in
type Node interface {
	ID() string
	Process(in, out [][2]float64)
}

// Graph 有向无环信号图，按拓扑序逐块渲染
// 结构修改持有写锁；Render 持有读锁，只有一个渲染协程
type Graph struct {
	mu        sync.RWMutex
	blockSize int
	ids       []string // 插入顺序，保证拓扑序稳定
	nodes     map[string]Node
	out       map[string]map[string]bool
	in        map[string]map[string]bool
	order     []string
	bufs      map[string][][2]float64
	scratch   [][2]float64
}

// New 创建图，blockSize 为每次渲染的最大帧数
func New(blockSize int) *Graph {
	return &Graph{
		blockSize: blockSize,
		nodes:     make(map[string]Node),
		out:       make(map[string]map[string]bool),
		in:        make(map[string]map[string]bool),
		bufs:      make(map[string][][2]float64),
		scratch:   make([][2]float64, blockSize),
	}
}

// BlockSize 每块帧数
func (g *Graph) BlockSize() int {
	return g.blockSize
}

// AddNode 添加节点
func (g *Graph) AddNode(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := n.ID()
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	g.nodes[id] = n
	g.ids = append(g.ids, id)
	g.out[id] = make(map[string]bool)
	g.in[id] = make(map[string]bool)
	g.bufs[id] = make([][2]float64, g.blockSize)
	g.sortLocked()
	return nil
}

// RemoveNode 删除节点及其所有边，不存在时忽略
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return
	}
	g.disconnectAllLocked(id)
	delete(g.nodes, id)
	delete(g.out, id)
	delete(g.in, id)
	delete(g.bufs, id)
	for i, v := range g.ids {
		if v == id {
			g.ids = append(g.ids[:i], g.ids[i+1:]...)
			break
		}
	}
	g.sortLocked()
}

// Node 按 ID 查找节点
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Connect 连接 from -> to
func (g *Graph) Connect(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if g.out[from][to] {
		return ErrAlreadyConnected
	}
	if from == to || g.reachableLocked(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
	}
	g.out[from][to] = true
	g.in[to][from] = true
	g.sortLocked()
	return nil
}

// Disconnect 断开 from -> to
func (g *Graph) Disconnect(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.out[from][to] {
		return ErrNotConnected
	}
	delete(g.out[from], to)
	delete(g.in[to], from)
	g.sortLocked()
	return nil
}

// DisconnectAll 断开节点的所有入边和出边
func (g *Graph) DisconnectAll(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnectAllLocked(id)
	g.sortLocked()
}

func (g *Graph) disconnectAllLocked(id string) {
	for to := range g.out[id] {
		delete(g.in[to], id)
	}
	for from := range g.in[id] {
		delete(g.out[from], id)
	}
	if _, ok := g.nodes[id]; ok {
		g.out[id] = make(map[string]bool)
		g.in[id] = make(map[string]bool)
	}
}

// Connected 是否存在边 from -> to
func (g *Graph) Connected(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.out[from][to]
}

// Predecessors 返回直接前驱
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var res []string
	for _, v := range g.ids {
		if g.in[id][v] {
			res = append(res, v)
		}
	}
	return res
}

// Len 节点数量
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// reachableLocked 从 src 能否到达 dst
func (g *Graph) reachableLocked(src, dst string) bool {
	seen := map[string]bool{src: true}
	stack := []string{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dst {
			return true
		}
		for next := range g.out[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// sortLocked Kahn 拓扑排序，同层按插入顺序
func (g *Graph) sortLocked() {
	indeg := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		indeg[id] = len(g.in[id])
	}
	order := make([]string, 0, len(g.ids))
	done := make(map[string]bool, len(g.ids))
	for len(order) < len(g.ids) {
		progressed := false
		for _, id := range g.ids {
			if done[id] || indeg[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for to := range g.out[id] {
				indeg[to]--
			}
			progressed = true
		}
		if !progressed {
			break // Connect 拒绝成环，这里不会发生
		}
	}
	g.order = order
}

// Render 渲染一块 frames 帧
func (g *Graph) Render(frames int) {
	if frames > g.blockSize {
		frames = g.blockSize
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	in := g.scratch[:frames]
	for _, id := range g.order {
		for i := range in {
			in[i] = [2]float64{}
		}
		for from := range g.in[id] {
			src := g.bufs[from][:frames]
			for i := range in {
				in[i][0] += src[i][0]
				in[i][1] += src[i][1]
			}
		}
		g.nodes[id].Process(in, g.bufs[id][:frames])
	}
}

// Output 返回节点最近一次渲染的输出，只能在渲染协程中读取
func (g *Graph) Output(id string, frames int) [][2]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	buf, ok := g.bufs[id]
	if !ok {
		return nil
	}
	if frames > len(buf) {
		frames = len(buf)
	}
	return buf[:frames]
}
