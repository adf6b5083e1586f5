package mixer

import (
	"context"
	"sync"
	"testing"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/core/graph"
	"QFMConsole/model"
)

type fakeNodes struct {
	mu    sync.Mutex
	nodes map[model.Channel][]*graph.GainNode
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{nodes: make(map[model.Channel][]*graph.GainNode)}
}

func (f *fakeNodes) add(ch model.Channel, n *graph.GainNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[ch] = append(f.nodes[ch], n)
}

func (f *fakeNodes) GainNodes(ch model.Channel) []*graph.GainNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*graph.GainNode(nil), f.nodes[ch]...)
}

func TestSetLevel_ClampsAndApplies(t *testing.T) {
	nodes := newFakeNodes()
	music := graph.NewGainNode("music", 1)
	master := graph.NewGainNode("master", 1)
	nodes.add(model.ChannelMusic, music)
	nodes.add(model.ChannelMaster, master)
	m := New(nodes, nil, model.DefaultLevels(), 0)

	tests := []struct {
		in   float64
		want float64
	}{
		{in: 50, want: 50},
		{in: 150, want: 100},
		{in: -3, want: 0},
	}
	for _, tt := range tests {
		if got := m.SetLevel(model.ChannelMusic, tt.in); got != tt.want {
			t.Errorf("SetLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if g := music.Gain(); g != tt.want/100 {
			t.Errorf("Expected music gain %v, got %v", tt.want/100, g)
		}
	}
	if master.Gain() != 1 {
		t.Errorf("Expected master untouched, got %v", master.Gain())
	}
}

func TestSetLevel_PublishesLevels(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(4, events.TypeLevels)
	m := New(newFakeNodes(), bus, model.DefaultLevels(), 0)

	m.SetLevel(model.ChannelMic, 25)

	select {
	case ev := <-sub.C:
		levels, ok := ev.Data.(model.ChannelLevels)
		if !ok || levels.Mic != 25 || levels.Master != 100 {
			t.Errorf("Unexpected levels payload: %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a levels event")
	}
}

func TestReconcile_ReachesLateNodes(t *testing.T) {
	nodes := newFakeNodes()
	m := New(nodes, nil, model.DefaultLevels(), 0)
	m.SetLevel(model.ChannelMusic, 40)

	late := graph.NewGainNode("deckB.music", 1)
	nodes.add(model.ChannelMusic, late)
	if late.Gain() != 1 {
		t.Fatalf("Expected node created after change to keep its gain until reconcile")
	}
	m.Reconcile()
	if late.Gain() != 0.4 {
		t.Errorf("Expected reconciled gain 0.4, got %v", late.Gain())
	}
}

func TestRegisterFX_Retroactive(t *testing.T) {
	m := New(newFakeNodes(), nil, model.DefaultLevels(), 0)
	m.SetLevel(model.ChannelFX, 20)

	a := graph.NewGainNode("fx-a", 1)
	m.RegisterFX(a)
	if a.Gain() != 0.2 {
		t.Errorf("Expected registration to apply fx level, got %v", a.Gain())
	}
	b := graph.NewGainNode("fx-b", 1)
	m.RegisterFX(b)

	m.SetLevel(model.ChannelFX, 80)
	if a.Gain() != 0.8 || b.Gain() != 0.8 {
		t.Errorf("Expected every loaded one-shot at 0.8, got %v and %v", a.Gain(), b.Gain())
	}

	m.UnregisterFX(a)
	m.SetLevel(model.ChannelFX, 10)
	if a.Gain() != 0.8 {
		t.Errorf("Expected unregistered node to keep its gain, got %v", a.Gain())
	}
}

func TestRun_ReconcilesUntilCancelled(t *testing.T) {
	nodes := newFakeNodes()
	m := New(nodes, nil, model.ChannelLevels{Master: 30, Music: 100, Mic: 100, FX: 100}, 10*time.Millisecond)
	master := graph.NewGainNode("master", 1)
	nodes.add(model.ChannelMaster, master)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for master.Gain() != 0.3 {
		select {
		case <-deadline:
			t.Fatalf("Expected reconcile loop to apply master level, got %v", master.Gain())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
