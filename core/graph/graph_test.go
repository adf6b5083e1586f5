package graph

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"QFMConsole/core/audio"
	"QFMConsole/model"
)

const testRate = 48000

type nopHandle struct{}

func (nopHandle) Open(ctx context.Context) (io.ReadCloser, error) { return io.NopCloser(nil), nil }
func (nopHandle) Regenerate(ctx context.Context) error            { return nil }
func (nopHandle) Location() string                                { return "test" }
func (nopHandle) Ext() string                                     { return ".wav" }

// toneDecoder 每次返回一个恒定电平的测试流
type toneDecoder struct {
	amp     float64
	frames  int
	gate    chan struct{}
	entered chan struct{}
}

func (d *toneDecoder) Decode(ctx context.Context, h model.MediaHandle) (audio.Stream, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}
	dur := time.Duration(float64(d.frames) / testRate * float64(time.Second))
	return audio.NewToneStream(testRate, 0, d.amp, dur), nil
}

func newTestManager(t *testing.T, dec audio.Decoder) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		SampleRate: testRate,
		BlockSize:  64,
		Effects:    model.DefaultEffects(),
	}, dec)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func newTrack(id string) *model.Track {
	return model.NewTrack(id, "Song "+id, "", nopHandle{})
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGraph_ConnectRejectsCycles(t *testing.T) {
	g := New(16)
	for _, id := range []string{"a", "b", "c"} {
		if err := g.AddNode(NewBusNode(id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Connect("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect("b", "c"); err != nil {
		t.Fatal(err)
	}

	if err := g.Connect("c", "a"); !errors.Is(err, ErrCycle) {
		t.Errorf("Expected ErrCycle, got %v", err)
	}
	if err := g.Connect("a", "a"); !errors.Is(err, ErrCycle) {
		t.Errorf("Expected ErrCycle for self loop, got %v", err)
	}
	if err := g.Connect("a", "b"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
	if err := g.Connect("a", "missing"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
	if err := g.AddNode(NewBusNode("a")); !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("Expected ErrDuplicateNode, got %v", err)
	}
	if err := g.Disconnect("a", "c"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestGraph_RenderSumsPredecessors(t *testing.T) {
	g := New(32)
	s1 := NewLiveSourceNode("s1", audio.NewToneStream(testRate, 0, 0.25, 0))
	s2 := NewLiveSourceNode("s2", audio.NewToneStream(testRate, 0, 0.5, 0))
	half := NewGainNode("half", 0.5)
	bus := NewBusNode("bus")
	for _, n := range []Node{bus, half, s1, s2} {
		if err := g.AddNode(n); err != nil {
			t.Fatal(err)
		}
	}
	for _, l := range [][2]string{{"s1", "bus"}, {"s2", "half"}, {"half", "bus"}} {
		if err := g.Connect(l[0], l[1]); err != nil {
			t.Fatal(err)
		}
	}

	g.Render(32)
	out := g.Output("bus", 32)
	if len(out) != 32 {
		t.Fatalf("Expected 32 frames, got %d", len(out))
	}
	for i, fr := range out {
		if !approx(fr[0], 0.5) || !approx(fr[1], 0.5) {
			t.Fatalf("frame %d: expected 0.5, got %v", i, fr)
		}
	}

	g.RemoveNode("half")
	g.Render(32)
	if v := g.Output("bus", 1)[0][0]; !approx(v, 0.25) {
		t.Errorf("Expected 0.25 after removing a branch, got %v", v)
	}
}

func TestManager_MusicLevelDoesNotReachBroadcast(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.5, frames: testRate})
	if err := m.LoadDeck(context.Background(), DeckA, newTrack("a"), 1); err != nil {
		t.Fatalf("LoadDeck failed: %v", err)
	}
	if err := m.Start(DeckA); err != nil {
		t.Fatal(err)
	}
	for _, g := range m.GainNodes(model.ChannelMusic) {
		g.SetGain(0)
	}

	m.Render(64)

	for i, fr := range m.BroadcastBlock() {
		if !approx(fr[0], 0.5) {
			t.Fatalf("broadcast frame %d: expected 0.5, got %v", i, fr)
		}
	}
	for i, fr := range m.MonitorBlock() {
		if fr[0] != 0 {
			t.Fatalf("monitor frame %d: expected silence, got %v", i, fr)
		}
	}
	_, _, bPeak, bRMS := m.Meters()
	if !approx(bPeak, 0.5) || !approx(bRMS, 0.5) {
		t.Errorf("Expected broadcast meter 0.5/0.5, got %v/%v", bPeak, bRMS)
	}
}

func TestManager_MasterAffectsMonitorOnly(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.4, frames: testRate})
	if err := m.LoadDeck(context.Background(), DeckA, newTrack("a"), 1); err != nil {
		t.Fatal(err)
	}
	m.Start(DeckA)
	m.GainNodes(model.ChannelMaster)[0].SetGain(0.5)

	m.Render(64)
	if v := m.MonitorBlock()[0][0]; !approx(v, 0.2) {
		t.Errorf("Expected monitor 0.2, got %v", v)
	}
	if v := m.BroadcastBlock()[0][0]; !approx(v, 0.4) {
		t.Errorf("Expected broadcast 0.4, got %v", v)
	}
}

func TestManager_ReportsDeckEndOnce(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.1, frames: 100})
	if err := m.LoadDeck(context.Background(), DeckA, newTrack("a"), 1); err != nil {
		t.Fatal(err)
	}
	m.Start(DeckA)

	var reports int
	for i := 0; i < 4; i++ {
		ended := m.Render(64)
		reports += len(ended)
		if i < 1 && len(ended) != 0 {
			t.Fatalf("render %d: deck ended too early", i)
		}
	}
	if reports != 1 {
		t.Errorf("Expected exactly one end report, got %d", reports)
	}
	if m.Playing(DeckA) {
		t.Error("Expected deck to stop after its stream ended")
	}
}

func TestManager_ConcurrentRebuildRejected(t *testing.T) {
	dec := &toneDecoder{amp: 0.1, frames: testRate, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := newTestManager(t, dec)

	done := make(chan error, 1)
	go func() {
		done <- m.LoadDeck(context.Background(), DeckA, newTrack("a"), 1)
	}()
	<-dec.entered

	if err := m.LoadDeck(context.Background(), DeckA, newTrack("b"), 1); !errors.Is(err, ErrRebuildInProgress) {
		t.Errorf("Expected ErrRebuildInProgress, got %v", err)
	}
	close(dec.gate)
	if err := <-done; err != nil {
		t.Fatalf("first LoadDeck failed: %v", err)
	}
	if tr := m.Track(DeckA); tr == nil || tr.ID != "a" {
		t.Errorf("Expected deck A to hold track a, got %v", tr)
	}
}

func TestManager_ReloadReplacesChain(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.1, frames: testRate})
	base := m.Graph().Len()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.LoadDeck(context.Background(), DeckA, newTrack(id), 1); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Graph().Len() - base; got != 8 {
		t.Errorf("Expected one 8-node deck chain after reloads, got %d nodes", got)
	}
	m.Release(DeckA)
	if m.Graph().Len() != base {
		t.Errorf("Expected release to remove the chain, got %d nodes", m.Graph().Len())
	}
	if err := m.Start(DeckA); !errors.Is(err, ErrDeckEmpty) {
		t.Errorf("Expected ErrDeckEmpty, got %v", err)
	}
}

func TestManager_MicInBroadcastToggle(t *testing.T) {
	m := newTestManager(t, &toneDecoder{})
	if err := m.AttachMic(audio.NewToneStream(testRate, 0, 0.3, 0)); err != nil {
		t.Fatal(err)
	}

	m.Render(64)
	if v := m.BroadcastBlock()[0][0]; v != 0 {
		t.Errorf("Expected mic excluded from broadcast by default, got %v", v)
	}
	if v := m.MonitorBlock()[0][0]; !approx(v, 0.3) {
		t.Errorf("Expected mic on monitor, got %v", v)
	}

	if err := m.SetMicInBroadcast(true); err != nil {
		t.Fatal(err)
	}
	m.Render(64)
	if v := m.BroadcastBlock()[0][0]; !approx(v, 0.3) {
		t.Errorf("Expected mic in broadcast, got %v", v)
	}

	if err := m.SetMicInBroadcast(false); err != nil {
		t.Fatal(err)
	}
	m.Render(64)
	if v := m.BroadcastBlock()[0][0]; v != 0 {
		t.Errorf("Expected mic removed from broadcast, got %v", v)
	}
}

func TestManager_FXRemovedWhenFinished(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.2, frames: 100})
	if _, err := m.AddFX(context.Background(), newTrack("fx")); err != nil {
		t.Fatal(err)
	}
	if m.FXCount() != 1 {
		t.Fatalf("Expected 1 fx, got %d", m.FXCount())
	}
	m.Render(64)
	if v := m.BroadcastBlock()[0][0]; !approx(v, 0.2) {
		t.Errorf("Expected fx in broadcast, got %v", v)
	}
	m.Render(64)
	if m.FXCount() != 0 {
		t.Errorf("Expected fx removed after it ended, got %d", m.FXCount())
	}
}

func TestManager_EQAndEffectUpdates(t *testing.T) {
	m := newTestManager(t, &toneDecoder{amp: 0.1, frames: testRate})
	if err := m.LoadDeck(context.Background(), DeckA, newTrack("a"), 1); err != nil {
		t.Fatal(err)
	}

	if err := m.SetEQBand(3, 45); err != nil {
		t.Fatal(err)
	}
	if err := m.SetEQBand(10, 1); err == nil {
		t.Error("Expected error for band 10")
	}
	if got := m.EQ()[3].GainDB; got != model.EQGainLimitDB {
		t.Errorf("Expected clamped gain %v, got %v", model.EQGainLimitDB, got)
	}
	for _, c := range m.decks {
		if got := c.eq.Bands()[3].GainDB; got != model.EQGainLimitDB {
			t.Errorf("Expected deck %s eq band clamped to %v, got %v", c.eq.ID(), model.EQGainLimitDB, got)
		}
	}

	cfg := model.DefaultEffects()
	cfg.Delay.Enabled = true
	cfg.Delay.Time = 0.5
	if err := m.SetEffect(model.EffectDelay, cfg); err != nil {
		t.Fatalf("SetEffect failed: %v", err)
	}
	if !m.Effects().Delay.Enabled || m.Effects().Delay.Time != 0.5 {
		t.Errorf("Expected delay update to be stored, got %+v", m.Effects().Delay)
	}

	cfg.Delay.Feedback = 1.5
	if err := m.SetEffect(model.EffectDelay, cfg); err == nil {
		t.Error("Expected invalid feedback to be rejected")
	}
	if err := m.SetEffect("flanger", cfg); err == nil {
		t.Error("Expected unknown effect to be rejected")
	}
}

func TestEQNode_ReenabledBandStartsClean(t *testing.T) {
	signal := func(n int) [][2]float64 {
		buf := make([][2]float64, n)
		for i := range buf {
			v := math.Sin(2 * math.Pi * 1000 * float64(i) / testRate)
			buf[i] = [2]float64{v, v}
		}
		return buf
	}

	n := NewEQNode("eq", testRate)
	if err := n.SetBand(6, 12); err != nil {
		t.Fatal(err)
	}
	out := make([][2]float64, 256)
	n.Process(signal(256), out)
	if s := n.left[6].State(); s == [2]float64{} {
		t.Fatal("Expected band state after processing")
	}

	// 频段回到平直后继续送入信号，再重新提升
	if err := n.SetBand(6, 0); err != nil {
		t.Fatal(err)
	}
	n.Process(signal(256), out)
	if err := n.SetBand(6, 12); err != nil {
		t.Fatal(err)
	}
	if s := n.left[6].State(); s != [2]float64{} {
		t.Errorf("Expected cleared state on re-enable, got %v", s)
	}

	fresh := NewEQNode("fresh", testRate)
	if err := fresh.SetBand(6, 12); err != nil {
		t.Fatal(err)
	}
	got := make([][2]float64, 256)
	want := make([][2]float64, 256)
	n.Process(signal(256), got)
	fresh.Process(signal(256), want)
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("Expected output %v at %d, got %v", want[i], i, got[i])
		}
	}

	// 仍在启用中的频段修改增益不清零
	if err := n.SetBand(6, 6); err != nil {
		t.Fatal(err)
	}
	if s := n.left[6].State(); s == [2]float64{} {
		t.Error("Expected state kept while band stays active")
	}
}

func TestDelayNode_Echo(t *testing.T) {
	n, err := NewDelayNode("d", 1000, model.DelayConfig{Enabled: true, Time: 0.01, Feedback: 0, Wet: 1})
	if err != nil {
		t.Fatal(err)
	}
	in := make([][2]float64, 30)
	in[0] = [2]float64{1, 1}
	out := make([][2]float64, 30)
	n.Process(in, out)

	if out[0][0] != 1 {
		t.Errorf("Expected dry impulse at 0, got %v", out[0][0])
	}
	if out[10][0] != 1 {
		t.Errorf("Expected echo at 10 samples, got %v", out[10][0])
	}
	if out[20][0] != 0 {
		t.Errorf("Expected no second echo without feedback, got %v", out[20][0])
	}
}
