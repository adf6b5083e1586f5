package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/model"

	"github.com/go-redis/redis/v8"
)

// fakeClient 内存版 Redis，只实现用到的命令
type fakeClient struct {
	mu        sync.Mutex
	strings   map[string]string
	ttls      map[string]time.Duration
	hashes    map[string]map[string]string
	published map[string][]string
	failSet   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		strings:   make(map[string]string),
		ttls:      make(map[string]time.Duration),
		hashes:    make(map[string]map[string]string),
		published: make(map[string][]string),
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func (f *fakeClient) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.strings[key] = toString(value)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for _, v := range values {
		if m, ok := v.(map[string]interface{}); ok {
			for k, val := range m {
				h[k] = toString(val)
			}
		}
	}
	return redis.NewIntResult(int64(len(h)), nil)
}

func (f *fakeClient) HGetAll(_ context.Context, key string) *redis.StringStringMapCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewStringStringMapResult(out, nil)
}

func (f *fakeClient) Expire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], toString(message))
	return redis.NewIntResult(1, nil)
}

func (f *fakeClient) messages(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

func TestSettingsStore_RoundTrip(t *testing.T) {
	client := newFakeClient()
	store := NewSettingsStore(client)
	ctx := context.Background()

	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("Expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	s := model.DefaultSettings()
	s.Levels.Mic = 25
	s.AutoDJ = false
	s.EQ[3] = -6
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if client.ttls[settingsKey] != 0 {
		t.Errorf("Expected settings without expiry, got %v", client.ttls[settingsKey])
	}

	got, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Expected stored settings, got ok=%v err=%v", ok, err)
	}
	if got.Levels.Mic != 25 || got.AutoDJ || got.EQ[3] != -6 {
		t.Errorf("Unexpected settings after load: %+v", got)
	}
}

func TestSettingsStore_CorruptValue(t *testing.T) {
	client := newFakeClient()
	client.strings[settingsKey] = "{not json"
	_, ok, err := NewSettingsStore(client).Load(context.Background())
	if err == nil || ok {
		t.Errorf("Expected decode error, got ok=%v err=%v", ok, err)
	}
}

func TestSettingsStore_NilClient(t *testing.T) {
	store := NewSettingsStore(nil)
	if err := store.Save(context.Background(), model.DefaultSettings()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestFrameCache_ArchiveAndGet(t *testing.T) {
	client := newFakeClient()
	fc := NewFrameCache(client, time.Minute, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	fc.Archive(ctx, "conn-1", 1, []byte{1, 2})
	fc.Archive(ctx, "conn-1", 2, []byte{3, 4})

	deadline := time.Now().Add(2 * time.Second)
	for fc.Written() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fc.Written() != 2 {
		t.Fatalf("Expected 2 frames written, got %d", fc.Written())
	}

	data, err := fc.GetFrame(context.Background(), "conn-1", 2)
	if err != nil {
		t.Fatalf("GetFrame failed: %v", err)
	}
	if len(data) != 2 || data[0] != 3 || data[1] != 4 {
		t.Errorf("Expected frame [3 4], got %v", data)
	}
	if ttl := client.ttls[FrameKey("conn-1", 2)]; ttl != time.Minute {
		t.Errorf("Expected frame TTL 1m, got %v", ttl)
	}

	head, ok, err := fc.Head(context.Background(), "conn-1")
	if err != nil || !ok || head != 2 {
		t.Errorf("Expected head 2, got %d ok=%v err=%v", head, ok, err)
	}
}

func TestFrameCache_Miss(t *testing.T) {
	fc := NewFrameCache(newFakeClient(), time.Minute, 1)
	data, err := fc.GetFrame(context.Background(), "conn", 9)
	if err != nil || data != nil {
		t.Errorf("Expected nil, nil on miss, got %v, %v", data, err)
	}
	if _, ok, err := fc.Head(context.Background(), "conn"); ok || err != nil {
		t.Errorf("Expected no head, got ok=%v err=%v", ok, err)
	}
}

func TestFrameCache_DropsWhenFull(t *testing.T) {
	fc := NewFrameCache(newFakeClient(), time.Minute, 2)
	for i := 0; i < 5; i++ {
		fc.Archive(context.Background(), "conn", uint64(i), []byte{0})
	}
	if fc.Dropped() != 3 {
		t.Errorf("Expected 3 dropped frames, got %d", fc.Dropped())
	}
}

func TestStationCache_SyncsBus(t *testing.T) {
	client := newFakeClient()
	sc := NewStationCache(client)
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx, bus)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})

	// 等待订阅建立
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.Publish(events.TypeTrack, model.TrackInfo{ID: "t1", Name: "Song", Artist: "Band", Duration: 30})
		np, _ := sc.GetNowPlaying(context.Background())
		if np != nil && np.TrackID == "t1" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.TypeBroadcastStatus, model.BroadcastSession{ConnectionID: "c9", Status: model.SessionLive})
	bus.Publish(events.TypeRequestRejected, events.RequestData{RequestID: "42", TrackID: "t2"})

	for time.Now().Before(deadline) && len(client.messages(requestChannel)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	np, err := sc.GetNowPlaying(context.Background())
	if err != nil || np == nil {
		t.Fatalf("Expected now playing record, got %v, %v", np, err)
	}
	if np.Name != "Song" || np.Artist != "Band" || np.Duration != 30 {
		t.Errorf("Unexpected track fields: %+v", np)
	}
	if np.Status != "live" || np.ConnectionID != "c9" {
		t.Errorf("Expected live session c9, got %q/%q", np.Status, np.ConnectionID)
	}

	msgs := client.messages(requestChannel)
	if len(msgs) != 1 {
		t.Fatalf("Expected one request notice, got %d", len(msgs))
	}
	var notice RequestNotice
	if err := json.Unmarshal([]byte(msgs[0]), &notice); err != nil {
		t.Fatalf("Invalid notice JSON: %v", err)
	}
	if notice.Type != events.TypeRequestRejected || notice.RequestID != "42" || notice.TrackID != "t2" {
		t.Errorf("Unexpected notice: %+v", notice)
	}
}

func TestStationCache_ClearTrack(t *testing.T) {
	client := newFakeClient()
	sc := NewStationCache(client)
	ctx := context.Background()

	sc.SetNowPlaying(ctx, &model.TrackInfo{ID: "t1", Name: "Song"})
	if err := sc.SetNowPlaying(ctx, nil); err != nil {
		t.Fatalf("SetNowPlaying(nil) failed: %v", err)
	}
	np, _ := sc.GetNowPlaying(ctx)
	if np == nil || np.TrackID != "" || np.Name != "" {
		t.Errorf("Expected cleared track, got %+v", np)
	}
	if client.ttls[nowPlayingKey] != nowPlayingTTL {
		t.Errorf("Expected TTL %v, got %v", nowPlayingTTL, client.ttls[nowPlayingKey])
	}
}
