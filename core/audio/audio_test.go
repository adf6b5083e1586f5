package audio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"QFMConsole/model"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/generators"
	"github.com/gopxl/beep/v2/wav"
)

// writeToneWAV writes a mono-sourced stereo sine tone as a 16-bit WAV file.
func writeToneWAV(t *testing.T, path string, rate int, seconds float64) {
	t.Helper()
	sr := beep.SampleRate(rate)
	tone, err := generators.SineTone(sr, 440)
	if err != nil {
		t.Fatalf("SineTone: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	format := beep.Format{SampleRate: sr, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, beep.Take(int(seconds*float64(rate)), tone), format); err != nil {
		t.Fatalf("wav.Encode: %v", err)
	}
}

func drain(t *testing.T, s Stream) int {
	t.Helper()
	buf := make([][2]float64, 512)
	total := 0
	for {
		n, ok := s.Stream(buf)
		total += n
		if !ok {
			return total
		}
	}
}

func TestMediaDecoder_WAVResamplesToEngineRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeToneWAV(t, path, 44100, 1)

	dec := NewMediaDecoder(48000, "")
	s, err := dec.Decode(context.Background(), NewFileHandle(path))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	defer s.Close()

	if d := s.Duration(); d < 990*time.Millisecond || d > 1010*time.Millisecond {
		t.Errorf("Expected ~1s duration, got %v", d)
	}
	frames := drain(t, s)
	if frames < 47000 || frames > 49000 {
		t.Errorf("Expected ~48000 frames at engine rate, got %d", frames)
	}
	if s.Err() != nil {
		t.Errorf("Unexpected stream error: %v", s.Err())
	}
}

func TestURLHandle_StreamsAfterCallerContextEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.wav")
	writeToneWAV(t, path, 48000, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewMediaDecoder(48000, "").Decode(ctx, NewURLHandle(srv.URL+"/remote.wav", nil))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	defer s.Close()
	// 控制请求返回后调用方的 ctx 即被取消，播放仍需继续
	cancel()

	frames := drain(t, s)
	if frames < 95000 || frames > 97000 {
		t.Errorf("Expected ~96000 frames, got %d", frames)
	}
	if s.Err() != nil {
		t.Errorf("Unexpected stream error: %v", s.Err())
	}
}

func TestURLHandle_NoWholeRequestTimeout(t *testing.T) {
	h := NewURLHandle("http://example.invalid/a.mp3", nil)
	if h.client.Timeout != 0 {
		t.Errorf("Expected no overall client timeout, got %v", h.client.Timeout)
	}
	tr, ok := h.client.Transport.(*http.Transport)
	if !ok || tr.ResponseHeaderTimeout <= 0 {
		t.Error("Expected a bounded response header timeout")
	}
}

func TestMediaDecoder_UnsupportedWithoutFFmpeg(t *testing.T) {
	dec := NewMediaDecoder(48000, "")
	_, err := dec.Decode(context.Background(), NewFileHandle("x.ogg"))
	if err == nil {
		t.Fatal("Expected error for .ogg without ffmpeg")
	}
}

func TestBufferHandle_InvalidateAndRegenerate(t *testing.T) {
	loads := 0
	h := NewBufferHandle("jingle", ".wav", []byte("abc"), func(ctx context.Context) ([]byte, error) {
		loads++
		return []byte("fresh"), nil
	})

	h.Invalidate()
	if _, err := h.Open(context.Background()); !errors.Is(err, ErrHandleInvalid) {
		t.Fatalf("Expected ErrHandleInvalid, got %v", err)
	}
	if err := h.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	rc, err := h.Open(context.Background())
	if err != nil {
		t.Fatalf("Open after regenerate failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "fresh" || loads != 1 {
		t.Errorf("Expected reloaded data once, got %q after %d loads", data, loads)
	}
}

type countingDecoder struct {
	failures int
	calls    int
}

func (d *countingDecoder) Decode(ctx context.Context, h model.MediaHandle) (Stream, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, ErrHandleInvalid
	}
	return NewToneStream(48000, 0, 0.5, 3*time.Second), nil
}

type fakeHandle struct {
	regenerated int
	regenErr    error
}

func (h *fakeHandle) Open(ctx context.Context) (io.ReadCloser, error) { return nil, nil }
func (h *fakeHandle) Regenerate(ctx context.Context) error {
	h.regenerated++
	return h.regenErr
}
func (h *fakeHandle) Location() string { return "fake" }
func (h *fakeHandle) Ext() string      { return ".wav" }

func TestOpenTrack_RegeneratesExactlyOnce(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		regenErr    error
		wantErr     bool
		wantCalls   int
		wantRegen   int
		wantSeconds float64
	}{
		{name: "first try", failures: 0, wantCalls: 1, wantRegen: 0, wantSeconds: 3},
		{name: "recovers after regenerate", failures: 1, wantCalls: 2, wantRegen: 1, wantSeconds: 3},
		{name: "still broken", failures: 5, wantErr: true, wantCalls: 2, wantRegen: 1},
		{name: "regenerate fails", failures: 5, regenErr: errors.New("gone"), wantErr: true, wantCalls: 1, wantRegen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &countingDecoder{failures: tt.failures}
			h := &fakeHandle{regenErr: tt.regenErr}
			track := model.NewTrack("t-1", "Song", "", h)

			s, err := OpenTrack(context.Background(), dec, track)
			if tt.wantErr {
				if !model.IsKind(err, model.ErrResourceInvalid) {
					t.Fatalf("Expected ResourceInvalid, got %v", err)
				}
				var ce *model.ConsoleError
				if errors.As(err, &ce) && ce.TrackID != "t-1" {
					t.Errorf("Expected error to name the track, got %q", ce.TrackID)
				}
			} else if err != nil || s == nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if dec.calls != tt.wantCalls {
				t.Errorf("Expected %d decode calls, got %d", tt.wantCalls, dec.calls)
			}
			if h.regenerated != tt.wantRegen {
				t.Errorf("Expected %d regenerations, got %d", tt.wantRegen, h.regenerated)
			}
			if track.Duration() != tt.wantSeconds {
				t.Errorf("Expected duration %v, got %v", tt.wantSeconds, track.Duration())
			}
		})
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver("/srv/media")
	r.Register("minio", func(loc string) (model.MediaHandle, error) {
		return NewBufferHandle(loc, ".mp3", []byte{1}, nil), nil
	})

	tests := []struct {
		location string
		want     string
		wantErr  bool
	}{
		{location: "songs/a.mp3", want: "/srv/media/songs/a.mp3"},
		{location: "/abs/b.flac", want: "/abs/b.flac"},
		{location: "file:///tmp/c.wav", want: "/tmp/c.wav"},
		{location: "https://cdn.example.com/d.mp3?sig=1", want: "https://cdn.example.com/d.mp3?sig=1"},
		{location: "minio://bucket/e.mp3", want: "buffer:minio://bucket/e.mp3"},
		{location: "ftp://x/y.mp3", wantErr: true},
		{location: "", wantErr: true},
	}
	for _, tt := range tests {
		h, err := r.Resolve(tt.location)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Resolve(%q): expected error", tt.location)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.location, err)
			continue
		}
		if h.Location() != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.location, h.Location(), tt.want)
		}
	}

	h, _ := r.Resolve("https://cdn.example.com/d.MP3?sig=1")
	if h.Ext() != ".mp3" {
		t.Errorf("Expected URL extension without query, got %q", h.Ext())
	}
}

func TestToneStream(t *testing.T) {
	s := NewToneStream(1000, 0, 0.25, time.Second)
	buf := make([][2]float64, 300)
	total := 0
	for {
		n, ok := s.Stream(buf)
		if !ok {
			break
		}
		for i := 0; i < n; i++ {
			if buf[i][0] != 0.25 || buf[i][1] != 0.25 {
				t.Fatalf("Expected constant 0.25, got %v", buf[i])
			}
		}
		total += n
	}
	if total != 1000 {
		t.Errorf("Expected 1000 frames, got %d", total)
	}
	if s.Position() != time.Second {
		t.Errorf("Expected position 1s, got %v", s.Position())
	}
}
