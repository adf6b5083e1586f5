package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/model"
)

type fakeBackend struct {
	mu        sync.Mutex
	accessErr error
	inputs    []model.Device
	outputs   []model.Device
	lists     atomic.Int32
}

func (b *fakeBackend) RequestAccess(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessErr
}

func (b *fakeBackend) List(_ context.Context, dir model.DeviceDirection) ([]model.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == model.DeviceOutput {
		b.lists.Add(1)
		return append([]model.Device(nil), b.outputs...), nil
	}
	return append([]model.Device(nil), b.inputs...), nil
}

func (b *fakeBackend) setOutputs(devs ...model.Device) {
	b.mu.Lock()
	b.outputs = devs
	b.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	lists  []model.DeviceList
	errors []error
}

func (r *recorder) Publish(t events.Type, data interface{}) {
	if t != events.TypeDevices {
		return
	}
	r.mu.Lock()
	r.lists = append(r.lists, data.(model.DeviceList))
	r.mu.Unlock()
}

func (r *recorder) PublishError(err error) {
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func dev(id string, def bool) model.Device {
	return model.Device{ID: id, Name: id, IsDefault: def}
}

func newFixture(t *testing.T, selIn, selOut string) (*Manager, *fakeBackend, *recorder) {
	t.Helper()
	b := &fakeBackend{
		inputs:  []model.Device{dev("mic.usb", false), dev("mic.builtin", true)},
		outputs: []model.Device{dev("out.hdmi", false), dev("out.speakers", true)},
	}
	r := &recorder{}
	return NewManager(b, r, selIn, selOut), b, r
}

func TestManager_Enumerate(t *testing.T) {
	m, _, r := newFixture(t, "mic.usb", "out.hdmi")
	if err := m.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(m.Inputs()) != 2 || len(m.Outputs()) != 2 {
		t.Errorf("Expected 2 inputs and 2 outputs, got %d/%d", len(m.Inputs()), len(m.Outputs()))
	}
	in, out := m.Selected()
	if in != "mic.usb" || out != "out.hdmi" {
		t.Errorf("Expected saved selection kept, got %s/%s", in, out)
	}
	if len(r.lists) != 1 {
		t.Errorf("Expected one devices event, got %d", len(r.lists))
	}
	if len(r.errs()) != 0 {
		t.Errorf("Expected no errors, got %v", r.errs())
	}
}

func TestManager_AccessDeniedIsNonFatal(t *testing.T) {
	m, b, r := newFixture(t, "", "")
	b.accessErr = errors.New("permission denied")

	err := m.Enumerate(context.Background())
	if !model.IsKind(err, model.ErrDeviceUnavailable) {
		t.Fatalf("Expected DeviceUnavailable, got %v", err)
	}
	if len(m.Inputs()) != 0 || len(m.Outputs()) != 0 {
		t.Error("Expected empty device lists after denied access")
	}
	errs := r.errs()
	if len(errs) != 1 {
		t.Fatalf("Expected one warning, got %d", len(errs))
	}
	var ce *model.ConsoleError
	if !errors.As(errs[0], &ce) || !ce.Recoverable {
		t.Errorf("Expected recoverable DeviceUnavailable, got %v", errs[0])
	}

	b.accessErr = nil
	if err := m.Enumerate(context.Background()); err != nil {
		t.Fatalf("Expected enumeration to recover, got %v", err)
	}
	if len(m.Outputs()) != 2 {
		t.Errorf("Expected devices after access granted, got %d", len(m.Outputs()))
	}
}

func TestManager_FallbackWhenSelectedDisappears(t *testing.T) {
	m, b, r := newFixture(t, "", "out.hdmi")
	var rebound []string
	m.OnOutputChange(func(_ context.Context, target string) error {
		rebound = append(rebound, target)
		return nil
	})
	if err := m.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	b.setOutputs(dev("out.speakers", true))
	if err := m.HandleDevicesChanged(context.Background()); err != nil {
		t.Fatalf("HandleDevicesChanged failed: %v", err)
	}

	if _, out := m.Selected(); out != "out.speakers" {
		t.Errorf("Expected fallback to default output, got %q", out)
	}
	if len(rebound) != 1 || rebound[0] != "out.speakers" {
		t.Errorf("Expected sinks rebound to out.speakers, got %v", rebound)
	}
	errs := r.errs()
	if len(errs) != 1 || !model.IsKind(errs[0], model.ErrDeviceUnavailable) {
		t.Errorf("Expected one DeviceUnavailable warning, got %v", errs)
	}
}

func TestManager_SelectRebinds(t *testing.T) {
	m, _, _ := newFixture(t, "", "")
	if err := m.Enumerate(context.Background()); err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	var outs, ins []string
	m.OnOutputChange(func(_ context.Context, target string) error {
		outs = append(outs, target)
		return nil
	})
	m.OnInputChange(func(_ context.Context, target string) error {
		ins = append(ins, target)
		return nil
	})

	if err := m.SelectOutput(context.Background(), "out.hdmi"); err != nil {
		t.Fatalf("SelectOutput failed: %v", err)
	}
	// 重复选择同一设备不重新绑定
	if err := m.SelectOutput(context.Background(), "out.hdmi"); err != nil {
		t.Fatalf("SelectOutput failed: %v", err)
	}
	if err := m.SelectInput(context.Background(), "mic.usb"); err != nil {
		t.Fatalf("SelectInput failed: %v", err)
	}
	if len(outs) != 1 || outs[0] != "out.hdmi" {
		t.Errorf("Expected one output rebind, got %v", outs)
	}
	if len(ins) != 1 || ins[0] != "mic.usb" {
		t.Errorf("Expected one input rebind, got %v", ins)
	}

	err := m.SelectOutput(context.Background(), "out.missing")
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice, got %v", err)
	}
	if _, out := m.Selected(); out != "out.hdmi" {
		t.Errorf("Expected selection unchanged after failure, got %q", out)
	}
}

func TestManager_RebindFailureSurfaces(t *testing.T) {
	m, _, r := newFixture(t, "", "")
	m.Enumerate(context.Background())
	m.OnOutputChange(func(context.Context, string) error { return errors.New("device busy") })

	err := m.SelectOutput(context.Background(), "out.hdmi")
	if !model.IsKind(err, model.ErrDeviceUnavailable) {
		t.Errorf("Expected DeviceUnavailable, got %v", err)
	}
	if len(r.errs()) != 1 {
		t.Errorf("Expected one error event, got %d", len(r.errs()))
	}
}

func TestManager_WatchReenumerates(t *testing.T) {
	dir := t.TempDir()
	m, b, _ := newFixture(t, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, dir, 20*time.Millisecond) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// 等待 watcher 就绪后再制造事件
	deadline := time.Now().Add(3 * time.Second)
	i := 0
	for b.lists.Load() == 0 && time.Now().Before(deadline) {
		f := filepath.Join(dir, "pcmC0D"+strconv.Itoa(i)+"p")
		os.WriteFile(f, nil, 0o644)
		i++
		time.Sleep(50 * time.Millisecond)
	}
	if b.lists.Load() == 0 {
		t.Fatal("Expected device change to trigger enumeration")
	}
}

func TestManager_WatchMissingPath(t *testing.T) {
	m, _, _ := newFixture(t, "", "")
	err := m.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Millisecond)
	if err == nil {
		t.Error("Expected error watching a missing directory")
	}
}

func TestParseShortList(t *testing.T) {
	out := "47\talsa_output.pci.analog-stereo\tPipeWire\ts32le 2ch 48000Hz\tRUNNING\n" +
		"48\talsa_output.pci.analog-stereo.monitor\tPipeWire\ts32le 2ch 48000Hz\tIDLE\n" +
		"52\talsa_input.usb-mic\tPipeWire\ts16le 1ch 48000Hz\tSUSPENDED\n\n"

	sinks := parseShortList(out, "alsa_output.pci.analog-stereo", false)
	if len(sinks) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(sinks))
	}
	if !sinks[0].IsDefault || sinks[2].IsDefault {
		t.Errorf("Unexpected default flags: %+v", sinks)
	}

	sources := parseShortList(out, "alsa_input.usb-mic", true)
	if len(sources) != 2 {
		t.Fatalf("Expected monitors skipped, got %d entries", len(sources))
	}
	if sources[1].ID != "alsa_input.usb-mic" || !sources[1].IsDefault {
		t.Errorf("Unexpected source: %+v", sources[1])
	}
}
