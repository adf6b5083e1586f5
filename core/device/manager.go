package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchPath Linux 下声卡设备节点所在目录
const DefaultWatchPath = "/dev/snd"

// DefaultDebounce 设备变更事件的合并窗口
const DefaultDebounce = 500 * time.Millisecond

// ErrUnknownDevice 选择了不在列表中的设备
var ErrUnknownDevice = errors.New("unknown device")

// Publisher 事件出口
type Publisher interface {
	Publish(t events.Type, data interface{})
	PublishError(err error)
}

// RebindFunc 设备切换回调，target 为空表示系统默认
type RebindFunc func(ctx context.Context, target string) error

// Manager 维护设备列表和当前选择，设备切换时重新绑定输出和采集
type Manager struct {
	backend Backend
	pub     Publisher

	mu          sync.RWMutex
	inputs      []model.Device
	outputs     []model.Device
	selIn       string
	selOut      string
	accessOK    bool
	accessTried bool
	onInput     []RebindFunc
	onOutput    []RebindFunc

	// 串行化枚举，热插拔事件可能与启动时的枚举重叠
	enumMu sync.Mutex
}

// NewManager 创建设备管理器，selIn/selOut 为配置里保存的选择
func NewManager(backend Backend, pub Publisher, selIn, selOut string) *Manager {
	return &Manager{backend: backend, pub: pub, selIn: selIn, selOut: selOut}
}

// OnInputChange 注册输入切换回调（重启采集）
func (m *Manager) OnInputChange(f RebindFunc) {
	m.mu.Lock()
	m.onInput = append(m.onInput, f)
	m.mu.Unlock()
}

// OnOutputChange 注册输出切换回调（重新绑定所有输出）
func (m *Manager) OnOutputChange(f RebindFunc) {
	m.mu.Lock()
	m.onOutput = append(m.onOutput, f)
	m.mu.Unlock()
}

// Inputs 输入设备列表
func (m *Manager) Inputs() []model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Device(nil), m.inputs...)
}

// Outputs 输出设备列表
func (m *Manager) Outputs() []model.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Device(nil), m.outputs...)
}

// Selected 当前选择的输入、输出
func (m *Manager) Selected() (input, output string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selIn, m.selOut
}

// List 设备列表快照
func (m *Manager) List() model.DeviceList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.DeviceList{
		Inputs:         append([]model.Device{}, m.inputs...),
		Outputs:        append([]model.Device{}, m.outputs...),
		SelectedInput:  m.selIn,
		SelectedOutput: m.selOut,
	}
}

// Enumerate 枚举设备。首次调用先请求权限，失败时设备列表为空并发出 DeviceUnavailable 警告
// 选中的设备消失时回退到系统默认
func (m *Manager) Enumerate(ctx context.Context) error {
	m.enumMu.Lock()
	defer m.enumMu.Unlock()

	m.mu.Lock()
	tried, ok := m.accessTried, m.accessOK
	m.mu.Unlock()

	if !tried {
		err := m.backend.RequestAccess(ctx)
		m.mu.Lock()
		m.accessTried = true
		m.accessOK = err == nil
		ok = m.accessOK
		m.mu.Unlock()
		if err != nil {
			m.setLists(nil, nil)
			m.publishList()
			cerr := model.NewConsoleError(model.ErrDeviceUnavailable, "", true,
				fmt.Errorf("audio device access denied: %w", err))
			m.pub.PublishError(cerr)
			return cerr
		}
	}
	if !ok {
		// 之前被拒绝：再试一次，成功后恢复
		if err := m.backend.RequestAccess(ctx); err != nil {
			return model.NewConsoleError(model.ErrDeviceUnavailable, "", true, err)
		}
		m.mu.Lock()
		m.accessOK = true
		m.mu.Unlock()
	}

	inputs, err := m.backend.List(ctx, model.DeviceInput)
	if err != nil {
		return m.enumerateFailed(err)
	}
	outputs, err := m.backend.List(ctx, model.DeviceOutput)
	if err != nil {
		return m.enumerateFailed(err)
	}
	m.setLists(inputs, outputs)

	m.fallback(ctx, model.DeviceInput, inputs)
	m.fallback(ctx, model.DeviceOutput, outputs)

	logger.Debug("audio devices enumerated",
		logger.Int("inputs", len(inputs)),
		logger.Int("outputs", len(outputs)))
	m.publishList()
	return nil
}

// HandleDevicesChanged 设备集合变化时重新枚举
func (m *Manager) HandleDevicesChanged(ctx context.Context) error {
	return m.Enumerate(ctx)
}

func (m *Manager) enumerateFailed(err error) error {
	cerr := model.NewConsoleError(model.ErrDeviceUnavailable, "", true,
		fmt.Errorf("failed to enumerate audio devices: %w", err))
	m.pub.PublishError(cerr)
	return cerr
}

func (m *Manager) setLists(inputs, outputs []model.Device) {
	m.mu.Lock()
	m.inputs = inputs
	m.outputs = outputs
	m.mu.Unlock()
}

// fallback 选中的设备不在新列表中时回退到默认设备
func (m *Manager) fallback(ctx context.Context, dir model.DeviceDirection, list []model.Device) {
	m.mu.Lock()
	sel := &m.selOut
	if dir == model.DeviceInput {
		sel = &m.selIn
	}
	current := *sel
	if current == "" || contains(list, current) {
		m.mu.Unlock()
		return
	}
	def := defaultID(list)
	*sel = def
	m.mu.Unlock()

	logger.Warn("selected audio device disappeared, falling back to default",
		logger.String("direction", string(dir)),
		logger.String("device", current),
		logger.String("fallback", def))
	m.pub.PublishError(model.NewConsoleError(model.ErrDeviceUnavailable, "", true,
		fmt.Errorf("%s device %q disappeared, using system default", dir, current)))
	m.rebind(ctx, dir, def)
}

// SelectInput 选择输入设备，空串表示系统默认
func (m *Manager) SelectInput(ctx context.Context, id string) error {
	return m.sel(ctx, model.DeviceInput, id)
}

// SelectOutput 选择输出设备，空串表示系统默认
func (m *Manager) SelectOutput(ctx context.Context, id string) error {
	return m.sel(ctx, model.DeviceOutput, id)
}

func (m *Manager) sel(ctx context.Context, dir model.DeviceDirection, id string) error {
	m.mu.Lock()
	list := m.outputs
	sel := &m.selOut
	if dir == model.DeviceInput {
		list = m.inputs
		sel = &m.selIn
	}
	if id != "" && !contains(list, id) {
		m.mu.Unlock()
		return model.NewConsoleError(model.ErrDeviceUnavailable, "", true,
			fmt.Errorf("%w: %s %q", ErrUnknownDevice, dir, id))
	}
	changed := *sel != id
	*sel = id
	m.mu.Unlock()

	if changed {
		logger.Info("audio device selected",
			logger.String("direction", string(dir)),
			logger.String("device", id))
		if err := m.rebind(ctx, dir, id); err != nil {
			return err
		}
	}
	m.publishList()
	return nil
}

// rebind 通知所有监听者切换设备，返回第一个失败
func (m *Manager) rebind(ctx context.Context, dir model.DeviceDirection, target string) error {
	m.mu.RLock()
	listeners := m.onOutput
	if dir == model.DeviceInput {
		listeners = m.onInput
	}
	listeners = append([]RebindFunc(nil), listeners...)
	m.mu.RUnlock()

	var first error
	for _, f := range listeners {
		if err := f(ctx, target); err != nil {
			cerr := model.NewConsoleError(model.ErrDeviceUnavailable, "", true,
				fmt.Errorf("failed to rebind %s to %q: %w", dir, target, err))
			m.pub.PublishError(cerr)
			if first == nil {
				first = cerr
			}
		}
	}
	return first
}

func (m *Manager) publishList() {
	m.pub.Publish(events.TypeDevices, m.List())
}

// Watch 监听设备目录变化，合并 debounce 内的事件后重新枚举，直到 ctx 取消
func (m *Manager) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if path == "" {
		path = DefaultWatchPath
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create device watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	logger.Info("watching audio devices", logger.String("path", path))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("device watcher error", logger.ErrorField(err))
		case <-timer.C:
			if err := m.HandleDevicesChanged(ctx); err != nil {
				logger.Warn("device re-enumeration failed", logger.ErrorField(err))
			}
		}
	}
}

func contains(list []model.Device, id string) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}

// defaultID 列表中的默认设备，没有时为空（交给系统决定）
func defaultID(list []model.Device) string {
	for _, d := range list {
		if d.IsDefault {
			return d.ID
		}
	}
	return ""
}
