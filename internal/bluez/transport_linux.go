//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	dbus "github.com/godbus/dbus/v5"

	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// Transport 持有 system bus 连接，同时充当 Dialer / Discovery，
// Listen 返回的 Listener 共享同一条 bus。
type Transport struct {
	mu      sync.Mutex
	bus     *dbus.Conn
	uuid    string
	closed  bool
	cleanup []func()

	clientProf *profile
	clientPath dbus.ObjectPath
}

// Open 连接 system bus 并确认本机有可用的蓝牙适配器
func Open(serviceUUID string) (*Transport, error) {
	if serviceUUID == "" {
		serviceUUID = SPPUUID
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t := &Transport{bus: bus, uuid: serviceUUID}
	t.cleanup = append(t.cleanup, func() { bus.Close() })
	if err := t.ensureAdapterPowered(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// ensureAdapterPowered 适配器存在性与上电检查，未上电时尝试拉起
func (t *Transport) ensureAdapterPowered() error {
	adapters, err := listAdapters(t.bus)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return errors.New("bluez: no bluetooth adapter found")
	}
	for _, ap := range adapters {
		obj := t.bus.Object(bluezService, ap)
		var powered dbus.Variant
		if call := obj.Call(propsIface+".Get", 0, adapterIface, "Powered"); call.Err != nil || call.Store(&powered) != nil {
			continue
		}
		if on, ok := powered.Value().(bool); ok && on {
			return nil
		}
		if err := obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err; err == nil {
			logger.L().Sugar().Infow("adapter_powered_on", "adapter", string(ap))
			return nil
		}
	}
	return errors.New("bluez: no powered bluetooth adapter")
}

// profile 实现 org.bluez.Profile1，把 NewConnection 送到等待方
type profile struct {
	conns chan acceptResult

	mu     sync.Mutex
	closed bool
}

type acceptResult struct {
	fd      int
	address string
}

func (p *profile) Release() *dbus.Error { return nil }
func (p *profile) Cancel() *dbus.Error  { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{fd: int(fd), address: macFromPath(dev)}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = syscall.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []any{"listener closed"}}
	}
	select {
	case p.conns <- res:
		return nil
	default:
		// 没人收就关 fd，不能泄漏
		_ = syscall.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []any{"no receiver"}}
	}
}

func (p *profile) shut() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.conns)
}

// listener 服务端角色，接收多条入站连接直到 Close
type listener struct {
	t    *Transport
	prof *profile
	path dbus.ObjectPath
	once sync.Once
}

// Listen 注册 server profile，返回可多次 Accept 的 Listener
func (t *Transport) Listen(serviceName string) (stream.Listener, error) {
	if serviceName == "" {
		return nil, errors.New("bluez: service name required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("bluez: transport closed")
	}

	prof := &profile{conns: make(chan acceptResult, 4)}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/com/aclij/btransfer/server/p" + strconv.FormatUint(id, 10))
	if err := t.bus.Export(prof, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name":    dbus.MakeVariant(serviceName),
		"Role":    dbus.MakeVariant("server"),
		"Channel": dbus.MakeVariant(DefaultChannel),
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.uuid, opts); call.Err != nil {
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	logger.L().Sugar().Infow("server_profile_registered", "service", serviceName, "uuid", t.uuid)
	return &listener{t: t, prof: prof, path: path}, nil
}

func (l *listener) Accept() (stream.Conn, error) {
	res, ok := <-l.prof.conns
	if !ok {
		return nil, errors.New("bluez: listener closed")
	}
	c, err := newFDConn(res.fd, res.address)
	if err != nil {
		_ = syscall.Close(res.fd)
		return nil, err
	}
	return c, nil
}

func (l *listener) Close() error {
	l.once.Do(func() {
		pm := l.t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path).Err
		_ = l.t.bus.Export(nil, l.path, profileIface)
		l.prof.shut()
		// 队列里没来得及 Accept 的 fd 也要关
		for res := range l.prof.conns {
			_ = syscall.Close(res.fd)
		}
	})
	return nil
}

// Dial 主动连接 address（MAC），必要时先配对。
// 客户端 profile 在第一次 Dial 时懒注册，之后复用。
func (t *Transport) Dial(ctx context.Context, address string) (stream.Conn, error) {
	if address == "" {
		return nil, errors.New("bluez: address required")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("bluez: transport closed")
	}
	if t.clientProf == nil {
		prof := &profile{conns: make(chan acceptResult, 1)}
		id := atomic.AddUint64(&pathCounter, 1)
		path := dbus.ObjectPath("/com/aclij/btransfer/client/p" + strconv.FormatUint(id, 10))
		if err := t.bus.Export(prof, path, profileIface); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("bluez: export client profile: %w", err)
		}
		pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
		if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.uuid, opts); call.Err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
		}
		t.cleanup = append(t.cleanup, func() {
			_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
			_ = t.bus.Export(nil, path, profileIface)
		})
		t.clientProf = prof
		t.clientPath = path
	}
	prof := t.clientProf
	bus := t.bus
	t.mu.Unlock()

	devPath, err := devicePath(bus, address)
	if err != nil {
		return nil, err
	}
	devObj := bus.Object(bluezService, devPath)

	var pairedVar dbus.Variant
	if call := devObj.Call(propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if paired, ok := pairedVar.Value().(bool); ok && !paired {
				if err := devObj.Call(deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: pair %s: %w", address, err)
				}
			}
		}
	}

	if call := devObj.Call(deviceIface+".ConnectProfile", 0, t.uuid); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile %s: %w", address, call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect %s: %w", address, ctx.Err())
	case res, ok := <-prof.conns:
		if !ok {
			return nil, errors.New("bluez: transport closed")
		}
		if res.address == "" {
			res.address = address
		}
		c, err := newFDConn(res.fd, res.address)
		if err != nil {
			_ = syscall.Close(res.fd)
			return nil, err
		}
		return c, nil
	}
}

// Scan 启动发现并流式返回设备，ctx 结束时停止发现并关闭通道。
// 同一设备只上报一次。
func (t *Transport) Scan(ctx context.Context) (<-chan stream.Device, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("bluez: transport closed")
	}
	bus := t.bus
	t.mu.Unlock()

	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, errors.New("bluez: no bluetooth adapter found")
	}
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
	}
	observe.IncScan()

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		bus.RemoveSignal(sigCh)
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}

	out := make(chan stream.Device, 16)
	go func() {
		defer func() {
			_ = bus.RemoveMatchSignal(
				dbus.WithMatchInterface(objManagerIface),
				dbus.WithMatchMember("InterfacesAdded"),
			)
			bus.RemoveSignal(sigCh)
			for _, ap := range adapters {
				_ = bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
			}
			close(out)
		}()

		seen := make(map[string]bool)
		emit := func(d stream.Device) {
			if d.Address == "" || seen[d.Address] {
				return
			}
			seen[d.Address] = true
			observe.IncDeviceDiscovered()
			select {
			case out <- d:
			case <-ctx.Done():
			}
		}

		// 先吐已知设备，再跟增量信号
		if known, err := snapshotDevices(bus); err == nil {
			for _, d := range known {
				emit(d)
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == nil || len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if ifaces == nil {
					continue
				}
				if d, ok := deviceFromProps(path, ifaces); ok {
					emit(d)
				}
			}
		}
	}()
	return out, nil
}

// Close 幂等，按注册逆序执行清理
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	prof := t.clientProf
	t.mu.Unlock()

	if prof != nil {
		prof.shut()
		for res := range prof.conns {
			_ = syscall.Close(res.fd)
		}
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func snapshotDevices(bus *dbus.Conn) ([]stream.Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []stream.Device
	for path, ifaces := range objs {
		if d, ok := deviceFromProps(path, ifaces); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromProps(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (stream.Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return stream.Device{}, false
	}
	var addr, name string
	var paired bool
	if v, ok := props["Address"]; ok {
		addr, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if name == "" {
		if v, ok := props["Alias"]; ok {
			name, _ = v.Value().(string)
		}
	}
	if v, ok := props["Paired"]; ok {
		paired, _ = v.Value().(bool)
	}
	if addr == "" {
		addr = macFromPath(path)
	}
	if addr == "" {
		return stream.Device{}, false
	}
	return stream.Device{Address: addr, Name: name, Paired: paired}, true
}

// devicePath MAC 反查 Device1 对象路径，优先用 BlueZ 已有对象
func devicePath(bus *dbus.Conn, address string) (dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return "", err
	}
	suffix := "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	for path, ifaces := range objs {
		if _, ok := ifaces[deviceIface]; ok && strings.HasSuffix(string(path), suffix) {
			return path, nil
		}
	}
	// 没发现过的设备拼第一个适配器的路径试一把
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			return dbus.ObjectPath(string(path) + suffix), nil
		}
	}
	return "", fmt.Errorf("bluez: device %s not found", address)
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
