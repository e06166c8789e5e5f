package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/config"
	"github.com/danderson/dsb/transfer"
)

// Bus object paths of an adapter's configuration service.
const (
	BridgeConfigPath  = "/BridgeConfig"
	AdapterConfigPath = "/AdapterConfig"
)

// A manager bridges the devices of one adapter, and serves that
// adapter's configuration service.
type manager struct {
	b       *Bridge
	adapter dsb.Adapter
	info    dsb.AdapterInfo
	log     *slog.Logger

	// root is the prefix of the adapter's bus names, and the name of
	// its configuration service.
	root    string
	cfgPath string

	bridgeCfg  *transfer.Session
	adapterCfg *transfer.Session

	// Guarded by b.mu.
	running  bool
	exported bool
	objects  []*dsb.BusObject
	cfg      *config.Config
	devices  map[string]*busDevice
	signals  []*dsb.Signal
}

func newManager(b *Bridge, a dsb.Adapter) (*manager, error) {
	info := a.Info()
	prefix := dsb.EncodeRootServiceName(info.ExposedPrefix)
	if prefix == "" {
		return nil, dsb.Errorf(dsb.StatusBadFormat, "new adapter", "adapter %q has no usable exposed prefix %q", info.Name, info.ExposedPrefix)
	}
	name := dsb.EncodeServiceName(info.Name)
	if name == "" {
		return nil, dsb.Errorf(dsb.StatusBadFormat, "new adapter", "adapter name %q has no valid characters", info.Name)
	}

	m := &manager{
		b:       b,
		adapter: a,
		info:    info,
		log:     b.log.With("adapter", info.Name),
		root:    prefix + "." + name,
		cfgPath: filepath.Join(b.configDir, name+config.Ext),
		devices: map[string]*busDevice{},
	}
	dir := b.stagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	m.bridgeCfg = transfer.New(BridgeConfigPath, transfer.Options{
		Dir:   dir,
		Files: b.files,
		Hooks: transfer.Hooks{
			PostWrite: m.applyBridgeConfig,
			PreRead:   m.stageBridgeConfig,
		},
		Logger:   m.log,
		Sessions: b.metrics.transfers,
	})
	m.adapterCfg = transfer.New(AdapterConfigPath, transfer.Options{
		Dir:   dir,
		Files: b.files,
		Hooks: transfer.Hooks{
			PostWrite: m.applyAdapterConfig,
			PreRead:   m.stageAdapterConfig,
		},
		Logger:   m.log,
		Sessions: b.metrics.transfers,
	})
	return m, nil
}

// service returns the name of the adapter's configuration service.
func (m *manager) service() string { return m.root }

func (m *manager) initializeLocked(ctx context.Context) error {
	if m.running {
		return nil
	}
	if err := m.adapter.Initialize(ctx); err != nil {
		return err
	}
	m.running = true

	cfg, created, err := config.Load(m.cfgPath)
	if err != nil {
		return err
	}
	m.cfg = cfg
	if created {
		m.log.Info("no configuration found, using defaults", "path", m.cfgPath)
		m.saveConfigLocked()
	}

	m.objects = m.configObjects(cfg.ConfigAccessSecured())
	if err := m.b.bus.Export(m.service(), m.objects, m); err != nil {
		return fmt.Errorf("exporting configuration service: %w", err)
	}
	m.exported = true

	// Listen before enumerating, so that devices arriving during the
	// enumeration are not missed. Their signals wait on the bridge
	// lock, and devices that are already exposed are skipped.
	for _, sig := range m.adapter.Signals() {
		if err := m.adapter.RegisterSignalListener(sig, m.b, m); err != nil {
			return fmt.Errorf("registering for %s: %w", sig.Name, err)
		}
		m.signals = append(m.signals, sig)
	}

	if err := m.initializeDevicesLocked(ctx, false); err != nil {
		return err
	}
	m.log.Info("adapter bridged", "service", m.service(), "devices", len(m.devices))
	return nil
}

func (m *manager) shutdownLocked() {
	if !m.running {
		return
	}
	for _, sig := range m.signals {
		if err := m.adapter.UnregisterSignalListener(sig, m.b); err != nil {
			m.log.Warn("unregistering adapter signal", "signal", sig.Name, "err", err)
		}
	}
	m.signals = nil

	for serial, d := range m.devices {
		d.withdraw()
		delete(m.devices, serial)
	}
	m.b.metrics.devices.WithLabelValues(m.info.Name).Set(0)

	if m.exported {
		if err := m.b.bus.Unexport(m.service()); err != nil {
			m.log.Warn("withdrawing configuration service", "err", err)
		}
		m.exported = false
	}
	if err := m.adapter.Shutdown(); err != nil {
		m.log.Warn("adapter shutdown", "err", err)
	}
	m.running = false
	m.log.Info("adapter shut down")
}

func (m *manager) abortTransfers() {
	if m.bridgeCfg.Abort() {
		m.log.Info("aborted bridge configuration transfer")
	}
	if m.adapterCfg.Abort() {
		m.log.Info("aborted adapter configuration transfer")
	}
}

// initializeDevicesLocked enumerates the adapter's devices and
// exposes the visible ones. When update is set, the adapter's cached
// device list is used, and exposed devices that are no longer
// visible are withdrawn.
//
// Failing to expose a device does not stop the enumeration.
func (m *manager) initializeDevicesLocked(ctx context.Context, update bool) error {
	mode := dsb.EnumForceRefresh
	if update {
		mode = dsb.EnumCacheOnly
	}
	var devs []*dsb.Device
	if err := m.b.await(ctx, "enum_devices", m.adapter.EnumDevices(mode, &devs)); err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}

	added := false
	for _, dev := range devs {
		e, isNew := m.deviceEntryLocked(dev)
		added = added || isNew
		if update {
			m.updateDeviceLocked(dev, e.Visible)
		} else if e.Visible {
			m.createDeviceLocked(dev)
		}
	}
	if added {
		m.saveConfigLocked()
	}
	return nil
}

// deviceEntryLocked returns the configuration entry of dev, adding
// one with the default visibility if there is none. It reports
// whether the entry was added.
func (m *manager) deviceEntryLocked(dev *dsb.Device) (config.DeviceEntry, bool) {
	if e, ok := m.cfg.Find(dev.SerialNumber).GetOK(); ok {
		return e, false
	}
	e := config.DeviceEntry{
		ID:          dev.SerialNumber,
		Visible:     m.cfg.Bridge.DefaultVisibility,
		Description: dev.Model,
	}
	if err := m.cfg.Add(e); err != nil {
		// Not persisted, but still applied for this run.
		m.log.Warn("adding device to configuration", "device", dev.SerialNumber, "err", err)
		return e, false
	}
	return e, true
}

func (m *manager) deviceArrivedLocked(dev *dsb.Device) {
	e, added := m.deviceEntryLocked(dev)
	if added {
		m.saveConfigLocked()
	}
	m.log.Info("device arrived", "device", dev.SerialNumber, "visible", e.Visible)
	if e.Visible {
		m.createDeviceLocked(dev)
	}
}

// updateDeviceLocked exposes dev if visible and not yet exposed, or
// withdraws it if not visible and exposed.
func (m *manager) updateDeviceLocked(dev *dsb.Device, visible bool) {
	_, exposed := m.devices[dev.SerialNumber]
	switch {
	case visible && !exposed:
		m.createDeviceLocked(dev)
	case !visible && exposed:
		m.removeDeviceLocked(dev.SerialNumber)
	}
}

func (m *manager) createDeviceLocked(dev *dsb.Device) {
	if _, ok := m.devices[dev.SerialNumber]; ok {
		return
	}
	d, err := newBusDevice(m, dev)
	if err != nil {
		m.log.Error("device cannot be bridged, skipping", "device", dev.SerialNumber, "err", err)
		return
	}
	if err := d.expose(); err != nil {
		m.log.Error("exposing device, skipping", "device", dev.SerialNumber, "err", err)
		return
	}
	m.devices[dev.SerialNumber] = d
	m.b.metrics.devices.WithLabelValues(m.info.Name).Set(float64(len(m.devices)))
	m.log.Info("device exposed", "device", dev.SerialNumber, "service", d.service)
}

func (m *manager) removeDeviceLocked(serial string) {
	d, ok := m.devices[serial]
	if !ok {
		return
	}
	d.withdraw()
	delete(m.devices, serial)
	m.b.metrics.devices.WithLabelValues(m.info.Name).Set(float64(len(m.devices)))
	m.log.Info("device withdrawn", "device", serial)
}

// saveConfigLocked writes the configuration back to disk. Failures
// are logged and otherwise ignored.
func (m *manager) saveConfigLocked() {
	if err := m.cfg.Save(m.cfgPath); err != nil {
		m.log.Warn("saving configuration", "path", m.cfgPath, "err", err)
	}
}

func (m *manager) configObjects(secure bool) []*dsb.BusObject {
	return []*dsb.BusObject{
		{
			Path:       BridgeConfigPath,
			Interfaces: []*dsb.BusInterface{transferInterface(m.bridgeCfg)},
			Secure:     secure,
		},
		{
			Path:       AdapterConfigPath,
			Interfaces: []*dsb.BusInterface{transferInterface(m.adapterCfg)},
			Secure:     secure,
		},
	}
}

// transferInterface returns the bus interface driving s.
func transferInterface(s *transfer.Session) *dsb.BusInterface {
	ret := &dsb.BusInterface{
		Description: &dsb.InterfaceDescription{Name: transfer.InterfaceName},
		Methods:     map[string]dsb.MethodHandler{},
	}
	for _, tm := range s.Methods() {
		names := tm.Names
		args := func(sig string) []dsb.ArgumentDescription {
			var ret []dsb.ArgumentDescription
			for _, part := range dsb.MustParseSignature(sig).Parts() {
				ret = append(ret, dsb.ArgumentDescription{Name: names[0], Type: dsb.MustParseSignature(part)})
				names = names[1:]
			}
			return ret
		}
		md := &dsb.MethodDescription{Name: tm.Name}
		md.In = args(tm.In)
		md.Out = args(tm.Out)
		ret.Description.Methods = append(ret.Description.Methods, md)
		ret.Methods[tm.Name] = tm.Call
	}
	return ret
}

// applyBridgeConfig merges an uploaded bridge configuration into the
// current one. A change of credentials resets the bridge, otherwise
// device visibility is brought up to date.
func (m *manager) applyBridgeConfig(path string) error {
	bs, err := readStaged(m.b.files, path)
	if err != nil {
		return err
	}
	src, err := config.Parse(bs)
	if err != nil {
		return &dsb.StatusError{Status: dsb.StatusBadFormat, Op: "apply bridge config", Err: err}
	}

	reset, err := func() (bool, error) {
		m.b.mu.Lock()
		defer m.b.mu.Unlock()
		if !m.running {
			return false, dsb.Errorf(dsb.StatusNotCapable, "apply bridge config", "adapter not running")
		}
		merged := m.cfg.Clone()
		merged.MergeFrom(src)
		reset := !m.cfg.CredentialsEqual(merged)
		m.cfg = merged
		m.saveConfigLocked()
		if reset {
			return true, nil
		}
		return false, m.initializeDevicesLocked(m.b.ctx, true)
	}()
	if err != nil {
		return err
	}
	if reset {
		m.log.Info("credentials changed, resetting bridge")
		m.b.Reset()
	}
	return nil
}

func (m *manager) stageBridgeConfig(path string) error {
	bs, err := func() ([]byte, error) {
		m.b.mu.Lock()
		defer m.b.mu.Unlock()
		if !m.running {
			return nil, dsb.Errorf(dsb.StatusNotCapable, "read bridge config", "adapter not running")
		}
		return m.cfg.Marshal()
	}()
	if err != nil {
		return err
	}
	return writeStaged(m.b.files, path, bs)
}

func (m *manager) applyAdapterConfig(path string) error {
	bs, err := readStaged(m.b.files, path)
	if err != nil {
		return err
	}
	return m.adapter.SetConfiguration(bs)
}

func (m *manager) stageAdapterConfig(path string) error {
	bs, err := m.adapter.Configuration()
	if err != nil {
		return err
	}
	return writeStaged(m.b.files, path, bs)
}

func (m *manager) SessionJoined(id dsb.SessionID, peer string) {
	m.log.Debug("peer joined configuration session", "session", id, "peer", peer)
}

// MemberRemoved aborts any configuration transfer in progress, since
// the departed peer may have been driving it.
func (m *manager) MemberRemoved(id dsb.SessionID, peer string) {
	m.log.Debug("peer left configuration session", "session", id, "peer", peer)
	m.abortTransfers()
}

func readStaged(f transfer.Files, path string) ([]byte, error) {
	n, err := f.Size(path)
	if err != nil || n == 0 {
		return nil, err
	}
	return f.ReadAt(path, 0, int(n))
}

func writeStaged(f transfer.Files, path string, bs []byte) error {
	if err := f.Create(path); err != nil {
		return err
	}
	return f.Append(path, bs)
}
