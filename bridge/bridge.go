// Package bridge exposes the devices of one or more adapters on a
// bus.
//
// For every visible device an adapter provides, the bridge exports a
// bus service carrying one object per device property plus a main
// object for the device's methods and signals. Bus calls are
// translated into adapter requests, and adapter signals into bus
// signals and property change notifications. Each adapter also gets
// a configuration service, through which bus peers upload and
// download the bridge's configuration with the chunked transfer
// protocol.
package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dsb"
	"github.com/danderson/dsb/transfer"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWaitTimeout is how long bus calls wait for adapter requests
// to complete.
const DefaultWaitTimeout = 20 * time.Second

// A Bus is where the bridge exposes devices.
type Bus interface {
	// Export exports objects under the service name. l is told about
	// peers joining and leaving sessions with the service.
	Export(service string, objects []*dsb.BusObject, l dsb.SessionListener) error
	// Unexport withdraws a service exported with Export.
	Unexport(service string) error
	// EmitSignal emits a signal from an exported object, within one
	// session or to all sessions if sess is zero.
	EmitSignal(service, path, iface, member string, args dsb.Args, sess dsb.SessionID) error
	// EmitPropertyChanged reports a new property value, or the
	// invalidation of the property if val is absent.
	EmitPropertyChanged(service, path, iface, prop string, val value.Maybe[dsb.Args], sess dsb.SessionID) error
}

// Options configures a Bridge.
type Options struct {
	// Bus is the bus to expose devices on. Required.
	Bus Bus
	// Adapters are the adapters whose devices are bridged. At least
	// one is required.
	Adapters []dsb.Adapter

	// ConfigDir is the directory holding per-adapter configuration
	// files. If empty, the working directory is used.
	ConfigDir string
	// StagingDir is the directory holding chunked transfer staging
	// files. If empty, os.TempDir() is used.
	StagingDir string
	// Files is the staging file storage. If nil, transfer.OSFiles is
	// used.
	Files transfer.Files

	// WaitTimeout bounds how long bus calls wait for adapter
	// requests. If zero, DefaultWaitTimeout is used.
	WaitTimeout time.Duration

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Registerer, if non-nil, registers the bridge's metrics.
	Registerer prometheus.Registerer
}

// A Bridge exposes adapter devices on a bus.
type Bridge struct {
	bus         Bus
	files       transfer.Files
	configDir   string
	stagingDir  string
	waitTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	wake     chan struct{}
	stopOnce sync.Once

	resetMu sync.Mutex
	resets  []*dsb.Request

	// mu protects the bridge's device and configuration state. It is
	// held across adapter and bus calls that change that state, so
	// adapters must not raise arrival or removal signals from within
	// those calls.
	mu       sync.Mutex
	managers []*manager
}

// New returns a Bridge for the given adapters. The bridge does
// nothing until started.
func New(opts Options) (*Bridge, error) {
	if opts.Bus == nil {
		return nil, errors.New("no bus provided")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("no adapters provided")
	}
	ctx, cancel := context.WithCancel(context.Background())
	ret := &Bridge{
		bus:         opts.Bus,
		files:       opts.Files,
		configDir:   opts.ConfigDir,
		stagingDir:  opts.StagingDir,
		waitTimeout: opts.WaitTimeout,
		log:         opts.Logger,
		metrics:     newMetrics(opts.Registerer),
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	if ret.files == nil {
		ret.files = transfer.OSFiles{}
	}
	if ret.waitTimeout <= 0 {
		ret.waitTimeout = DefaultWaitTimeout
	}
	if ret.log == nil {
		ret.log = slog.Default()
	}
	for _, a := range opts.Adapters {
		m, err := newManager(ret, a)
		if err != nil {
			cancel()
			return nil, err
		}
		ret.managers = append(ret.managers, m)
	}
	return ret, nil
}

// Start initializes every adapter, exposes their devices and
// configuration services, and starts the bridge's monitor, which
// serves reset requests.
//
// If initialization fails, everything initialized so far is shut
// down again and the error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return dsb.Errorf(dsb.StatusNotCapable, "start", "bridge already started")
	}
	if err := b.initialize(ctx); err != nil {
		b.shutdown()
		close(b.stopped)
		return err
	}
	go b.monitor()
	return nil
}

// Close shuts the bridge down, withdrawing all its services and
// shutting down its adapters. Pending resets are canceled.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		b.cancel()
		close(b.stop)
		if !b.started.Load() {
			return
		}
		<-b.stopped
		b.shutdown()

		b.resetMu.Lock()
		defer b.resetMu.Unlock()
		for _, r := range b.resets {
			r.Cancel()
		}
		b.resets = nil
	})
	return nil
}

// Reset requests that the bridge shut down and reinitialize all its
// adapters. The reset happens on the bridge's monitor goroutine, and
// the returned request completes when it is done. Resets requested
// while one is pending are served together.
func (b *Bridge) Reset() *dsb.Request {
	select {
	case <-b.stop:
		return dsb.Completed(dsb.Errorf(dsb.StatusNotCapable, "reset", "bridge closed"))
	case <-b.stopped:
		return dsb.Completed(dsb.Errorf(dsb.StatusNotCapable, "reset", "bridge not running"))
	default:
	}
	if !b.started.Load() {
		return dsb.Completed(dsb.Errorf(dsb.StatusNotCapable, "reset", "bridge not started"))
	}
	r := dsb.NewRequest()
	b.resetMu.Lock()
	select {
	case <-b.stop:
		// Close may already have canceled the queued resets.
		b.resetMu.Unlock()
		r.Fail(dsb.Errorf(dsb.StatusNotCapable, "reset", "bridge closed"))
		return r
	default:
	}
	b.resets = append(b.resets, r)
	b.resetMu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return r
}

func (b *Bridge) monitor() {
	defer close(b.stopped)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}

		b.resetMu.Lock()
		reqs := b.resets
		b.resets = nil
		b.resetMu.Unlock()
		if len(reqs) == 0 {
			continue
		}

		err := b.reset()
		for _, r := range reqs {
			r.Fail(err)
		}
	}
}

func (b *Bridge) reset() error {
	b.log.Info("resetting bridge")
	b.metrics.resets.Inc()
	b.shutdown()
	if err := b.initialize(b.ctx); err != nil {
		b.log.Error("bridge reset failed", "err", err)
		b.shutdown()
		return err
	}
	return nil
}

func (b *Bridge) initialize(ctx context.Context) error {
	for _, m := range b.managers {
		b.mu.Lock()
		err := m.initializeLocked(ctx)
		b.mu.Unlock()
		if err != nil {
			return fmt.Errorf("initializing adapter %q: %w", m.info.Name, err)
		}
	}
	return nil
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	for _, m := range b.managers {
		m.shutdownLocked()
	}
	b.mu.Unlock()
	// Transfer hooks take b.mu with their session locked, so
	// transfers are aborted only after releasing it.
	for _, m := range b.managers {
		m.abortTransfers()
	}
}

// AdapterSignalHandler handles adapter-level signals: device arrival
// exposes the new device if it is visible, and device removal
// withdraws it. ctx is the manager of the signaling adapter.
func (b *Bridge) AdapterSignalHandler(sender dsb.Adapter, sig *dsb.Signal, ctx any) {
	m, ok := ctx.(*manager)
	if !ok {
		return
	}
	b.metrics.signals.WithLabelValues(sig.Name).Inc()
	dev := deviceHandle(sig)
	if dev == nil {
		m.log.Warn("adapter signal without device handle", "signal", sig.Name)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !m.running {
		return
	}
	switch sig.Name {
	case dsb.SignalDeviceArrival:
		m.deviceArrivedLocked(dev)
	case dsb.SignalDeviceRemoval:
		m.updateDeviceLocked(dev, false)
	}
}

func deviceHandle(sig *dsb.Signal) *dsb.Device {
	p, ok := sig.Param(dsb.ParamDeviceHandle)
	if !ok {
		return nil
	}
	o, _ := p.Data.Object()
	dev, _ := o.(*dsb.Device)
	return dev
}

// InitializeDevices reenumerates the devices of every adapter. If
// update is set, the adapters' cached device lists are used, and
// devices whose visibility changed are exposed or withdrawn.
// Otherwise adapters rediscover their devices, and visible devices
// not yet exposed are exposed.
func (b *Bridge) InitializeDevices(ctx context.Context, update bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, m := range b.managers {
		if !m.running {
			continue
		}
		if err := m.initializeDevicesLocked(ctx, update); err != nil {
			errs = append(errs, fmt.Errorf("adapter %q: %w", m.info.Name, err))
		}
	}
	return errors.Join(errs...)
}

// await waits for r to complete, for at most the bridge's wait
// timeout, and returns its outcome. A request that times out is
// canceled.
func (b *Bridge) await(ctx context.Context, op string, r *dsb.Request) error {
	ctx, cancel := context.WithTimeout(ctx, b.waitTimeout)
	defer cancel()
	err := r.WaitContext(ctx)
	if err == nil || r.Cancel() != nil {
		// Completed, possibly racing with the timeout.
		err = r.Err()
	}
	b.metrics.requests.WithLabelValues(op, dsb.StatusOf(err).String()).Inc()
	return err
}

// DeviceInfo describes an exposed device.
type DeviceInfo struct {
	Adapter      string   `json:"adapter"`
	Service      string   `json:"service"`
	Name         string   `json:"name"`
	SerialNumber string   `json:"serial_number"`
	Vendor       string   `json:"vendor,omitempty"`
	Model        string   `json:"model,omitempty"`
	Firmware     string   `json:"firmware,omitempty"`
	Description  string   `json:"description,omitempty"`
	Paths        []string `json:"paths"`
	Sessions     int      `json:"sessions"`
}

// Devices returns the exposed devices, sorted by service name.
func (b *Bridge) Devices() []DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []DeviceInfo
	for _, m := range b.managers {
		for _, d := range m.devices {
			ret = append(ret, d.info())
		}
	}
	slices.SortFunc(ret, func(x, y DeviceInfo) int {
		return cmp.Compare(x.Service, y.Service)
	})
	return ret
}

// Device returns the exposed device with the given serial number.
func (b *Bridge) Device(serial string) (DeviceInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.managers {
		if d, ok := m.devices[serial]; ok {
			return d.info(), true
		}
	}
	return DeviceInfo{}, false
}

// Describe returns the introspection descriptions of the objects of
// an exposed service, keyed by object path.
func (b *Bridge) Describe(service string) (map[string]*dsb.ObjectDescription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.managers {
		if !m.running {
			continue
		}
		if m.service() == service {
			return describeObjects(m.objects), true
		}
		for _, d := range m.devices {
			if d.service == service {
				return describeObjects(d.objects), true
			}
		}
	}
	return nil, false
}

func describeObjects(objs []*dsb.BusObject) map[string]*dsb.ObjectDescription {
	ret := make(map[string]*dsb.ObjectDescription, len(objs))
	for _, o := range objs {
		ret[o.Path] = o.Description()
	}
	return ret
}
