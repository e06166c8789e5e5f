package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/config"
	"github.com/danderson/dsb/membus"
	"github.com/danderson/dsb/mockadapter"
	"github.com/danderson/dsb/transfer"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	configService = "com.example.MockAdapter"
	lampService   = "com.example.MockAdapter.HallLamp.LAMP0001"
	plugService   = "com.example.MockAdapter.DeskPlug.PLUG0001"

	lampMain      = "/Hall_Lamp"
	lampMainIface = "com.example.MockAdapter.HallLamp.MainInterface"
	lightIface    = "com.example.Lamp.Light"
	colorIface    = "com.example.MockAdapter.HallLamp.interface_1"
	infoIface     = "com.example.MockAdapter.HallLamp.interface_2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testBridge struct {
	*Bridge
	bus       *membus.Bus
	mock      *mockadapter.Adapter
	reg       *prometheus.Registry
	configDir string
}

func newTestBridge(t *testing.T, mopts mockadapter.Options, opts Options) *testBridge {
	t.Helper()
	bus := membus.New(membus.Options{Logger: discardLogger()})
	t.Cleanup(bus.Close)
	mopts.Logger = discardLogger()
	mock := mockadapter.New(mopts)
	reg := prometheus.NewRegistry()

	opts.Bus = bus
	opts.Adapters = []dsb.Adapter{mock}
	if opts.ConfigDir == "" {
		opts.ConfigDir = t.TempDir()
	}
	opts.StagingDir = t.TempDir()
	opts.Logger = discardLogger()
	opts.Registerer = reg
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return &testBridge{b, bus, mock, reg, opts.ConfigDir}
}

func startBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := newTestBridge(t, mockadapter.Options{}, Options{})
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return tb
}

func (tb *testBridge) iface(service, path, iface string) membus.Interface {
	return tb.bus.Service(service).Object(path).Interface(iface)
}

func (tb *testBridge) savedConfig(t *testing.T) *config.Config {
	t.Helper()
	bs, err := os.ReadFile(filepath.Join(tb.configDir, "MockAdapter"+config.Ext))
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	cfg, err := config.Parse(bs)
	if err != nil {
		t.Fatalf("parsing saved config: %v", err)
	}
	return cfg
}

func (tb *testBridge) upload(path string, data []byte) error {
	ctx := context.Background()
	f := tb.iface(configService, path, transfer.InterfaceName)
	out, err := f.Call(ctx, "StartChunkWrite", dsb.MustMarshalArgs(dsb.MustValueOf(uint32(len(data)))))
	if err != nil {
		return err
	}
	fields, err := transfer.ParseStruct(out, 2)
	if err != nil {
		return err
	}
	token, chunk := fields[0], int(fields[1])
	for len(data) > 0 {
		n := min(chunk, len(data))
		if _, err := f.Call(ctx, "WriteNextChunk", transfer.WriteChunkArgs(token, data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (tb *testBridge) download(path string) ([]byte, error) {
	ctx := context.Background()
	f := tb.iface(configService, path, transfer.InterfaceName)
	out, err := f.Call(ctx, "StartChunkRead", dsb.MustMarshalArgs())
	if err != nil {
		return nil, err
	}
	fields, err := transfer.ParseStruct(out, 3)
	if err != nil {
		return nil, err
	}
	size, token := int(fields[0]), fields[1]
	var ret []byte
	for len(ret) < size {
		out, err := f.Call(ctx, "ReadNextChunk", dsb.MustMarshalArgs(dsb.MustValueOf(token)))
		if err != nil {
			return nil, err
		}
		vs, err := out.Values()
		if err != nil {
			return nil, err
		}
		chunk, _ := dsb.Get[[]uint8](vs[0])
		ret = append(ret, chunk...)
	}
	return ret, nil
}

func recv(t *testing.T, w *membus.Watcher) *membus.Notification {
	t.Helper()
	select {
	case n := <-w.Chan():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func expectQuiet(t *testing.T, w *membus.Watcher) {
	t.Helper()
	select {
	case n := <-w.Chan():
		t.Errorf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitReq(t *testing.T, r *dsb.Request) error {
	t.Helper()
	if err := r.Wait(5 * time.Second); err != nil {
		t.Fatalf("request did not complete: %v", err)
	}
	return r.Err()
}

func uint8Value(t *testing.T, args dsb.Args) uint8 {
	t.Helper()
	vs, err := args.Values(dsb.KindUint8)
	if err != nil {
		t.Fatalf("decoding %v: %v", args, err)
	}
	ret, _ := dsb.Get[uint8](vs[0])
	return ret
}

func TestNew(t *testing.T) {
	bus := membus.New(membus.Options{Logger: discardLogger()})
	defer bus.Close()
	if _, err := New(Options{Adapters: []dsb.Adapter{mockadapter.New(mockadapter.Options{})}}); err == nil {
		t.Error("New without bus succeeded")
	}
	if _, err := New(Options{Bus: bus}); err == nil {
		t.Error("New without adapters succeeded")
	}
}

func TestStartExposesDevices(t *testing.T) {
	tb := startBridge(t)

	if diff := cmp.Diff(tb.bus.Services(), []string{configService, plugService, lampService}); diff != "" {
		t.Errorf("services wrong (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(tb.bus.Paths(configService), []string{AdapterConfigPath, BridgeConfigPath}); diff != "" {
		t.Errorf("config paths wrong (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(tb.bus.Paths(lampService), []string{"/Color", lampMain, "/Info", "/Light"}); diff != "" {
		t.Errorf("lamp paths wrong (-got+want):\n%s", diff)
	}

	got, ok := tb.Device("LAMP-0001")
	if !ok {
		t.Fatal("Device(LAMP-0001) not found")
	}
	want := DeviceInfo{
		Adapter:      "Mock Adapter",
		Service:      lampService,
		Name:         "Hall Lamp",
		SerialNumber: "LAMP-0001",
		Vendor:       "Example",
		Model:        "ML-100",
		Firmware:     "1.2.0",
		Description:  "Dimmable color lamp",
		Paths:        []string{"/Light", "/Color", "/Info", lampMain},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("lamp info wrong (-got+want):\n%s", diff)
	}
	if n := len(tb.Devices()); n != 2 {
		t.Errorf("Devices() has %d entries, want 2", n)
	}

	cfg := tb.savedConfig(t)
	want2 := []config.DeviceEntry{
		{ID: "LAMP-0001", Visible: true, Description: "ML-100"},
		{ID: "PLUG-0001", Visible: true, Description: "MP-2"},
	}
	if diff := cmp.Diff(cfg.Devices, want2); diff != "" {
		t.Errorf("saved device entries wrong (-got+want):\n%s", diff)
	}

	if got := testutil.ToFloat64(tb.metrics.devices.WithLabelValues("Mock Adapter")); got != 2 {
		t.Errorf("exposed devices gauge = %v, want 2", got)
	}
	if err := tb.Start(context.Background()); !errors.Is(err, dsb.StatusNotCapable) {
		t.Errorf("second Start err = %v, want NotCapable", err)
	}
}

func TestDescribe(t *testing.T) {
	tb := startBridge(t)
	objs, ok := tb.Describe(lampService)
	if !ok {
		t.Fatal("Describe(lamp) not found")
	}
	main := objs[lampMain]
	if main == nil {
		t.Fatalf("no main object in %v", objs)
	}
	mi := main.Interfaces[lampMainIface]
	if mi == nil {
		t.Fatalf("main object lacks %s", lampMainIface)
	}
	var methods, signals []string
	for _, m := range mi.Methods {
		methods = append(methods, m.Name)
	}
	for _, s := range mi.Signals {
		signals = append(signals, s.Name)
	}
	if diff := cmp.Diff(methods, []string{"Toggle", "SetLevel"}); diff != "" {
		t.Errorf("main methods wrong (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(signals, []string{"Overheated"}); diff != "" {
		t.Errorf("main signals wrong (-got+want):\n%s", diff)
	}
	if objs["/Color"].Interfaces[colorIface] == nil {
		t.Errorf("/Color lacks %s", colorIface)
	}

	if _, ok := tb.Describe(configService); !ok {
		t.Error("Describe(config service) not found")
	}
	if _, ok := tb.Describe("com.example.Nope"); ok {
		t.Error("Describe of unknown service succeeded")
	}
}

func TestProperties(t *testing.T) {
	tb := startBridge(t)
	ctx := context.Background()
	light := tb.iface(lampService, "/Light", lightIface)

	got, err := light.GetProperty(ctx, "Level")
	if err != nil {
		t.Fatalf("Get Level: %v", err)
	}
	if v := uint8Value(t, got); v != 100 {
		t.Errorf("Level = %d, want 100", v)
	}

	if err := light.SetProperty(ctx, "Level", dsb.MustMarshalArgs(dsb.MustValueOf(uint8(42)))); err != nil {
		t.Fatalf("Set Level: %v", err)
	}
	got, err = light.GetProperty(ctx, "Level")
	if err != nil {
		t.Fatalf("Get Level: %v", err)
	}
	if v := uint8Value(t, got); v != 42 {
		t.Errorf("Level after set = %d, want 42", v)
	}
	lamp, _ := tb.mock.Device("LAMP-0001")
	if a, _ := lamp.Properties[0].Attribute("Level"); !a.Value.Data.Equal(dsb.MustValueOf(uint8(42))) {
		t.Errorf("adapter Level = %v, want 42", a.Value.Data)
	}

	if err := light.SetProperty(ctx, "Level", dsb.MustMarshalArgs(dsb.MustValueOf("bright"))); !errors.Is(err, dsb.StatusBadArgument) {
		t.Errorf("Set Level to string err = %v, want BadArgument", err)
	}

	info := tb.iface(lampService, "/Info", infoIface)
	model, err := info.GetProperty(ctx, "Model")
	if err != nil {
		t.Fatalf("Get Model: %v", err)
	}
	if vs, _ := model.Values(dsb.KindString); len(vs) != 1 || !vs[0].Equal(dsb.MustValueOf("ML-100")) {
		t.Errorf("Model = %v, want ML-100", model)
	}
	if err := info.SetProperty(ctx, "Model", dsb.MustMarshalArgs(dsb.MustValueOf("X"))); err == nil {
		t.Error("Set of read-only Model succeeded")
	}

	tb.mock.Fail("GetPropertyValue", dsb.StatusOSError)
	if _, err := light.GetProperty(ctx, "Level"); !errors.Is(err, dsb.StatusOSError) {
		t.Errorf("Get with failing adapter err = %v, want OSError", err)
	}
	if got := testutil.ToFloat64(tb.metrics.requests.WithLabelValues("get_property", dsb.StatusOSError.String())); got != 1 {
		t.Errorf("failed get counter = %v, want 1", got)
	}
}

func TestMethods(t *testing.T) {
	tb := newTestBridge(t, mockadapter.Options{Async: true, Latency: time.Millisecond}, Options{})
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()
	main := tb.iface(lampService, lampMain, lampMainIface)

	out, err := main.Call(ctx, "Toggle", dsb.MustMarshalArgs())
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	vs, err := out.Values()
	if err != nil {
		t.Fatal(err)
	}
	if on, _ := dsb.Get[bool](vs[0]); !on {
		t.Errorf("Toggle returned %v, want true", vs[0])
	}

	out, err = main.Call(ctx, "SetLevel", dsb.MustMarshalArgs(dsb.MustValueOf(uint8(7))))
	if err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if prev := uint8Value(t, out); prev != 100 {
		t.Errorf("SetLevel previous = %d, want 100", prev)
	}

	tests := []struct {
		name   string
		method string
		in     dsb.Args
		want   dsb.Status
	}{
		{"out of range", "SetLevel", dsb.MustMarshalArgs(dsb.MustValueOf(uint8(101))), dsb.StatusBadArgument},
		{"wrong type", "SetLevel", dsb.MustMarshalArgs(dsb.MustValueOf("x")), dsb.StatusBadArgument},
		{"missing arg", "SetLevel", dsb.MustMarshalArgs(), dsb.StatusBadArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := main.Call(ctx, tc.method, tc.in)
			if !errors.Is(err, tc.want) {
				t.Errorf("%s err = %v, want %v", tc.method, err, tc.want)
			}
		})
	}

	if got := testutil.ToFloat64(tb.metrics.requests.WithLabelValues("call_method", dsb.StatusSuccess.String())); got != 2 {
		t.Errorf("successful call counter = %v, want 2", got)
	}
}

func TestWaitTimeout(t *testing.T) {
	tb := newTestBridge(t, mockadapter.Options{}, Options{WaitTimeout: 20 * time.Millisecond})
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Only slow down requests made after startup.
	tb.mock.SetLatency(true, time.Hour)

	light := tb.iface(lampService, "/Light", lightIface)
	_, err := light.GetProperty(context.Background(), "Level")
	if !errors.Is(err, dsb.StatusTimeout) {
		t.Errorf("Get from stalled adapter err = %v, want Timeout", err)
	}
}

func TestChangeOfValue(t *testing.T) {
	tb := startBridge(t)

	w := tb.bus.Watch()
	defer w.Close()
	w.Match(membus.MatchAll().Service(lampService))

	// No sessions, no notifications.
	if err := tb.mock.SetValue("LAMP-0001", "Light", "Level", dsb.MustValueOf(uint8(10))); err != nil {
		t.Fatal(err)
	}
	expectQuiet(t, w)

	sess, err := tb.bus.JoinSession(lampService, "peer1")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if got := tb.Devices()[1].Sessions; got != 1 {
		t.Errorf("lamp sessions = %d, want 1", got)
	}

	tb.mock.SetValue("LAMP-0001", "Light", "Level", dsb.MustValueOf(uint8(20)))
	got := recv(t, w)
	want := &membus.Notification{
		Service:   lampService,
		Path:      "/Light",
		Interface: lightIface,
		Name:      "Level",
		Session:   sess,
		Property:  true,
		Body:      dsb.MustMarshalArgs(dsb.MustValueOf(uint8(20))),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Level change wrong (-got+want):\n%s", diff)
	}

	tb.mock.SetValue("LAMP-0001", "Color", "Hue", dsb.MustValueOf(uint16(180)))
	got = recv(t, w)
	want = &membus.Notification{
		Service:     lampService,
		Path:        "/Color",
		Interface:   colorIface,
		Name:        "Hue",
		Session:     sess,
		Property:    true,
		Invalidated: true,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Hue invalidation wrong (-got+want):\n%s", diff)
	}

	tb.mock.SetValue("LAMP-0001", "Color", "Saturation", dsb.MustValueOf(uint16(50)))
	expectQuiet(t, w)

	if err := tb.bus.LeaveSession(sess); err != nil {
		t.Fatal(err)
	}
	tb.mock.SetValue("LAMP-0001", "Light", "Level", dsb.MustValueOf(uint8(30)))
	expectQuiet(t, w)
}

func TestDeviceSignal(t *testing.T) {
	tb := startBridge(t)

	w := tb.bus.Watch()
	defer w.Close()
	w.Match(membus.MatchSignal(lampMainIface, "Overheated"))

	temp := dsb.MustValueOf(81.5)
	if err := tb.mock.Raise("LAMP-0001", "Overheated", &dsb.Param{Name: "Temperature", Data: temp}); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	got := recv(t, w)
	want := &membus.Notification{
		Service:   lampService,
		Path:      lampMain,
		Interface: lampMainIface,
		Name:      "Overheated",
		Body:      dsb.MustMarshalArgs(temp),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Overheated signal wrong (-got+want):\n%s", diff)
	}

	// Wrong argument count is dropped.
	tb.mock.Raise("LAMP-0001", "Overheated")
	expectQuiet(t, w)

	if got := testutil.ToFloat64(tb.metrics.signals.WithLabelValues("Overheated")); got != 2 {
		t.Errorf("signal counter = %v, want 2", got)
	}
}

func TestArrivalRemoval(t *testing.T) {
	tb := startBridge(t)
	const porch = "com.example.MockAdapter.PorchLamp.LAMP0002"

	if err := tb.mock.AddDevice(mockadapter.NewLamp("Porch Lamp", "LAMP-0002")); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if _, ok := tb.Device("LAMP-0002"); !ok {
		t.Error("arrived device not exposed")
	}
	if len(tb.bus.Paths(porch)) == 0 {
		t.Errorf("service %s not exported", porch)
	}
	if _, ok := tb.savedConfig(t).Find("LAMP-0002").GetOK(); !ok {
		t.Error("arrived device not added to saved config")
	}

	if err := tb.mock.RemoveDevice("LAMP-0002"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if _, ok := tb.Device("LAMP-0002"); ok {
		t.Error("removed device still exposed")
	}
	if n := len(tb.bus.Paths(porch)); n != 0 {
		t.Errorf("removed device still has %d objects", n)
	}
	if got := testutil.ToFloat64(tb.metrics.devices.WithLabelValues("Mock Adapter")); got != 2 {
		t.Errorf("exposed devices gauge = %v, want 2", got)
	}
}

// lateArrivalAdapter adds a device once its enumeration has been
// taken, before the bridge has finished initializing.
type lateArrivalAdapter struct {
	*mockadapter.Adapter
	late  *dsb.Device
	added chan error
}

func (a *lateArrivalAdapter) EnumDevices(mode dsb.EnumMode, out *[]*dsb.Device) *dsb.Request {
	r := a.Adapter.EnumDevices(mode, out)
	if err := r.Wait(5 * time.Second); err != nil {
		return r
	}
	go func() { a.added <- a.AddDevice(a.late) }()
	return r
}

func TestArrivalDuringStart(t *testing.T) {
	bus := membus.New(membus.Options{Logger: discardLogger()})
	t.Cleanup(bus.Close)
	a := &lateArrivalAdapter{
		Adapter: mockadapter.New(mockadapter.Options{Logger: discardLogger()}),
		late:    mockadapter.NewLamp("Porch Lamp", "LAMP-0002"),
		added:   make(chan error, 1),
	}
	b, err := New(Options{
		Bus:        bus,
		Adapters:   []dsb.Adapter{a},
		ConfigDir:  t.TempDir(),
		StagingDir: t.TempDir(),
		Logger:     discardLogger(),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-a.added:
		if err != nil {
			t.Fatalf("AddDevice: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late device was never added")
	}
	if _, ok := b.Device("LAMP-0002"); !ok {
		t.Error("device arriving during start was not exposed")
	}
	if _, ok := b.Device("LAMP-0001"); !ok {
		t.Error("enumerated device not exposed")
	}
}

func TestHiddenDevices(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bridge.DefaultVisibility = false
	cfg.Add(config.DeviceEntry{ID: "PLUG-0001", Visible: true})
	if err := cfg.Save(filepath.Join(dir, "MockAdapter"+config.Ext)); err != nil {
		t.Fatal(err)
	}

	tb := newTestBridge(t, mockadapter.Options{}, Options{ConfigDir: dir})
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if diff := cmp.Diff(tb.bus.Services(), []string{configService, plugService}); diff != "" {
		t.Errorf("services wrong (-got+want):\n%s", diff)
	}
	if e, ok := tb.savedConfig(t).Find("LAMP-0001").GetOK(); !ok || e.Visible {
		t.Errorf("lamp entry = %+v, %v; want hidden entry", e, ok)
	}
}

func TestBridgeConfigTransfer(t *testing.T) {
	tb := startBridge(t)

	bs, err := tb.download(BridgeConfigPath)
	if err != nil {
		t.Fatalf("downloading config: %v", err)
	}
	cfg, err := config.Parse(bs)
	if err != nil {
		t.Fatalf("parsing downloaded config: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Errorf("downloaded config has %d devices, want 2", len(cfg.Devices))
	}

	// Hide the plug.
	cfg.Add(config.DeviceEntry{ID: "PLUG-0001", Visible: false, Description: "MP-2"})
	up, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.upload(BridgeConfigPath, up); err != nil {
		t.Fatalf("uploading config: %v", err)
	}
	if diff := cmp.Diff(tb.bus.Services(), []string{configService, lampService}); diff != "" {
		t.Errorf("services after hiding plug wrong (-got+want):\n%s", diff)
	}
	if e := tb.savedConfig(t).Find("PLUG-0001"); e.Get().Visible {
		t.Error("saved config still shows plug visible")
	}

	// And show it again.
	cfg.Add(config.DeviceEntry{ID: "PLUG-0001", Visible: true})
	up, _ = cfg.Marshal()
	if err := tb.upload(BridgeConfigPath, up); err != nil {
		t.Fatalf("uploading config: %v", err)
	}
	if _, ok := tb.Device("PLUG-0001"); !ok {
		t.Error("plug not exposed again")
	}

	if err := tb.upload(BridgeConfigPath, []byte("devices: [{{{")); err == nil {
		t.Error("uploading garbage config succeeded")
	}
	if _, ok := tb.Device("PLUG-0001"); !ok {
		t.Error("garbage config changed device visibility")
	}
	if got := testutil.ToFloat64(tb.metrics.resets); got != 0 {
		t.Errorf("resets = %v, want 0", got)
	}
}

func TestCredentialChangeResets(t *testing.T) {
	tb := startBridge(t)

	cfg := tb.savedConfig(t)
	cfg.Device.Username = "admin"
	cfg.Device.Password = "hunter2"
	up, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.upload(BridgeConfigPath, up); err != nil {
		t.Fatalf("uploading config: %v", err)
	}

	// Queued behind the reset triggered by the upload.
	if err := waitReq(t, tb.Reset()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := testutil.ToFloat64(tb.metrics.resets); got < 1 {
		t.Errorf("resets = %v, want at least 1", got)
	}
	if got := tb.savedConfig(t).Device.Username; got != "admin" {
		t.Errorf("saved username = %q, want admin", got)
	}
	if n := len(tb.Devices()); n != 2 {
		t.Errorf("%d devices after reset, want 2", n)
	}
}

func TestAdapterConfigTransfer(t *testing.T) {
	tb := startBridge(t)

	if err := tb.upload(AdapterConfigPath, []byte("<MockAdapter level=\"3\"/>")); err != nil {
		t.Fatalf("uploading adapter config: %v", err)
	}
	got, err := tb.mock.Configuration()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `<MockAdapter level="3"/>` {
		t.Errorf("adapter config = %q", got)
	}
	bs, err := tb.download(AdapterConfigPath)
	if err != nil {
		t.Fatalf("downloading adapter config: %v", err)
	}
	if string(bs) != string(got) {
		t.Errorf("downloaded adapter config = %q, want %q", bs, got)
	}
}

func TestMemberRemovedAbortsTransfer(t *testing.T) {
	tb := startBridge(t)
	ctx := context.Background()

	sess, err := tb.bus.JoinSession(configService, "peer1")
	if err != nil {
		t.Fatal(err)
	}
	f := tb.iface(configService, BridgeConfigPath, transfer.InterfaceName)
	out, err := f.Call(ctx, "StartChunkWrite", dsb.MustMarshalArgs(dsb.MustValueOf(uint32(10))))
	if err != nil {
		t.Fatalf("StartChunkWrite: %v", err)
	}
	fields, err := transfer.ParseStruct(out, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.bus.LeaveSession(sess); err != nil {
		t.Fatal(err)
	}
	_, err = f.Call(ctx, "WriteNextChunk", transfer.WriteChunkArgs(fields[0], []byte("0123456789")))
	if !errors.Is(err, dsb.StatusPermissionDenied) {
		t.Errorf("WriteNextChunk after peer left err = %v, want PermissionDenied", err)
	}
	got := testutil.ToFloat64(tb.metrics.transfers.WithLabelValues(BridgeConfigPath, "write", transfer.OutcomeAborted))
	if got != 1 {
		t.Errorf("aborted transfers = %v, want 1", got)
	}
}

func TestStartFailure(t *testing.T) {
	tb := newTestBridge(t, mockadapter.Options{}, Options{})
	tb.mock.Fail("EnumDevices", dsb.StatusOSError)

	err := tb.Start(context.Background())
	if !errors.Is(err, dsb.StatusOSError) {
		t.Fatalf("Start err = %v, want OSError", err)
	}
	if got := tb.bus.Services(); len(got) != 0 {
		t.Errorf("services left after failed start: %v", got)
	}
	if err := waitReq(t, tb.Reset()); !errors.Is(err, dsb.StatusNotCapable) {
		t.Errorf("Reset after failed start err = %v, want NotCapable", err)
	}
}

func TestReset(t *testing.T) {
	tb := startBridge(t)

	if err := waitReq(t, tb.Reset()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if diff := cmp.Diff(tb.bus.Services(), []string{configService, plugService, lampService}); diff != "" {
		t.Errorf("services after reset wrong (-got+want):\n%s", diff)
	}

	tb.mock.Fail("Initialize", dsb.StatusOSError)
	if err := waitReq(t, tb.Reset()); !errors.Is(err, dsb.StatusOSError) {
		t.Errorf("failing Reset err = %v, want OSError", err)
	}
	if got := tb.bus.Services(); len(got) != 0 {
		t.Errorf("services left after failed reset: %v", got)
	}

	tb.mock.Fail("Initialize", nil)
	if err := waitReq(t, tb.Reset()); err != nil {
		t.Fatalf("Reset after recovery: %v", err)
	}
	if n := len(tb.Devices()); n != 2 {
		t.Errorf("%d devices after recovery, want 2", n)
	}
	if got := testutil.ToFloat64(tb.metrics.resets); got != 3 {
		t.Errorf("resets = %v, want 3", got)
	}
}

func TestClose(t *testing.T) {
	tb := startBridge(t)
	if err := tb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := tb.bus.Services(); len(got) != 0 {
		t.Errorf("services left after Close: %v", got)
	}
	if err := waitReq(t, tb.Reset()); !errors.Is(err, dsb.StatusNotCapable) {
		t.Errorf("Reset after Close err = %v, want NotCapable", err)
	}
	var devs []*dsb.Device
	if err := tb.mock.EnumDevices(dsb.EnumCacheOnly, &devs).Err(); !errors.Is(err, dsb.StatusNotCapable) {
		t.Errorf("adapter still running after Close: %v", err)
	}
	tb.Close()
}

func TestResetRacingClose(t *testing.T) {
	tb := startBridge(t)

	reqs := make(chan *dsb.Request, 64)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 8 {
				reqs <- tb.Reset()
			}
		}()
	}
	tb.Close()
	wg.Wait()
	close(reqs)

	for r := range reqs {
		if err := r.Wait(5 * time.Second); err != nil {
			t.Fatalf("reset requested around Close never settled: %v", err)
		}
	}
}

func TestMetricsExported(t *testing.T) {
	tb := startBridge(t)
	n, err := testutil.GatherAndCount(tb.reg, "dsb_devices_exposed")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dsb_devices_exposed has %d series, want 1", n)
	}
	const want = `
# HELP dsb_devices_exposed Devices currently exposed on the bus, by adapter.
# TYPE dsb_devices_exposed gauge
dsb_devices_exposed{adapter="Mock Adapter"} 2
`
	if err := testutil.GatherAndCompare(tb.reg, strings.NewReader(want), "dsb_devices_exposed"); err != nil {
		t.Error(err)
	}
}
