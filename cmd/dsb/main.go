package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/danderson/dsb"
	"github.com/danderson/dsb/config"
	"github.com/danderson/dsb/httpapi"
	"github.com/danderson/dsb/membus"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Verbose    bool   `flag:"v,Log debug messages"`
	Adapter    string `flag:"adapter,default=mock,Adapter to bridge (mock or mqtt)"`
	Broker     string `flag:"broker,default=tcp://localhost:1883,MQTT broker URL for the mqtt adapter"`
	MQTTPrefix string `flag:"mqtt-prefix,MQTT topic prefix of the mqtt adapter"`
	Prefix     string `flag:"prefix,Root of the exposed bus service names (mqtt adapter)"`
	ConfigDir  string `flag:"config-dir,Directory holding adapter configuration files"`
	StagingDir string `flag:"staging-dir,Directory holding configuration transfer files"`
}

var runArgs struct {
	HTTP  string `flag:"http,Address to serve the HTTP debug API on"`
	Watch bool   `flag:"watch,Log signals and property changes emitted on the bus"`
}

var listArgs struct {
	Settle time.Duration `flag:"settle,Time to wait for devices to appear before listing"`
	Raw    bool          `flag:"raw,Dump raw device records"`
}

func main() {
	root := &command.C{
		Name:     "dsb",
		Usage:    "command args...",
		Help:     "Bridge adapter devices onto a message bus.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "run",
				Help: `Run the bridge until interrupted.

Devices of the selected adapter are exposed on an in-process bus. With
--http, the device list, introspection data and metrics are served
over HTTP.`,
				SetFlags: command.Flags(flax.MustBind, &runArgs),
				Run:      command.Adapt(runRun),
			},
			{
				Name:     "devices",
				Usage:    "devices",
				Help:     "Start the bridge and list the devices it exposes.",
				SetFlags: command.Flags(flax.MustBind, &listArgs),
				Run:      command.Adapt(runDevices),
			},
			{
				Name:  "introspect",
				Usage: "introspect service [object]",
				Help: `Start the bridge and show the API of an exposed service.

The optional object argument is a regular expression matched against
object paths.`,
				SetFlags: command.Flags(flax.MustBind, &listArgs),
				Run:      runIntrospect,
			},
			{
				Name:  "signature",
				Usage: "signature sig...",
				Help:  "Parse wire type signatures and show the value kinds they carry.",
				Run:   runSignature,
			},
			{
				Name:  "config",
				Usage: "config args...",
				Commands: []*command.C{
					{
						Name:  "default",
						Usage: "default",
						Help:  "Print the default bridge configuration.",
						Run:   command.Adapt(runConfigDefault),
					},
					{
						Name:  "check",
						Usage: "check file",
						Help:  "Validate a bridge configuration file and summarize it.",
						Run:   command.Adapt(runConfigCheck),
					},
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if globalArgs.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runRun(env *command.Env) error {
	log := logger()
	inst, err := startBridge(env.Context(), log)
	if err != nil {
		return err
	}
	defer inst.Close()

	ctx, cancel := context.WithCancel(env.Context())
	defer cancel()
	g := taskgroup.New(nil)

	if runArgs.HTTP != "" {
		srv := &http.Server{
			Addr: runArgs.HTTP,
			Handler: httpapi.New(inst.bridge, httpapi.Options{
				Gatherer: inst.registry,
				Logger:   log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving HTTP", "addr", runArgs.HTTP)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				cancel()
				return fmt.Errorf("serving HTTP: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}
	if runArgs.Watch {
		w := inst.bus.Watch()
		w.Match(membus.MatchAll())
		g.Go(func() error {
			watch(ctx, log, w)
			return nil
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	return g.Wait()
}

// watch logs bus notifications until ctx ends.
func watch(ctx context.Context, log *slog.Logger, w *membus.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-w.Chan():
			if !ok {
				return
			}
			attrs := []any{
				"service", n.Service,
				"path", n.Path,
				"interface", n.Interface,
				"name", n.Name,
			}
			if n.Session != 0 {
				attrs = append(attrs, "session", n.Session)
			}
			switch {
			case n.Invalidated:
				log.Info("property invalidated", attrs...)
			case n.Property:
				log.Info("property changed", append(attrs, "value", formatArgs(n.Body))...)
			default:
				log.Info("signal", append(attrs, "args", formatArgs(n.Body))...)
			}
			if n.Overflow {
				log.Warn("watcher overflowed, notifications lost")
			}
		}
	}
}

func runDevices(env *command.Env) error {
	inst, err := startBridge(env.Context(), logger())
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := settle(env.Context()); err != nil {
		return err
	}

	devs := inst.bridge.Devices()
	if listArgs.Raw {
		pretty.Println(devs)
		return nil
	}
	if len(devs) == 0 {
		fmt.Println("no devices")
		return nil
	}
	var out indenter
	for i, d := range devs {
		if i > 0 {
			out.s("")
		}
		out.indent(0)
		out.f("%s (%s)", d.Name, d.SerialNumber)
		out.indent(1)
		out.f("service: %s", d.Service)
		out.f("adapter: %s", d.Adapter)
		if d.Vendor != "" || d.Model != "" {
			out.f("model: %s", strings.TrimSpace(d.Vendor+" "+d.Model))
		}
		if d.Firmware != "" {
			out.f("firmware: %s", d.Firmware)
		}
		out.s("objects:")
		out.indent(2)
		for _, p := range d.Paths {
			out.s(p)
		}
	}
	return nil
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("wrong number of arguments")
	}
	args := growTo(env.Args, 2)
	pf, err := regexp.Compile(args[1])
	if err != nil {
		return fmt.Errorf("invalid object filter: %w", err)
	}

	inst, err := startBridge(env.Context(), logger())
	if err != nil {
		return err
	}
	defer inst.Close()
	if err := settle(env.Context()); err != nil {
		return err
	}

	objs, ok := inst.bridge.Describe(args[0])
	if !ok {
		return fmt.Errorf("service %q is not exposed", args[0])
	}
	if listArgs.Raw {
		pretty.Println(objs)
		return nil
	}
	var out indenter
	for _, path := range sortedKeys(objs) {
		if !pf.MatchString(path) {
			continue
		}
		out.indent(0)
		out.v(path)
		out.indent(1)
		desc := objs[path]
		for _, name := range sortedKeys(desc.Interfaces) {
			out.v(desc.Interfaces[name])
		}
	}
	return nil
}

func runSignature(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("no signatures given")
	}
	var out indenter
	for _, s := range env.Args {
		sig, err := dsb.ParseSignature(s)
		if err != nil {
			out.indent(0)
			out.f("%q: %v", s, err)
			continue
		}
		out.indent(0)
		out.f("%q:", sig.String())
		out.indent(1)
		for _, part := range sig.Parts() {
			k, err := dsb.KindForSignature(part)
			if err != nil {
				out.f("%s: no value kind (%v)", part, err)
				continue
			}
			out.f("%s: %v", part, k)
		}
	}
	return nil
}

func runConfigDefault(env *command.Env) error {
	bs, err := config.Default().Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(bs)
	return err
}

func runConfigCheck(env *command.Env, path string) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := config.Parse(bs)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	var out indenter
	out.f("%s: ok", path)
	out.indent(1)
	out.f("default visibility: %v", cfg.Bridge.DefaultVisibility)
	out.f("configuration access secured: %v", cfg.ConfigAccessSecured())
	out.f("device access secured: %v", cfg.DeviceAccessSecured())
	out.f("devices: %d", len(cfg.Devices))
	out.indent(2)
	for _, d := range cfg.Devices {
		vis := "visible"
		if !d.Visible {
			vis = "hidden"
		}
		out.f("%s %s (%s)", d.ID, vis, d.Description)
	}
	return nil
}

func settle(ctx context.Context) error {
	d := listArgs.Settle
	if d == 0 && globalArgs.Adapter == "mqtt" {
		// Retained announcements arrive shortly after subscribing.
		d = 2 * time.Second
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	slices.Sort(ret)
	return ret
}
