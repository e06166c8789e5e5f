package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danderson/dsb"
	"github.com/danderson/dsb/bridge"
	"github.com/danderson/dsb/membus"
	"github.com/danderson/dsb/mockadapter"
	"github.com/danderson/dsb/mqttadapter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// instance is a running bridge and what it runs on.
type instance struct {
	bus      *membus.Bus
	bridge   *bridge.Bridge
	registry *prometheus.Registry
	mqtt     *mqttadapter.PahoClient
}

// startBridge starts a bridge over an in-process bus, bridging the
// adapter selected by the global flags.
func startBridge(ctx context.Context, log *slog.Logger) (*instance, error) {
	ret := &instance{
		bus:      membus.New(membus.Options{Logger: log}),
		registry: prometheus.NewRegistry(),
	}
	ret.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var adapter dsb.Adapter
	switch globalArgs.Adapter {
	case "mock":
		adapter = mockadapter.New(mockadapter.Options{Logger: log})
	case "mqtt":
		cli, err := mqttadapter.Dial(globalArgs.Broker, mqttadapter.DialOptions{Logger: log})
		if err != nil {
			ret.Close()
			return nil, err
		}
		ret.mqtt = cli
		adapter = mqttadapter.New(mqttadapter.Options{
			Client:        cli,
			Prefix:        globalArgs.MQTTPrefix,
			ExposedPrefix: globalArgs.Prefix,
			Logger:        log,
		})
	default:
		ret.Close()
		return nil, fmt.Errorf("unknown adapter %q, want mock or mqtt", globalArgs.Adapter)
	}

	b, err := bridge.New(bridge.Options{
		Bus:        ret.bus,
		Adapters:   []dsb.Adapter{adapter},
		ConfigDir:  globalArgs.ConfigDir,
		StagingDir: globalArgs.StagingDir,
		Logger:     log,
		Registerer: ret.registry,
	})
	if err != nil {
		ret.Close()
		return nil, err
	}
	ret.bridge = b
	if err := b.Start(ctx); err != nil {
		ret.Close()
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	return ret, nil
}

func (i *instance) Close() {
	if i.bridge != nil {
		i.bridge.Close()
	}
	if i.mqtt != nil {
		i.mqtt.Close()
	}
	i.bus.Close()
}
