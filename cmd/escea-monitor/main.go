// Command escea-monitor discovers Escea fireplaces on the local network and
// prints lifecycle and state-change events until interrupted. It is a thin
// demo wired around the escea package, not part of the CORE library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/escea-go/escea/escea"

	"github.com/MatusOllah/slogcolor"
	"gopkg.in/yaml.v3"
)

const cacheFile = "escea-monitor.yaml"

var isVerbose = flag.Bool("verbose", false, "Enable display of DEBUG log messages")
var broadcastAddr = flag.String("broadcast", escea.DefaultBroadcastAddr, "Broadcast address to probe for fireplaces")
var statsInterval = flag.Duration("stats-interval", 5*time.Minute, "How often to log per-command latency stats for each controller")

// cache persists serial->nickname and serial->last-known-IP across runs of
// this demo. This is an ambient, demo-only convenience; the escea package
// itself never persists Controller state across restarts, it is always
// rebuilt by polling.
type cache struct {
	mu        sync.Mutex
	nicknames map[string]string
	lastIP    map[string]string
	yaml      yaml.Node
}

func (c *cache) load(fn string) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := yaml.Unmarshal(data, &c.yaml); err != nil {
		return err
	}

	type onDisk struct {
		Nicknames map[string]string `yaml:"nicknames"`
		LastIP    map[string]string `yaml:"last_ip"`
	}
	var decoded onDisk
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return err
	}
	c.nicknames = decoded.Nicknames
	c.lastIP = decoded.LastIP
	return nil
}

func (c *cache) write(fn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	type onDisk struct {
		Nicknames map[string]string `yaml:"nicknames"`
		LastIP    map[string]string `yaml:"last_ip"`
	}
	doc := onDisk{Nicknames: c.nicknames, LastIP: c.lastIP}

	f, err := os.CreateTemp(".", strings.Join([]string{".", fn, "*"}, ""))
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	defer enc.Close()

	if err := enc.Encode(&doc); err != nil {
		return err
	}

	return os.Rename(f.Name(), fn)
}

// seen records the current IP of a controller and returns its nickname
// (which may be empty if none has been assigned yet).
func (c *cache) seen(serial, ip string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastIP == nil {
		c.lastIP = make(map[string]string)
	}
	c.lastIP[serial] = ip
	if c.nicknames == nil {
		c.nicknames = make(map[string]string)
	}
	name, ok := c.nicknames[serial]
	if !ok {
		c.nicknames[serial] = ""
	}
	return name
}

type monitor struct {
	c *cache
}

func (m monitor) describe(ctrl *escea.Controller) string {
	name := m.c.seen(ctrl.DeviceUID(), ctrl.DeviceIP())
	if name == "" {
		return ctrl.DeviceUID()
	}
	return fmt.Sprintf("%s (%s)", name, ctrl.DeviceUID())
}

func main() {
	flag.Parse()

	opts := slogcolor.DefaultOptions
	if *isVerbose {
		opts.Level = slog.LevelDebug
	} else {
		opts.Level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, opts)))

	c := &cache{}
	if err := c.load(cacheFile); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Cache file does not exist yet", "fn", cacheFile)
		} else {
			slog.Error("Unable to load cache file", "fn", cacheFile, "err", err)
		}
	}
	defer func() {
		if err := c.write(cacheFile); err != nil {
			slog.Error("Error writing out cache file", "fn", cacheFile, "err", err)
		}
	}()

	m := monitor{c: c}

	discovery := escea.NewDiscovery(*broadcastAddr)
	defer discovery.Close()

	discovery.AddListener(escea.ListenerFuncs{
		OnDiscovered: func(ctrl *escea.Controller) {
			slog.Info("Controller discovered", "ctrl", m.describe(ctrl), "ip", ctrl.DeviceIP())
		},
		OnDisconnected: func(ctrl *escea.Controller, cause error) {
			slog.Warn("Controller disconnected", "ctrl", m.describe(ctrl), "cause", cause)
		},
		OnReconnected: func(ctrl *escea.Controller) {
			slog.Info("Controller reconnected", "ctrl", m.describe(ctrl))
		},
		OnUpdate: func(ctrl *escea.Controller) {
			slog.Info("Controller update",
				"ctrl", m.describe(ctrl),
				"state", ctrl.State(),
				"on", ctrl.IsOn(),
				"fan", ctrl.Fan(),
				"desired_temp", ctrl.DesiredTemp(),
				"current_temp", ctrl.CurrentTemp(),
			)
		},
	})

	if err := discovery.StartDiscovery(); err != nil {
		slog.Error("Unable to start discovery", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	statsTicker := time.NewTicker(*statsInterval)
	defer statsTicker.Stop()

	slog.Info("Monitoring for Escea fireplaces. Press Ctrl+C to exit.")
	for {
		select {
		case <-statsTicker.C:
			for _, ctrl := range discovery.Controllers() {
				slog.Info("Controller stats", "ctrl", m.describe(ctrl), "stats", ctrl.Stats())
			}
		case <-ctx.Done():
			slog.Info("Exiting due to signal")
			return
		}
	}
}
