// Package proxy ties the bus plane, topology engine, method router,
// signal relay, and agent registry into a single running instance: one
// source bus name and object tree mirrored onto one target bus name.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/agent"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/busplane"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/lifecycle"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/router"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/signalrelay"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/topology"
)

// Proxy is one running cross-bus proxy instance.
type Proxy struct {
	cfg    *config.Config
	logger *logging.Logger

	plane    *busplane.Plane
	topology *topology.Engine
	router   *router.Router
	relay    *signalrelay.Relay
	registry *agent.Registry

	vanished     chan int
	vanishedOnce sync.Once
}

// ErrSourceVanished is returned by Run when the source bus name lost its
// owner. The proxy never reconnects; a supervisor restarts it from the
// outside.
var ErrSourceVanished = errors.New("source bus name vanished")

// New creates a Proxy from a fully defaulted, validated Config.
func New(cfg *config.Config, logger *logging.Logger) *Proxy {
	if logger == nil {
		logger = logging.New(slog.LevelInfo, cfg.ProxyBusName)
	}
	return &Proxy{cfg: cfg, logger: logger, vanished: make(chan int, 1)}
}

// Connect opens both bus connections, discovers the source's object
// tree, and starts routing calls and relaying signals. It returns once
// the proxy is fully up.
func (p *Proxy) Connect(ctx context.Context) error {
	rules, err := p.cfg.ResolveAgentRules()
	if err != nil {
		return fmt.Errorf("resolve agent rules: %w", err)
	}

	plane, err := busplane.Open(busplane.Config{
		SourceBusType: p.cfg.Source.Type,
		SourceAddress: p.cfg.Source.Address,
		TargetBusType: p.cfg.Target.Type,
		TargetAddress: p.cfg.Target.Address,
		SourceBusName: p.cfg.SourceBusName,
		ProxyBusName:  p.cfg.ProxyBusName,
	}, p.onSourceVanished)
	if err != nil {
		return fmt.Errorf("open bus plane: %w", err)
	}
	p.plane = plane

	callTimeout := dur(p.cfg.CallTimeout)

	p.registry = agent.New(plane.SourceConn, plane.TargetConn, p.cfg.AgentOwnerVanishedPolicy, callTimeout, p.logger)
	if err := p.registry.Start(); err != nil {
		p.Close()
		return fmt.Errorf("start agent registry: %w", err)
	}

	p.router = router.New(plane.SourceConn, p.cfg.SourceBusName, p.registry, rules, callTimeout, p.logger)

	if err := p.cfg.WatchAgentRules(ctx, p.router.SetRules, p.logger.Logger); err != nil {
		p.logger.Warn("agent-rules hot reload disabled", "error", err)
	}

	p.topology = topology.New(plane.SourceConn, plane.TargetConn, p.cfg.SourceBusName, p.cfg.SourceObjectPath, p.router.Handle, p.logger)

	p.relay = signalrelay.New(plane.SourceConn, plane.TargetConn, p.cfg.SourceBusName, p.cfg.SourceObjectPath, p.topology, p.logger)
	if err := p.relay.Start(); err != nil {
		p.Close()
		return fmt.Errorf("start signal relay: %w", err)
	}

	discoverCtx, cancel := context.WithTimeout(ctx, dur(p.cfg.IntrospectTimeout))
	defer cancel()
	if err := p.topology.Discover(discoverCtx); err != nil {
		p.Close()
		return fmt.Errorf("discover source topology: %w", err)
	}

	p.logger.Info("proxy connected",
		"source_bus_name", p.cfg.SourceBusName,
		"proxy_bus_name", p.cfg.ProxyBusName,
		"objects", len(p.topology.Snapshot()))

	return nil
}

// onSourceVanished is invoked when the source bus name loses its owner.
// It wakes Run so the process exits instead of idling with a dead
// backend and stale mirrored state.
func (p *Proxy) onSourceVanished(lastPID int) {
	p.logger.Warn("source bus name vanished",
		"source_bus_name", p.cfg.SourceBusName,
		"last_pid", lastPID,
		"last_pid_alive", lifecycle.ProcessAlive(lastPID))
	p.vanishedOnce.Do(func() { p.vanished <- lastPID })
}

// Topology exposes the discovered object tree, e.g. for the debug
// endpoint.
func (p *Proxy) Topology() *topology.Engine { return p.topology }

// Registry exposes the live agent registrations, e.g. for the debug
// endpoint.
func (p *Proxy) Registry() *agent.Registry { return p.registry }

// Run blocks until ctx is cancelled, either bus connection closes, or the
// source bus name loses its owner (ErrSourceVanished).
func (p *Proxy) Run(ctx context.Context) error {
	if p.plane == nil {
		return fmt.Errorf("not connected")
	}

	sourceCtx := p.plane.SourceConn.Context()
	targetCtx := p.plane.TargetConn.Context()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitDone(sourceCtx):
		return fmt.Errorf("source connection closed")
	case <-waitDone(targetCtx):
		return fmt.Errorf("target connection closed")
	case <-p.vanished:
		return ErrSourceVanished
	}
}

func waitDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return make(chan struct{})
	}
	return ctx.Done()
}

// Close shuts down the proxy, releasing the target bus name before
// closing either connection.
func (p *Proxy) Close() error {
	p.logger.Info("shutting down")

	if p.relay != nil {
		p.relay.Close()
	}
	if p.registry != nil {
		p.registry.Close()
	}
	if p.plane != nil {
		return p.plane.Close()
	}
	return nil
}

func dur(d config.Duration) time.Duration { return time.Duration(d) }
