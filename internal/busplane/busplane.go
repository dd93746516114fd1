// Package busplane owns the two D-Bus connections a running proxy
// straddles - the source bus, where the real service lives, and the
// target bus, where the proxy presents itself under its own well-known
// name. It is the only package that dials
// connections, requests names, and watches the source service's presence.
package busplane

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
)

// VanishedHandler is invoked when the source bus name loses its owner.
// lastPID is the
// source process's PID as last observed before it vanished (0 if never
// resolved), for the shutdown diagnostic log.
type VanishedHandler func(lastPID int)

// Plane holds the live source and target connections for one proxy run.
type Plane struct {
	SourceConn *dbus.Conn
	TargetConn *dbus.Conn

	sourceBusName string
	proxyBusName  string

	nameOwnerSignals chan *dbus.Signal
	done             chan struct{}
	onVanished       VanishedHandler
	lastSourcePID    atomic.Int32
}

// Config describes how to dial both sides of the plane.
type Config struct {
	SourceBusType dbusutil.BusType
	SourceAddress string
	TargetBusType dbusutil.BusType
	TargetAddress string

	SourceBusName string
	ProxyBusName  string
}

// Open dials both connections, subscribes to NameOwnerChanged for
// SourceBusName, and requests ProxyBusName on the target bus.
func Open(cfg Config, onVanished VanishedHandler) (*Plane, error) {
	sourceConn, err := dbusutil.Connect(cfg.SourceBusType, cfg.SourceAddress)
	if err != nil {
		return nil, fmt.Errorf("connect to source bus: %w", err)
	}

	targetConn, err := dbusutil.Connect(cfg.TargetBusType, cfg.TargetAddress)
	if err != nil {
		sourceConn.Close()
		return nil, fmt.Errorf("connect to target bus: %w", err)
	}

	p := &Plane{
		SourceConn:       sourceConn,
		TargetConn:       targetConn,
		sourceBusName:    cfg.SourceBusName,
		proxyBusName:     cfg.ProxyBusName,
		nameOwnerSignals: make(chan *dbus.Signal, 16),
		done:             make(chan struct{}),
		onVanished:       onVanished,
	}

	if err := sourceConn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchArg(0, cfg.SourceBusName),
	); err != nil {
		p.Close()
		return nil, fmt.Errorf("watch source name: %w", err)
	}
	sourceConn.Signal(p.nameOwnerSignals)
	go p.watchSourceVanish()

	reply, err := targetConn.RequestName(cfg.ProxyBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("request proxy bus name %s: %w", cfg.ProxyBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		p.Close()
		return nil, fmt.Errorf("failed to become primary owner of %s (reply=%d)", cfg.ProxyBusName, reply)
	}

	if owner, err := p.SourceOwner(context.Background()); err == nil && owner != "" {
		p.refreshSourcePID(owner)
	}

	return p, nil
}

func (p *Plane) watchSourceVanish() {
	for {
		select {
		case <-p.done:
			return
		case sig, ok := <-p.nameOwnerSignals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name != p.sourceBusName {
				continue
			}
			if newOwner != "" {
				p.refreshSourcePID(newOwner)
				continue
			}
			if p.onVanished != nil {
				p.onVanished(int(p.lastSourcePID.Load()))
			}
		}
	}
}

// refreshSourcePID resolves owner's PID and caches it, best-effort, so a
// later vanish can report the last known PID in its diagnostic log even
// though the owning connection is gone by the time the vanish is observed.
func (p *Plane) refreshSourcePID(owner string) {
	var pid uint32
	call := p.SourceConn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, owner)
	if call.Err != nil {
		return
	}
	if err := call.Store(&pid); err != nil {
		return
	}
	p.lastSourcePID.Store(int32(pid))
}

// SourceOwner resolves the current unique-name owner of the source bus
// name, or "" if it has none.
func (p *Plane) SourceOwner(ctx context.Context) (string, error) {
	var owner string
	call := p.SourceConn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, p.sourceBusName)
	if call.Err != nil {
		if dbusErr, ok := call.Err.(dbus.Error); ok && dbusErr.Name == "org.freedesktop.DBus.Error.NameHasNoOwner" {
			return "", nil
		}
		return "", call.Err
	}
	if err := call.Store(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

// Close releases the proxy's name on the target bus, stops watching for
// vanish, and only then closes both connections.
func (p *Plane) Close() error {
	close(p.done)
	if p.SourceConn != nil {
		p.SourceConn.RemoveSignal(p.nameOwnerSignals)
	}
	var firstErr error
	if p.TargetConn != nil {
		if _, err := p.TargetConn.ReleaseName(p.proxyBusName); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.TargetConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.SourceConn != nil {
		if err := p.SourceConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
