// Package signalrelay re-emits signals the source service sends on its
// mirrored objects onto the target bus, so clients see live updates the
// way they would talking to the source directly.
// org.freedesktop.DBus.ObjectManager's InterfacesAdded/Removed
// get dedicated handling so the topology engine stays in sync before the
// signal is forwarded.
package signalrelay

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
)

// TopologyNotifier receives the decoded InterfacesAdded/Removed payloads
// so the topology engine can register or unregister the affected object
// before the signal reaches the target bus.
type TopologyNotifier interface {
	HandleInterfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant)
	HandleInterfacesRemoved(path dbus.ObjectPath, ifaces []string)
}

// Relay subscribes to every signal the source service emits under the
// mirrored root and re-emits it on the target connection.
type Relay struct {
	sourceConn *dbus.Conn
	targetConn *dbus.Conn
	sourceBus  string
	rootPath   dbus.ObjectPath
	topology   TopologyNotifier
	logger     *logging.Logger

	ch   chan *dbus.Signal
	done chan struct{}
}

// New creates a signal relay. topology may be nil if the source doesn't
// implement ObjectManager.
func New(sourceConn, targetConn *dbus.Conn, sourceBus string, rootPath dbus.ObjectPath, topology TopologyNotifier, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.New(slog.LevelInfo, sourceBus)
	}
	return &Relay{
		sourceConn: sourceConn,
		targetConn: targetConn,
		sourceBus:  sourceBus,
		rootPath:   rootPath,
		topology:   topology,
		logger:     logger,
		ch:         make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
	}
}

// Start subscribes to signals from the source and begins relaying them.
func (r *Relay) Start() error {
	if err := r.sourceConn.AddMatchSignal(
		dbus.WithMatchSender(r.sourceBus),
		dbus.WithMatchPathNamespace(r.rootPath),
	); err != nil {
		return err
	}
	r.sourceConn.Signal(r.ch)
	go r.run()
	return nil
}

func (r *Relay) run() {
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.ch:
			if !ok {
				return
			}
			r.handle(sig)
		}
	}
}

func (r *Relay) handle(sig *dbus.Signal) {
	switch sig.Name {
	case dbusutil.ObjectManagerInterface + ".InterfacesAdded":
		r.handleInterfacesAdded(sig)
	case dbusutil.ObjectManagerInterface + ".InterfacesRemoved":
		r.handleInterfacesRemoved(sig)
	case "org.freedesktop.DBus.NameOwnerChanged", "org.freedesktop.DBus.NameAcquired", "org.freedesktop.DBus.NameLost":
		// Bus-daemon bookkeeping signals never came from the source
		// service; relaying them would forge NameOwnerChanged traffic on
		// the target bus.
		return
	}

	if err := r.targetConn.Emit(sig.Path, sig.Name, sig.Body...); err != nil {
		r.logger.LogSignal(context.Background(), string(sig.Path), sig.Name, err)
		return
	}
	r.logger.LogSignal(context.Background(), string(sig.Path), sig.Name, nil)
}

func (r *Relay) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if r.topology != nil {
		r.topology.HandleInterfacesAdded(path, ifaces)
	}
}

func (r *Relay) handleInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return
	}
	if r.topology != nil {
		r.topology.HandleInterfacesRemoved(path, ifaces)
	}
}

// Close stops relaying signals.
func (r *Relay) Close() {
	close(r.done)
	r.sourceConn.RemoveSignal(r.ch)
}
