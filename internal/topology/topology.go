// Package topology discovers the object tree a proxy mirrors from its
// source bus and keeps it synchronized on the target bus as objects come
// and go. Discovery walks introspection XML
// depth-first from the configured root, using
// org.freedesktop.DBus.ObjectManager when the source offers it, and
// registers every non-standard interface it finds through the generic
// vtable so the target bus can dispatch calls nobody wrote Go bindings
// for.
package topology

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/vtable"
)

// ProxiedObject is one object the proxy currently mirrors onto the
// target bus.
type ProxiedObject struct {
	Path       dbus.ObjectPath
	Interfaces []string
}

// CallHandler forwards a method call received on the target bus for
// (path, iface, member) to the source bus and returns its reply or
// error. The router package supplies this; topology only needs to know
// how to wire it into a vtable.
type CallHandler func(msg dbus.Message, path dbus.ObjectPath, iface, member string, args []interface{}) ([]interface{}, *dbus.Error)

// Engine owns the mirrored object tree and its registration state on the
// target bus.
type Engine struct {
	sourceConn *dbus.Conn
	targetConn *dbus.Conn
	sourceBus  string
	rootPath   dbus.ObjectPath
	handle     CallHandler
	logger     *logging.Logger

	mu      sync.RWMutex
	objects map[dbus.ObjectPath]*ProxiedObject
}

// New creates a topology engine rooted at rootPath on sourceBus.
func New(sourceConn, targetConn *dbus.Conn, sourceBus string, rootPath dbus.ObjectPath, handle CallHandler, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.New(slog.LevelInfo, sourceBus)
	}
	return &Engine{
		sourceConn: sourceConn,
		targetConn: targetConn,
		sourceBus:  sourceBus,
		rootPath:   rootPath,
		handle:     handle,
		logger:     logger,
		objects:    make(map[dbus.ObjectPath]*ProxiedObject),
	}
}

// Discover walks the source object tree from the root, registering every
// object it finds. It prefers org.freedesktop.DBus.ObjectManager at the
// root when the source implements it; otherwise it falls back to plain
// recursive introspection.
func (e *Engine) Discover(ctx context.Context) error {
	if ok, err := e.tryObjectManager(ctx); err != nil {
		return err
	} else if ok {
		return nil
	}
	return e.walk(ctx, e.rootPath)
}

func (e *Engine) tryObjectManager(ctx context.Context) (bool, error) {
	obj := e.sourceConn.Object(e.sourceBus, e.rootPath)
	call := obj.CallWithContext(ctx, dbusutil.ObjectManagerInterface+".GetManagedObjects", 0)
	if call.Err != nil {
		// No ObjectManager here; not an error for the caller, just fall
		// back to plain introspection.
		return false, nil
	}

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&managed); err != nil {
		return false, fmt.Errorf("decode GetManagedObjects: %w", err)
	}

	// GetManagedObjects only enumerates children; the manager object
	// itself may also expose ordinary interfaces worth mirroring.
	if _, ok := managed[e.rootPath]; !ok {
		e.registerObject(e.rootPath, nil)
	}

	for path, ifaces := range managed {
		names := make([]string, 0, len(ifaces))
		for iface := range ifaces {
			names = append(names, iface)
		}
		e.registerObject(path, names)
	}

	if err := e.sourceConn.AddMatchSignal(
		dbus.WithMatchInterface(dbusutil.ObjectManagerInterface),
		dbus.WithMatchSender(e.sourceBus),
		dbus.WithMatchPathNamespace(e.rootPath),
	); err != nil {
		return true, fmt.Errorf("watch ObjectManager signals: %w", err)
	}

	return true, nil
}

// walk recursively introspects path and its children, registering every
// object it visits. An UnknownObject reply (the object vanished between
// discovery steps) is skipped, not treated as fatal.
func (e *Engine) walk(ctx context.Context, path dbus.ObjectPath) error {
	node, err := e.introspectPath(ctx, path)
	if err != nil {
		if isUnknownObject(err) {
			return nil
		}
		return fmt.Errorf("introspect %s: %w", path, err)
	}

	var ifaceNames []string
	for _, iface := range node.Interfaces {
		if dbusutil.IsStandardInterface(iface.Name) {
			continue
		}
		ifaceNames = append(ifaceNames, iface.Name)
	}
	if len(ifaceNames) > 0 {
		e.registerObjectWithNode(path, ifaceNames, node)
	}

	for _, child := range node.Children {
		childPath := dbusutil.JoinPath(path, child.Name)
		if err := e.walk(ctx, childPath); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) introspectPath(ctx context.Context, path dbus.ObjectPath) (*introspect.Node, error) {
	obj := e.sourceConn.Object(e.sourceBus, path)
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Introspectable.Introspect", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var xmlStr string
	if err := call.Store(&xmlStr); err != nil {
		return nil, err
	}
	var node introspect.Node
	if err := xml.Unmarshal([]byte(xmlStr), &node); err != nil {
		return nil, fmt.Errorf("parse introspection XML: %w", err)
	}
	return &node, nil
}

func isUnknownObject(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	return ok && dbusErr.Name == "org.freedesktop.DBus.Error.UnknownObject"
}

// registerObject introspects path to recover each interface's methods,
// then registers it (used by the ObjectManager path, which only learns
// interface names + properties from GetManagedObjects, not methods).
func (e *Engine) registerObject(path dbus.ObjectPath, ifaces []string) {
	ctx := context.Background()
	node, err := e.introspectPath(ctx, path)
	if err != nil {
		e.logger.Warn("failed to introspect managed object", "path", path, "error", err)
		return
	}
	if ifaces == nil {
		for _, iface := range node.Interfaces {
			if dbusutil.IsStandardInterface(iface.Name) {
				continue
			}
			ifaces = append(ifaces, iface.Name)
		}
		if len(ifaces) == 0 {
			return
		}
	}
	e.registerObjectWithNode(path, ifaces, node)
}

func (e *Engine) registerObjectWithNode(path dbus.ObjectPath, ifaces []string, node *introspect.Node) {
	e.mu.RLock()
	var merged []string
	if existing, ok := e.objects[path]; ok {
		merged = append(merged, existing.Interfaces...)
	}
	e.mu.RUnlock()
	alreadyRegistered := make(map[string]struct{}, len(merged))
	for _, iface := range merged {
		alreadyRegistered[iface] = struct{}{}
	}

	var newlyRegistered []string
	for _, iface := range ifaces {
		if dbusutil.IsStandardInterface(iface) {
			continue
		}
		if _, ok := alreadyRegistered[iface]; ok {
			// Already registered on the target bus.
			continue
		}
		methods := vtable.FromIntrospection(node, iface)
		if len(methods) == 0 {
			continue
		}
		table := vtable.Build(iface, methods, func(msg dbus.Message, iface, member string, args []interface{}) ([]interface{}, *dbus.Error) {
			return e.handle(msg, path, iface, member, args)
		})
		if err := e.targetConn.ExportMethodTable(table, path, iface); err != nil {
			e.logger.Warn("failed to export method table", "path", path, "interface", iface, "error", err)
			continue
		}
		newlyRegistered = append(newlyRegistered, iface)
	}
	if len(newlyRegistered) == 0 {
		return
	}

	e.mu.Lock()
	e.objects[path] = &ProxiedObject{Path: path, Interfaces: append(merged, newlyRegistered...)}
	e.mu.Unlock()

	e.logger.LogTopologyChange(context.Background(), "registered", string(path), newlyRegistered)
}

// HandleInterfacesAdded processes a source-side InterfacesAdded signal,
// registering the newly announced object.
func (e *Engine) HandleInterfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	names := make([]string, 0, len(ifaces))
	for iface := range ifaces {
		names = append(names, iface)
	}
	e.registerObject(path, names)
}

// HandleInterfacesRemoved processes a source-side InterfacesRemoved
// signal, unregistering the listed interfaces' vtable entries. The
// ProxiedObject itself is only destroyed once its registration set is
// empty: removing one of several interfaces at a path leaves the rest
// mirrored.
func (e *Engine) HandleInterfacesRemoved(path dbus.ObjectPath, ifaces []string) {
	removed := make(map[string]struct{}, len(ifaces))
	for _, iface := range ifaces {
		removed[iface] = struct{}{}
	}

	e.mu.Lock()
	obj, ok := e.objects[path]
	var remaining []string
	if ok {
		for _, iface := range obj.Interfaces {
			if _, gone := removed[iface]; !gone {
				remaining = append(remaining, iface)
			}
		}
		if len(remaining) == 0 {
			delete(e.objects, path)
		} else {
			obj.Interfaces = remaining
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	for _, iface := range ifaces {
		e.targetConn.Export(nil, path, iface)
	}
	if len(remaining) == 0 {
		e.logger.LogTopologyChange(context.Background(), "unregistered", string(path), ifaces)
	} else {
		e.logger.LogTopologyChange(context.Background(), "partially_unregistered", string(path), ifaces)
	}
}

// Snapshot returns the currently mirrored objects (used by the debug
// endpoint and tests).
func (e *Engine) Snapshot() []ProxiedObject {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ProxiedObject, 0, len(e.objects))
	for _, obj := range e.objects {
		out = append(out, *obj)
	}
	return out
}

// Lookup returns the ProxiedObject at path, if mirrored.
func (e *Engine) Lookup(path dbus.ObjectPath) (ProxiedObject, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	obj, ok := e.objects[path]
	if !ok {
		return ProxiedObject{}, false
	}
	return *obj, true
}
