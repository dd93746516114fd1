// Package dbusutil provides small D-Bus helpers shared by the proxy's
// bus plane, topology engine, router, and agent registry.
package dbusutil

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BusType selects which well-known bus a connection targets.
type BusType string

const (
	BusTypeSystem  BusType = "system"
	BusTypeSession BusType = "session"
)

// standardInterfaces are provided natively by the D-Bus library on the
// target connection and are never proxied through the generic vtable.
var standardInterfaces = map[string]struct{}{
	"org.freedesktop.DBus.Introspectable": {},
	"org.freedesktop.DBus.Peer":           {},
	"org.freedesktop.DBus.Properties":     {},
}

// IsStandardInterface reports whether iface is handled natively by the
// D-Bus library and must never be registered on the generic vtable.
func IsStandardInterface(iface string) bool {
	_, ok := standardInterfaces[iface]
	return ok
}

// ObjectManagerInterface is the well-known interface name for
// org.freedesktop.DBus.ObjectManager.
const ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"

// Connect opens a connection to the given bus type, or to addr if addr is
// non-empty (addr takes precedence, e.g. "unix:path=..." for tests or a
// private bus).
func Connect(busType BusType, addr string) (*dbus.Conn, error) {
	if addr != "" {
		return dbus.Connect(addr)
	}
	switch busType {
	case BusTypeSystem:
		return dbus.ConnectSystemBus()
	case BusTypeSession:
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus type %q", busType)
	}
}

// SanitizeSender replaces characters D-Bus disallows in an object path
// segment ('.' and ':') with '_', so a unique bus name like ":1.42" can be
// embedded in a surrogate object path.
func SanitizeSender(sender string) string {
	r := strings.NewReplacer(".", "_", ":", "_")
	return r.Replace(sender)
}

// JoinPath appends a path segment to base, producing a valid object path.
func JoinPath(base dbus.ObjectPath, segment string) dbus.ObjectPath {
	b := strings.TrimSuffix(string(base), "/")
	return dbus.ObjectPath(b + "/" + segment)
}

// IsUniqueName reports whether name is a unique connection name (":1.42")
// as opposed to a well-known name ("org.freedesktop.NetworkManager").
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// Failed builds the generic org.freedesktop.DBus.Error.Failed error the
// proxy returns for internal failures that have no more specific D-Bus
// error name to preserve.
func Failed(format string, args ...interface{}) *dbus.Error {
	return &dbus.Error{
		Name: "org.freedesktop.DBus.Error.Failed",
		Body: []interface{}{fmt.Sprintf(format, args...)},
	}
}

// ErrNoAgentFound is returned by a surrogate agent object when a
// source-to-target call does not match any live registration.
func ErrNoAgentFound(detail string) *dbus.Error {
	return &dbus.Error{
		Name: "org.freedesktop.DBus.Error.Failed",
		Body: []interface{}{"no agent found: " + detail},
	}
}

// AsDBusError extracts a *dbus.Error if err wraps one, so a remote
// error's name and body pass through to the caller verbatim.
func AsDBusError(err error) (*dbus.Error, bool) {
	if err == nil {
		return nil, false
	}
	if dbusErr, ok := err.(dbus.Error); ok {
		return &dbusErr, true
	}
	if dbusErr, ok := err.(*dbus.Error); ok {
		return dbusErr, true
	}
	return nil, false
}
