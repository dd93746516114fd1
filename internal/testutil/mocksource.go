package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// MockSource is a minimal source-side service for exercising a proxy end
// to end: an ObjectManager-rooted object tree with a handful of child
// objects exposing an ad hoc Greeter interface, plus a NetworkManager-style
// AgentManager at the root for agent-registration scenarios.
type MockSource struct {
	conn *dbus.Conn
	root dbus.ObjectPath

	mu       sync.RWMutex
	greeted  map[string]int
	children map[dbus.ObjectPath][]string

	registerCalls   atomic.Int32
	unregisterCalls atomic.Int32
}

// NewMockSource creates a mock source service rooted at root.
func NewMockSource(root dbus.ObjectPath) *MockSource {
	return &MockSource{
		root:     root,
		greeted:  make(map[string]int),
		children: make(map[dbus.ObjectPath][]string),
	}
}

// Register exports the mock service on conn under busName.
func (m *MockSource) Register(conn *dbus.Conn, busName string) error {
	m.conn = conn

	if err := conn.Export(m, m.root, "org.freedesktop.DBus.ObjectManager"); err != nil {
		return fmt.Errorf("export ObjectManager: %w", err)
	}
	if err := conn.Export(agentManager{m}, m.root, "com.example.Manager.AgentManager"); err != nil {
		return fmt.Errorf("export AgentManager: %w", err)
	}
	if err := conn.Export(introspectable(m.Introspect), m.root, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export Introspectable: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("not primary owner (reply=%d)", reply)
	}
	return nil
}

// AddChild exports a child object at root/name implementing
// com.example.Greeter, and announces it via InterfacesAdded.
func (m *MockSource) AddChild(name string) (dbus.ObjectPath, error) {
	path := dbus.ObjectPath(string(m.root) + "/" + name)
	greeter := &mockGreeter{source: m, name: name}
	if err := m.conn.Export(greeter, path, "com.example.Greeter"); err != nil {
		return "", fmt.Errorf("export child %s: %w", name, err)
	}
	if err := m.conn.Export(introspectable(greeter.Introspect), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return "", fmt.Errorf("export child introspectable %s: %w", name, err)
	}

	m.mu.Lock()
	m.children[path] = []string{"com.example.Greeter"}
	m.mu.Unlock()

	props := map[string]map[string]dbus.Variant{
		"com.example.Greeter": {"Name": dbus.MakeVariant(name)},
	}
	m.conn.Emit(m.root, "org.freedesktop.DBus.ObjectManager.InterfacesAdded", path, props)
	return path, nil
}

// RemoveChild unexports a previously added child and announces its
// removal via InterfacesRemoved.
func (m *MockSource) RemoveChild(path dbus.ObjectPath) {
	m.mu.Lock()
	ifaces, ok := m.children[path]
	delete(m.children, path)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.conn.Export(nil, path, "com.example.Greeter")
	m.conn.Emit(m.root, "org.freedesktop.DBus.ObjectManager.InterfacesRemoved", path, ifaces)
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager.
func (m *MockSource) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(m.children))
	for path, ifaces := range m.children {
		ifaceProps := make(map[string]map[string]dbus.Variant, len(ifaces))
		for _, iface := range ifaces {
			ifaceProps[iface] = map[string]dbus.Variant{}
		}
		out[path] = ifaceProps
	}
	return out, nil
}

// Introspect returns introspection XML for the root object.
func (m *MockSource) Introspect() string {
	return `<node>
  <interface name="org.freedesktop.DBus.ObjectManager"></interface>
  <interface name="com.example.Manager.AgentManager">
    <method name="Register">
      <arg name="identifier" type="s" direction="in"/>
    </method>
    <method name="Unregister"></method>
  </interface>
</node>`
}

type agentManager struct {
	source *MockSource
}

func (a agentManager) Register(identifier string) *dbus.Error {
	a.source.registerCalls.Add(1)
	return nil
}

func (a agentManager) Unregister() *dbus.Error {
	a.source.unregisterCalls.Add(1)
	return nil
}

// mockGreeter backs one ObjectManager child object.
type mockGreeter struct {
	source *MockSource
	name   string
}

func (g *mockGreeter) Hello(who string) (string, *dbus.Error) {
	g.source.mu.Lock()
	g.source.greeted[who]++
	g.source.mu.Unlock()
	return fmt.Sprintf("hello %s from %s", who, g.name), nil
}

func (g *mockGreeter) Introspect() string {
	return `<node>
  <interface name="com.example.Greeter">
    <method name="Hello">
      <arg name="who" type="s" direction="in"/>
      <arg name="greeting" type="s" direction="out"/>
    </method>
    <property name="Name" type="s" access="read"/>
  </interface>
</node>`
}

type introspectable func() string

func (i introspectable) Introspect() (string, *dbus.Error) {
	return i(), nil
}
