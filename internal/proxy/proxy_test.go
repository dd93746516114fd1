package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/testutil"
)

type mockGreeter struct{}

func (mockGreeter) Hello(name string) (string, *dbus.Error) {
	return "hello " + name, nil
}

func (mockGreeter) Introspect() (string, *dbus.Error) {
	return `<node>
  <interface name="com.example.Greeter">
    <method name="Hello">
      <arg name="name" type="s" direction="in"/>
      <arg name="greeting" type="s" direction="out"/>
    </method>
  </interface>
</node>`, nil
}

func startMockSource(t *testing.T, addr, busName string) {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect mock source: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	g := mockGreeter{}
	if err := conn.Export(g, "/com/example/Greeter", "com.example.Greeter"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := conn.Export(g, "/com/example/Greeter", "org.freedesktop.DBus.Introspectable"); err != nil {
		t.Fatalf("export introspectable: %v", err)
	}
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName: reply=%v err=%v", reply, err)
	}
}

func TestProxyConnectMirrorsObjectAndForwardsCalls(t *testing.T) {
	sourceBus := testutil.StartPrivateBus(t)
	targetBus := testutil.StartPrivateBus(t)

	startMockSource(t, sourceBus.Addr, "com.example.Source")

	cfg := (&config.Config{
		SourceBusName:    "com.example.Source",
		SourceObjectPath: "/com/example/Greeter",
		ProxyBusName:     "com.example.Proxied",
		Source:           config.BusEndpoint{Address: sourceBus.Addr},
		Target:           config.BusEndpoint{Address: targetBus.Addr},
	}).WithDefaults()

	p := New(cfg, nil)
	if err := p.Connect(testutil.Context(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	if _, ok := p.Topology().Lookup("/com/example/Greeter"); !ok {
		t.Fatal("expected /com/example/Greeter to be mirrored onto the target bus")
	}

	client, err := dbus.Connect(targetBus.Addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()

	obj := client.Object("com.example.Proxied", "/com/example/Greeter")
	call := obj.Call("com.example.Greeter.Hello", 0, "world")
	if call.Err != nil {
		t.Fatalf("Hello call: %v", call.Err)
	}
	var greeting string
	if err := call.Store(&greeting); err != nil {
		t.Fatalf("store: %v", err)
	}
	if greeting != "hello world" {
		t.Errorf("greeting = %q, want %q", greeting, "hello world")
	}
}

func TestProxyMirrorsObjectManagerTreeAndLiveAdditions(t *testing.T) {
	sourceBus := testutil.StartPrivateBus(t)
	targetBus := testutil.StartPrivateBus(t)

	sourceConn, err := dbus.Connect(sourceBus.Addr)
	if err != nil {
		t.Fatalf("connect mock source: %v", err)
	}
	t.Cleanup(func() { sourceConn.Close() })

	mock := testutil.NewMockSource("/com/example/Manager")
	if err := mock.Register(sourceConn, "com.example.Manager"); err != nil {
		t.Fatalf("register mock source: %v", err)
	}
	if _, err := mock.AddChild("child0"); err != nil {
		t.Fatalf("add child0: %v", err)
	}

	cfg := (&config.Config{
		SourceBusName:    "com.example.Manager",
		SourceObjectPath: "/com/example/Manager",
		ProxyBusName:     "com.example.ProxiedManager",
		Source:           config.BusEndpoint{Address: sourceBus.Addr},
		Target:           config.BusEndpoint{Address: targetBus.Addr},
	}).WithDefaults()

	p := New(cfg, nil)
	if err := p.Connect(testutil.Context(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	if _, ok := p.Topology().Lookup("/com/example/Manager/child0"); !ok {
		t.Fatal("expected ObjectManager child to be mirrored after discovery")
	}

	// A child announced via InterfacesAdded after startup must become
	// callable through the proxy without a restart.
	if _, err := mock.AddChild("child1"); err != nil {
		t.Fatalf("add child1: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := p.Topology().Lookup("/com/example/Manager/child1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for child1 to be mirrored")
		case <-time.After(50 * time.Millisecond):
		}
	}

	client, err := dbus.Connect(targetBus.Addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()

	obj := client.Object("com.example.ProxiedManager", "/com/example/Manager/child1")
	call := obj.Call("com.example.Greeter.Hello", 0, "world")
	if call.Err != nil {
		t.Fatalf("Hello on late-added child: %v", call.Err)
	}
	var greeting string
	if err := call.Store(&greeting); err != nil {
		t.Fatalf("store: %v", err)
	}
	if greeting != "hello world from child1" {
		t.Errorf("greeting = %q", greeting)
	}
}

func TestProxyRunReturnsErrSourceVanishedOnOwnerDrop(t *testing.T) {
	sourceBus := testutil.StartPrivateBus(t)
	targetBus := testutil.StartPrivateBus(t)

	sourceConn, err := dbus.Connect(sourceBus.Addr)
	if err != nil {
		t.Fatalf("connect source: %v", err)
	}
	g := mockGreeter{}
	if err := sourceConn.Export(g, "/com/example/Greeter", "com.example.Greeter"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := sourceConn.Export(g, "/com/example/Greeter", "org.freedesktop.DBus.Introspectable"); err != nil {
		t.Fatalf("export introspectable: %v", err)
	}
	reply, err := sourceConn.RequestName("com.example.VanishingSource", dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName: reply=%v err=%v", reply, err)
	}

	cfg := (&config.Config{
		SourceBusName:    "com.example.VanishingSource",
		SourceObjectPath: "/com/example/Greeter",
		ProxyBusName:     "com.example.Proxied3",
		Source:           config.BusEndpoint{Address: sourceBus.Addr},
		Target:           config.BusEndpoint{Address: targetBus.Addr},
	}).WithDefaults()

	p := New(cfg, nil)
	if err := p.Connect(testutil.Context(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- p.Run(context.Background()) }()

	if err := sourceConn.Close(); err != nil {
		t.Fatalf("close source conn: %v", err)
	}

	select {
	case err := <-runErrCh:
		if !errors.Is(err, ErrSourceVanished) {
			t.Fatalf("Run() = %v, want ErrSourceVanished", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after source name vanished")
	}
}

func TestProxyCloseReleasesProxyName(t *testing.T) {
	sourceBus := testutil.StartPrivateBus(t)
	targetBus := testutil.StartPrivateBus(t)
	startMockSource(t, sourceBus.Addr, "com.example.Source")

	cfg := (&config.Config{
		SourceBusName:    "com.example.Source",
		SourceObjectPath: "/com/example/Greeter",
		ProxyBusName:     "com.example.Proxied2",
		Source:           config.BusEndpoint{Address: sourceBus.Addr},
		Target:           config.BusEndpoint{Address: targetBus.Addr},
	}).WithDefaults()

	p := New(cfg, nil)
	if err := p.Connect(testutil.Context(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	checkConn, err := dbus.Connect(targetBus.Addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer checkConn.Close()

	time.Sleep(200 * time.Millisecond)

	var hasOwner bool
	call := checkConn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, "com.example.Proxied2")
	if call.Err != nil {
		t.Fatalf("NameHasOwner: %v", call.Err)
	}
	if err := call.Store(&hasOwner); err != nil {
		t.Fatalf("store: %v", err)
	}
	if hasOwner {
		t.Error("expected proxy bus name to be released after Close")
	}
}
