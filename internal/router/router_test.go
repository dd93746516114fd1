package router

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/agent"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/testutil"
)

type echoService struct{}

func (echoService) Echo(s string) (string, *dbus.Error) {
	return s, nil
}

func (echoService) Boom() *dbus.Error {
	return &dbus.Error{Name: "com.example.Error.Boom", Body: []interface{}{"kaboom"}}
}

func TestHandleForwardsPlainCall(t *testing.T) {
	bus := testutil.StartPrivateBus(t)

	sourceConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect source: %v", err)
	}
	defer sourceConn.Close()

	if err := sourceConn.Export(echoService{}, "/com/example/Echo", "com.example.Echo"); err != nil {
		t.Fatalf("export: %v", err)
	}
	reply, err := sourceConn.RequestName("com.example.Source", dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName: %v %v", reply, err)
	}

	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	reg := agent.New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()

	r := New(sourceConn, "com.example.Source", reg, nil, 5*time.Second, nil)

	msg := dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{
		dbus.FieldSender: dbus.MakeVariant(":1.99"),
	}}

	out, derr := r.Handle(msg, "/com/example/Echo", "com.example.Echo", "Echo", []interface{}{"hi"})
	if derr != nil {
		t.Fatalf("Handle: %v", derr)
	}
	if len(out) != 1 || out[0] != "hi" {
		t.Fatalf("out = %v", out)
	}
}

func TestHandlePropagatesRemoteError(t *testing.T) {
	bus := testutil.StartPrivateBus(t)

	sourceConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect source: %v", err)
	}
	defer sourceConn.Close()
	if err := sourceConn.Export(echoService{}, "/com/example/Echo", "com.example.Echo"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if reply, err := sourceConn.RequestName("com.example.Source", dbus.NameFlagDoNotQueue); err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName: %v %v", reply, err)
	}

	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	reg := agent.New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()
	r := New(sourceConn, "com.example.Source", reg, nil, 5*time.Second, nil)

	msg := dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{
		dbus.FieldSender: dbus.MakeVariant(":1.99"),
	}}
	_, derr := r.Handle(msg, "/com/example/Echo", "com.example.Echo", "Boom", nil)
	if derr == nil {
		t.Fatal("expected an error")
	}
	if derr.Name != "com.example.Error.Boom" {
		t.Errorf("error name = %q, want com.example.Error.Boom", derr.Name)
	}
}

func TestMatchAgentRule(t *testing.T) {
	rules := []config.AgentRule{{
		SourceBusName:    "org.freedesktop.NetworkManager",
		ManagerInterface: "org.freedesktop.NetworkManager.AgentManager",
		RegisterMethod:   "Register",
		UnregisterMethod: "Unregister",
	}}
	r := &Router{rules: rules}

	if _, ok := r.matchAgentRule("org.freedesktop.NetworkManager.AgentManager", "Register"); !ok {
		t.Error("expected Register to match")
	}
	if _, ok := r.matchAgentRule("org.freedesktop.NetworkManager.AgentManager", "Unregister"); !ok {
		t.Error("expected Unregister to match")
	}
	if _, ok := r.matchAgentRule("com.example.Other", "Register"); ok {
		t.Error("expected no match for unrelated interface")
	}
}
