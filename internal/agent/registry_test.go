package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/testutil"
)

// fakeManager is a minimal stand-in for NetworkManager's AgentManager:
// it records Register/Unregister calls and always succeeds.
type fakeManager struct {
	registerCalls   atomic.Int32
	unregisterCalls atomic.Int32
}

func (m *fakeManager) Register(identifier string) *dbus.Error {
	m.registerCalls.Add(1)
	return nil
}

func (m *fakeManager) Unregister() *dbus.Error {
	m.unregisterCalls.Add(1)
	return nil
}

func testRule() config.AgentRule {
	return config.AgentRule{
		SourceBusName:    "com.example.Manager",
		ManagerPath:      "/com/example/Manager",
		ManagerInterface: "com.example.Manager.AgentManager",
		RegisterMethod:   "Register",
		UnregisterMethod: "Unregister",
		ClientObjectPath: "/com/example/Agent",
		ClientInterface:  "com.example.Agent",
		ClientMethods: []config.AgentMethod{
			{Name: "Notify", InSig: "s", OutSig: "s"},
		},
	}
}

// agentClient is a mock callback target a test registers as the primary
// or a secondary agent.
type agentClient struct {
	notifyCalls chan string
}

func (a *agentClient) Notify(msg string) (string, *dbus.Error) {
	a.notifyCalls <- msg
	return "ack:" + msg, nil
}

func setupManager(t *testing.T, addr string) (*dbus.Conn, *fakeManager) {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect manager: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	m := &fakeManager{}
	if err := conn.Export(m, "/com/example/Manager", "com.example.Manager.AgentManager"); err != nil {
		t.Fatalf("export manager: %v", err)
	}
	reply, err := conn.RequestName("com.example.Manager", dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("RequestName: reply=%v err=%v", reply, err)
	}
	return conn, m
}

func setupClient(t *testing.T, addr string) (*dbus.Conn, *agentClient) {
	t.Helper()
	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &agentClient{notifyCalls: make(chan string, 4)}
	if err := conn.Export(c, "/com/example/Agent", "com.example.Agent"); err != nil {
		t.Fatalf("export agent: %v", err)
	}
	return conn, c
}

func TestHandleRegisterPrimaryForwardsUpstream(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConn, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()

	rule := testRule()
	sender := clientConn.Names()[0]

	reply, derr := reg.HandleRegister(context.Background(), rule, sender, []interface{}{"vm-a"})
	if derr != nil {
		t.Fatalf("HandleRegister: %v", derr)
	}
	_ = reply

	if manager.registerCalls.Load() != 1 {
		t.Errorf("expected 1 upstream Register call, got %d", manager.registerCalls.Load())
	}

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].Role != RolePrimary {
		t.Fatalf("expected one primary registration, got %+v", snap)
	}
}

func TestHandleRegisterSecondaryDoesNotForward(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConnA, _ := setupClient(t, bus.Addr)
	clientConnB, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()
	rule := testRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnA.Names()[0], []interface{}{"vm-a"}); derr != nil {
		t.Fatalf("first register: %v", derr)
	}
	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnB.Names()[0], []interface{}{"vm-b"}); derr != nil {
		t.Fatalf("second register: %v", derr)
	}

	if manager.registerCalls.Load() != 1 {
		t.Errorf("expected only 1 upstream Register call, got %d", manager.registerCalls.Load())
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(snap))
	}
}

func TestDispatchToClientReachesPrimary(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, _ := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConn, client := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()
	rule := testRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConn.Names()[0], []interface{}{"vm-a"}); derr != nil {
		t.Fatalf("register: %v", derr)
	}

	reply, derr := reg.dispatchToClient(rule.ClientObjectPath, rule, rule.ClientInterface, "Notify", []interface{}{"hi"})
	if derr != nil {
		t.Fatalf("dispatchToClient: %v", derr)
	}
	if len(reply) != 1 || reply[0] != "ack:hi" {
		t.Fatalf("reply = %v", reply)
	}

	select {
	case got := <-client.notifyCalls:
		if got != "hi" {
			t.Errorf("client saw %q, want hi", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received Notify call")
	}
}

func customizableTestRule() config.AgentRule {
	r := testRule()
	r.PathCustomizable = true
	r.ClientObjectPath = "/com/example/Agent/base"
	return r
}

func TestHandleRegisterCustomizablePathPerSender(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConnA, _ := setupClient(t, bus.Addr)
	clientConnB, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()
	rule := customizableTestRule()

	senderA := clientConnA.Names()[0]
	senderB := clientConnB.Names()[0]

	if _, derr := reg.HandleRegister(context.Background(), rule, senderA, []interface{}{dbus.ObjectPath("/com/example/Agent/base")}); derr != nil {
		t.Fatalf("register A: %v", derr)
	}
	if _, derr := reg.HandleRegister(context.Background(), rule, senderB, []interface{}{dbus.ObjectPath("/com/example/Agent/base")}); derr != nil {
		t.Fatalf("register B: %v", derr)
	}

	// Distinct clients registering the same base path get distinct
	// surrogate paths and both are forwarded (each is primary at its own
	// unique_object_path), unlike the fixed-path case.
	if manager.registerCalls.Load() != 2 {
		t.Errorf("expected 2 upstream Register calls for distinct unique paths, got %d", manager.registerCalls.Load())
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(snap))
	}
	for _, reg := range snap {
		if reg.Role != RolePrimary {
			t.Errorf("expected both registrations primary at distinct paths, got %+v", reg)
		}
		if reg.UniqueObjectPath == rule.ClientObjectPath {
			t.Errorf("expected sanitized sender suffix, got bare base path %s", reg.UniqueObjectPath)
		}
	}
}

func TestHandleRegisterCustomizablePathMissingArgument(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, _ := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConn, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	defer reg.Close()
	rule := customizableTestRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConn.Names()[0], nil); derr == nil {
		t.Fatal("expected error registering with a customizable path and no arguments")
	}
}

func TestOwnerVanishedTeardownLonePrimary(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	if err := reg.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Close()
	rule := testRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConn.Names()[0], []interface{}{"vm-a"}); derr != nil {
		t.Fatalf("register: %v", derr)
	}

	clientConn.Close()

	// The sole primary disconnecting must still reach the manager's
	// Unregister method, with no secondary left to take over.
	deadline := time.After(5 * time.Second)
	for manager.unregisterCalls.Load() != 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for upstream Unregister, got %d calls", manager.unregisterCalls.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}

	if snap := reg.Snapshot(); len(snap) != 0 {
		t.Errorf("expected empty registry after lone primary vanished, got %+v", snap)
	}
}

func TestOwnerVanishedTeardownDropsSecondaries(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConnA, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	clientConnB, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyTeardown, 5*time.Second, nil)
	if err := reg.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Close()
	rule := testRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnA.Names()[0], []interface{}{"vm-a"}); derr != nil {
		t.Fatalf("register A: %v", derr)
	}
	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnB.Names()[0], []interface{}{"vm-b"}); derr != nil {
		t.Fatalf("register B: %v", derr)
	}

	clientConnA.Close()

	deadline := time.After(5 * time.Second)
	for manager.unregisterCalls.Load() != 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for upstream Unregister, got %d calls", manager.unregisterCalls.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}

	// teardown drops the surviving secondary too; it must re-register on
	// its own.
	deadline = time.After(5 * time.Second)
	for len(reg.Snapshot()) != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected empty registry after teardown, got %+v", reg.Snapshot())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestOwnerVanishedPromotesOldest(t *testing.T) {
	bus := testutil.StartPrivateBus(t)
	sourceConn, manager := setupManager(t, bus.Addr)
	targetConn, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect target: %v", err)
	}
	defer targetConn.Close()

	clientConnA, err := dbus.Connect(bus.Addr)
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	clientConnB, _ := setupClient(t, bus.Addr)

	reg := New(sourceConn, targetConn, config.PolicyPromoteOldest, 5*time.Second, nil)
	if err := reg.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Close()
	rule := testRule()

	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnA.Names()[0], []interface{}{"vm-a"}); derr != nil {
		t.Fatalf("register A: %v", derr)
	}
	if _, derr := reg.HandleRegister(context.Background(), rule, clientConnB.Names()[0], []interface{}{"vm-b"}); derr != nil {
		t.Fatalf("register B: %v", derr)
	}

	clientConnA.Close()

	deadline := time.After(5 * time.Second)
	for {
		snap := reg.Snapshot()
		if len(snap) == 1 && snap[0].Role == RolePrimary {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for promotion, snapshot=%+v", snap)
		case <-time.After(50 * time.Millisecond):
		}
	}

	if manager.unregisterCalls.Load() != 0 {
		t.Errorf("promote_oldest policy should not call upstream Unregister, got %d calls", manager.unregisterCalls.Load())
	}
}
