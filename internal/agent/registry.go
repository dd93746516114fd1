// Package agent implements the cross-bus agent-callback pattern: a
// client on the target bus
// registers itself as a callback agent with a manager service that lives
// on the source bus (the canonical example is NetworkManager's
// SecretAgent). Because the manager only ever sees the proxy's single
// source-side connection, the proxy can forward exactly one real
// registration upstream; it tracks every other registering client as a
// secondary. When the primary's owner vanishes, the configured policy
// either promotes the oldest secondary or tears all of them down.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/vtable"
)

// Role distinguishes the one registration actually forwarded to the
// source-side manager from the others waiting to be promoted.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// Registration is one client's live agent registration.
type Registration struct {
	Rule             config.AgentRule
	Owner            string // unique name of the registering client, on the target bus
	ClientPath       dbus.ObjectPath
	UniqueObjectPath dbus.ObjectPath // path of the surrogate registered on the source bus
	Role             Role
	RegisteredAt     time.Time
}

// Registry tracks every live AgentRegistration and mediates calls between
// the source-side manager and the target-side clients that registered
// with it.
type Registry struct {
	sourceConn  *dbus.Conn
	targetConn  *dbus.Conn
	policy      string
	callTimeout time.Duration
	logger      *logging.Logger

	mu   sync.RWMutex
	regs map[string][]*Registration // key: surrogate object path

	exportedMu sync.Mutex
	exported   map[string]bool // key: unique_object_path, surrogate already exported on sourceConn

	ownerSignals chan *dbus.Signal
	done         chan struct{}
}

// New creates an agent registry. policy must be config.PolicyTeardown or
// config.PolicyPromoteOldest.
func New(sourceConn, targetConn *dbus.Conn, policy string, callTimeout time.Duration, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.New(slog.LevelInfo, "")
	}
	r := &Registry{
		sourceConn:   sourceConn,
		targetConn:   targetConn,
		policy:       policy,
		callTimeout:  callTimeout,
		logger:       logger,
		regs:         make(map[string][]*Registration),
		exported:     make(map[string]bool),
		ownerSignals: make(chan *dbus.Signal, 16),
		done:         make(chan struct{}),
	}
	return r
}

// Start subscribes to NameOwnerChanged on the target bus so the registry
// can react when a registered client disconnects.
func (r *Registry) Start() error {
	if err := r.targetConn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
	); err != nil {
		return err
	}
	r.targetConn.Signal(r.ownerSignals)
	go r.watchOwners()
	return nil
}

// Close stops watching for owner changes.
func (r *Registry) Close() {
	close(r.done)
	r.targetConn.RemoveSignal(r.ownerSignals)
}

func (r *Registry) watchOwners() {
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.ownerSignals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			oldOwner, _ := sig.Body[1].(string)
			newOwner, _ := sig.Body[2].(string)
			if !dbusutil.IsUniqueName(name) {
				continue
			}
			if oldOwner != "" && newOwner != "" {
				// A rename, not a drop; no registration is affected.
				r.logger.Debug("ignoring bus name owner change",
					"name", name, "old_owner", oldOwner, "new_owner", newOwner)
				continue
			}
			if oldOwner != "" && newOwner == "" {
				r.handleOwnerVanished(name)
			}
		}
	}
}

// agentPaths computes both paths a registration needs: clientPath is the
// object path the client expects callbacks on, surrogatePath is where the
// proxy exports the surrogate on the source bus. For a fixed-path rule
// both equal rule.ClientObjectPath. For a customizable rule the client
// supplies its path as the register call's first argument, and the
// surrogate path appends the sanitized sender so two clients registering
// the same base path each get a distinct surrogate.
func agentPaths(rule config.AgentRule, sender string, args []interface{}) (clientPath, surrogatePath dbus.ObjectPath, derr *dbus.Error) {
	if !rule.PathCustomizable {
		return rule.ClientObjectPath, rule.ClientObjectPath, nil
	}
	if len(args) == 0 {
		return "", "", dbusutil.Failed("register call for %s missing object path argument", rule.RegisterMethod)
	}
	var argPath dbus.ObjectPath
	switch v := args[0].(type) {
	case dbus.ObjectPath:
		argPath = v
	case string:
		argPath = dbus.ObjectPath(v)
	default:
		return "", "", dbusutil.Failed("register call for %s: first argument is not an object path", rule.RegisterMethod)
	}
	if argPath == "" || !argPath.IsValid() {
		return "", "", dbusutil.Failed("register call for %s: invalid object path argument", rule.RegisterMethod)
	}
	return argPath, dbusutil.JoinPath(argPath, dbusutil.SanitizeSender(sender)), nil
}

// HandleRegister intercepts a Register*-method call matched to rule. The
// first caller for a given surrogate path becomes primary and is
// genuinely forwarded to the source-side manager; later callers sharing
// the same path are recorded as secondary and succeed locally without
// touching the source bus, since the manager already considers the proxy
// registered. A repeat call from the same owner is a duplicate: it
// succeeds without creating a second entry or forwarding again.
func (r *Registry) HandleRegister(ctx context.Context, rule config.AgentRule, sender string, args []interface{}) ([]interface{}, *dbus.Error) {
	clientPath, uniquePath, derr := agentPaths(rule, sender, args)
	if derr != nil {
		return nil, derr
	}
	k := string(uniquePath)

	r.mu.Lock()
	existing := r.regs[k]
	for _, e := range existing {
		if e.Owner == sender {
			r.mu.Unlock()
			return nil, nil
		}
	}
	role := RoleSecondary
	if len(existing) == 0 {
		role = RolePrimary
	}
	r.mu.Unlock()

	if role == RolePrimary {
		if err := r.ensureSurrogateExported(rule, uniquePath); err != nil {
			return nil, dbusutil.Failed("export agent surrogate: %v", err)
		}
	}

	reg := &Registration{
		Rule:             rule,
		Owner:            sender,
		ClientPath:       clientPath,
		UniqueObjectPath: uniquePath,
		Role:             role,
		RegisteredAt:     r.now(),
	}
	r.mu.Lock()
	r.regs[k] = append(r.regs[k], reg)
	r.mu.Unlock()

	if role == RoleSecondary {
		r.logger.LogAgentEvent(ctx, "register", sender, rule.ManagerInterface, role.String())
		return nil, nil
	}

	manager := r.sourceConn.Object(rule.SourceBusName, rule.ManagerPath)
	call := manager.CallWithContext(ctx, rule.ManagerInterface+"."+rule.RegisterMethod, 0, args...)
	if call.Err != nil {
		r.dropRegistration(k, sender)
		if derr, ok := dbusutil.AsDBusError(call.Err); ok {
			return nil, derr
		}
		return nil, dbusutil.Failed("forward register call: %v", call.Err)
	}

	r.logger.LogAgentEvent(ctx, "register", sender, rule.ManagerInterface, role.String())
	return call.Body, nil
}

// HandleUnregister intercepts an Unregister*-method call. Only a
// primary's unregister reaches the source bus; a secondary's unregister
// is purely local bookkeeping.
func (r *Registry) HandleUnregister(ctx context.Context, rule config.AgentRule, sender string, args []interface{}) ([]interface{}, *dbus.Error) {
	r.mu.Lock()
	var removed *Registration
	var k string
	for key, regs := range r.regs {
		remaining := regs[:0]
		for _, reg := range regs {
			if removed == nil && reg.Owner == sender &&
				reg.Rule.ManagerPath == rule.ManagerPath && reg.Rule.ManagerInterface == rule.ManagerInterface {
				removed = reg
				k = key
				continue
			}
			remaining = append(remaining, reg)
		}
		r.regs[key] = remaining
	}
	r.mu.Unlock()

	if removed == nil {
		return nil, dbusutil.ErrNoAgentFound(sender)
	}

	if removed.Role == RoleSecondary {
		r.logger.LogAgentEvent(ctx, "unregister", sender, rule.ManagerInterface, removed.Role.String())
		return nil, nil
	}

	manager := r.sourceConn.Object(rule.SourceBusName, rule.ManagerPath)
	call := manager.CallWithContext(ctx, rule.ManagerInterface+"."+rule.UnregisterMethod, 0, args...)
	if call.Err != nil {
		if derr, ok := dbusutil.AsDBusError(call.Err); ok {
			return nil, derr
		}
		return nil, dbusutil.Failed("forward unregister call: %v", call.Err)
	}

	r.logger.LogAgentEvent(ctx, "unregister", sender, rule.ManagerInterface, removed.Role.String())
	r.promoteIfNeeded(k)
	return call.Body, nil
}

func hasPrimary(regs []*Registration) bool {
	for _, r := range regs {
		if r.Role == RolePrimary {
			return true
		}
	}
	return false
}

func (r *Registry) dropRegistration(k, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.regs[k]
	out := regs[:0]
	for _, reg := range regs {
		if reg.Owner != owner {
			out = append(out, reg)
		}
	}
	r.regs[k] = out
}

// handleOwnerVanished drops every registration owned by the vanished
// unique name and, if a primary vanished, applies the configured policy.
func (r *Registry) handleOwnerVanished(owner string) {
	r.mu.Lock()
	var affected []string
	for k, regs := range r.regs {
		for _, reg := range regs {
			if reg.Owner == owner {
				affected = append(affected, k)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, k := range affected {
		r.mu.Lock()
		regs := r.regs[k]
		var vanishedPrimary *Registration
		out := regs[:0]
		for _, reg := range regs {
			if reg.Owner == owner {
				if reg.Role == RolePrimary {
					vanishedPrimary = reg
				}
				continue
			}
			out = append(out, reg)
		}
		r.regs[k] = out
		if len(out) == 0 {
			delete(r.regs, k)
		}
		remaining := out
		r.mu.Unlock()

		if vanishedPrimary == nil {
			continue
		}

		// The manager must learn the agent is gone whenever the primary
		// vanishes and nobody takes over the surrogate: either no other
		// registration exists at this path, or the policy tears the
		// survivors down too.
		if len(remaining) == 0 {
			r.unregisterUpstream(vanishedPrimary.Rule)
			continue
		}

		if r.policy == config.PolicyPromoteOldest {
			r.promoteIfNeeded(k)
			continue
		}

		// teardown: unregister the surrogate from the source-side
		// manager entirely; any surviving secondaries are dropped too
		// and must re-register on their own.
		r.teardown(remaining[0].Rule, k)
	}
}

// unregisterUpstream synchronously calls the source-side manager's
// unregister method so the service releases its reference to the
// surrogate. Failures are logged, not surfaced; the owner is already
// gone either way.
func (r *Registry) unregisterUpstream(rule config.AgentRule) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	manager := r.sourceConn.Object(rule.SourceBusName, rule.ManagerPath)
	call := manager.CallWithContext(ctx, rule.ManagerInterface+"."+rule.UnregisterMethod, 0)
	if call.Err != nil {
		r.logger.Warn("failed to unregister vanished primary agent", "rule", rule.SourceBusName, "error", call.Err)
	}
	r.logger.LogAgentEvent(ctx, "teardown", rule.SourceBusName, rule.ManagerInterface, RolePrimary.String())
}

func (r *Registry) teardown(rule config.AgentRule, k string) {
	r.unregisterUpstream(rule)
	r.mu.Lock()
	delete(r.regs, k)
	r.mu.Unlock()
}

// promoteIfNeeded promotes the oldest surviving secondary to primary when
// no primary remains for k.
func (r *Registry) promoteIfNeeded(k string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.regs[k]
	if hasPrimary(regs) || len(regs) == 0 {
		return
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].RegisteredAt.Before(regs[j].RegisteredAt) })
	regs[0].Role = RolePrimary
	r.logger.LogAgentEvent(context.Background(), "promote", regs[0].Owner, regs[0].Rule.ManagerInterface, RolePrimary.String())
}

// ensureSurrogateExported exports the generic vtable for rule's client
// interface on the source connection at uniquePath, once per unique
// path, so the source-side manager can call back into the proxy.
func (r *Registry) ensureSurrogateExported(rule config.AgentRule, uniquePath dbus.ObjectPath) error {
	r.exportedMu.Lock()
	defer r.exportedMu.Unlock()

	k := string(uniquePath)
	if r.exported[k] {
		return nil
	}

	methods := make([]vtable.Method, 0, len(rule.ClientMethods))
	for _, m := range rule.ClientMethods {
		methods = append(methods, vtable.Method{Name: m.Name, InSig: m.InSig, OutSig: m.OutSig})
	}

	table := vtable.Build(rule.ClientInterface, methods, func(msg dbus.Message, iface, member string, args []interface{}) ([]interface{}, *dbus.Error) {
		return r.dispatchToClient(uniquePath, rule, iface, member, args)
	})

	if err := r.sourceConn.ExportMethodTable(table, uniquePath, rule.ClientInterface); err != nil {
		return fmt.Errorf("export %s at %s: %w", rule.ClientInterface, uniquePath, err)
	}
	r.exported[k] = true
	return nil
}

// dispatchToClient forwards a callback the source-side manager made on
// the surrogate at uniquePath to whichever registration currently holds
// the primary role for that path.
func (r *Registry) dispatchToClient(uniquePath dbus.ObjectPath, rule config.AgentRule, iface, member string, args []interface{}) ([]interface{}, *dbus.Error) {
	k := string(uniquePath)

	r.mu.RLock()
	var primary *Registration
	for _, reg := range r.regs[k] {
		if reg.Role == RolePrimary {
			primary = reg
			break
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, dbusutil.ErrNoAgentFound(rule.ClientInterface)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()

	obj := r.targetConn.Object(primary.Owner, primary.ClientPath)
	call := obj.CallWithContext(ctx, iface+"."+member, 0, args...)
	if call.Err != nil {
		if derr, ok := dbusutil.AsDBusError(call.Err); ok {
			return nil, derr
		}
		return nil, dbusutil.Failed("forward callback to agent: %v", call.Err)
	}
	return call.Body, nil
}

// Snapshot returns a copy of every live registration, used by the debug
// endpoint and tests.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for _, regs := range r.regs {
		for _, reg := range regs {
			out = append(out, *reg)
		}
	}
	return out
}

func (r *Registry) now() time.Time { return time.Now() }
