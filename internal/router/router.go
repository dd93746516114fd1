// Package router dispatches method calls arriving on the target bus: a
// call for a mirrored object is either an agent register/unregister
// call the agent registry must intercept, or a plain call to forward
// verbatim to the source bus and relay the reply (or error) back.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/agent"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
)

// Router forwards target-bus calls to the source bus, diverting calls
// that match an agent rule's register/unregister method to the agent
// registry instead.
type Router struct {
	sourceConn  *dbus.Conn
	sourceBus   string
	registry    *agent.Registry
	callTimeout time.Duration
	logger      *logging.Logger

	mu    sync.RWMutex
	rules []config.AgentRule
}

// New creates a Router. rules is the resolved agent ruleset the router
// consults to decide whether a call belongs to the agent registry.
func New(sourceConn *dbus.Conn, sourceBus string, registry *agent.Registry, rules []config.AgentRule, callTimeout time.Duration, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.New(slog.LevelInfo, sourceBus)
	}
	return &Router{
		sourceConn:  sourceConn,
		sourceBus:   sourceBus,
		registry:    registry,
		rules:       rules,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// SetRules replaces the router's agent ruleset, used when
// config.Config.WatchAgentRules reports the agent-rules file changed. Calls
// already in flight finish against whichever ruleset they started with.
func (r *Router) SetRules(rules []config.AgentRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
}

// Handle implements topology.CallHandler: it is invoked by the generic
// vtable for every call arriving at a mirrored object on the target bus.
func (r *Router) Handle(msg dbus.Message, path dbus.ObjectPath, iface, member string, args []interface{}) ([]interface{}, *dbus.Error) {
	sender, _ := msg.Headers[dbus.FieldSender].Value().(string)

	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()

	if rule, match := r.matchAgentRule(iface, member); match {
		if rule.IsRegister(member) {
			return r.registry.HandleRegister(ctx, rule, sender, args)
		}
		return r.registry.HandleUnregister(ctx, rule, sender, args)
	}

	return r.forward(ctx, path, iface, member, args)
}

// matchAgentRule reports whether (iface, member) is a manager-interface
// register/unregister call governed by one of the configured rules. It
// does not check the source bus name
// because the router only ever forwards for its own single configured
// source.
func (r *Router) matchAgentRule(iface, member string) (config.AgentRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.ManagerInterface == iface && (member == rule.RegisterMethod || member == rule.UnregisterMethod) {
			return rule, true
		}
	}
	return config.AgentRule{}, false
}

// forward relays a plain call to the source bus and translates its reply
// or error back for the vtable to return, preserving a remote error's
// name and body verbatim. Each forwarded call gets its own correlation
// ID so an operator can match the target-side request to the
// source-side reply in the logs.
func (r *Router) forward(ctx context.Context, path dbus.ObjectPath, iface, member string, args []interface{}) ([]interface{}, *dbus.Error) {
	callID := uuid.NewString()
	r.logger.Debug("forwarding call", "call_id", callID, "path", path, "interface", iface, "method", member)

	obj := r.sourceConn.Object(r.sourceBus, path)
	call := obj.CallWithContext(ctx, iface+"."+member, 0, args...)
	r.logger.Debug("forwarded call returned", "call_id", callID, "error", call.Err)
	if call.Err != nil {
		r.logger.LogCall(ctx, "target_to_source", string(path), iface, member, call.Err)
		if derr, ok := dbusutil.AsDBusError(call.Err); ok {
			return nil, derr
		}
		return nil, dbusutil.Failed("forward call %s.%s: %v", iface, member, call.Err)
	}
	r.logger.LogCall(ctx, "target_to_source", string(path), iface, member, nil)
	return call.Body, nil
}
