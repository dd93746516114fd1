// Package logging provides structured audit logging for proxied D-Bus
// traffic: every forwarded call, relayed signal, and agent registration
// change is logged with the fields an operator needs to reconstruct what
// crossed the bus boundary.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured audit logging, tagged with the proxy
// identity (the proxy's own bus name) that produced the entry.
type Logger struct {
	*slog.Logger
	proxyName string
}

// New creates a new audit logger that writes JSON to stderr.
func New(level slog.Level, proxyName string) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger:    slog.New(handler),
		proxyName: proxyName,
	}
}

// WithProxyName returns a new Logger tagged with a different proxy
// identity.
func (l *Logger) WithProxyName(proxyName string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		proxyName: proxyName,
	}
}

// LogCall logs one forwarded method call and its outcome.
func (l *Logger) LogCall(ctx context.Context, direction, path, iface, member string, err error) {
	attrs := []slog.Attr{
		slog.String("proxy", l.proxyName),
		slog.String("direction", direction),
		slog.String("path", path),
		slog.String("interface", iface),
		slog.String("member", member),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.LogAttrs(ctx, slog.LevelWarn, "dbus_call", attrs...)
		return
	}
	l.LogAttrs(ctx, slog.LevelInfo, "dbus_call", attrs...)
}

// LogSignal logs a relayed signal.
func (l *Logger) LogSignal(ctx context.Context, path, name string, err error) {
	attrs := []slog.Attr{
		slog.String("proxy", l.proxyName),
		slog.String("path", path),
		slog.String("signal", name),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.LogAttrs(ctx, slog.LevelWarn, "dbus_signal", attrs...)
		return
	}
	l.LogAttrs(ctx, slog.LevelInfo, "dbus_signal", attrs...)
}

// LogAgentEvent logs an agent register/unregister/promotion/teardown
// event.
func (l *Logger) LogAgentEvent(ctx context.Context, event, owner, managerInterface string, role string) {
	l.LogAttrs(ctx, slog.LevelInfo, "agent_event",
		slog.String("proxy", l.proxyName),
		slog.String("event", event),
		slog.String("owner", owner),
		slog.String("manager_interface", managerInterface),
		slog.String("role", role),
	)
}

// LogTopologyChange logs an object being mirrored onto or dropped from
// the target bus.
func (l *Logger) LogTopologyChange(ctx context.Context, event, path string, interfaces []string) {
	l.LogAttrs(ctx, slog.LevelDebug, "topology_change",
		slog.String("proxy", l.proxyName),
		slog.String("event", event),
		slog.String("path", path),
		slog.Any("interfaces", interfaces),
	)
}
