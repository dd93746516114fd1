package debughttp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// Listen opens a net.Listener for addr. addr is either "unix:/path/to/sock"
// (a Unix-domain socket, the form used to keep the debug endpoint off the
// network entirely) or a plain "host:port" TCP address.
func Listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

// connContextKey stores the accepted net.Conn in the request context so
// peer credentials can be recovered once the HTTP layer hands off to
// ServeHTTP, to log which local operator opened the debug feed.
type connContextKey struct{}

// ConnContext is wired into http.Server.ConnContext so peer credentials
// are available to connection logging.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

// LogPeer logs the PID/UID of a Unix-domain debug client, best-effort. TCP
// connections have no SO_PEERCRED equivalent and are skipped silently.
func LogPeer(ctx context.Context, logger *slog.Logger) {
	c, _ := ctx.Value(connContextKey{}).(net.Conn)
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}

	var cred *unix.Ucred
	var credErr error
	raw.Control(func(fd uintptr) { //nolint:errcheck
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if credErr != nil || cred == nil {
		return
	}

	logger.Debug("debug client connected", "pid", cred.Pid, "uid", cred.Uid, "peer", fmt.Sprintf("pid=%d", cred.Pid))
}
