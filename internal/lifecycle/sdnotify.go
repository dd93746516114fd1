// Package lifecycle holds process-level startup/shutdown helpers:
// systemd readiness notification and process-liveness probing for the
// shutdown diagnostics.
package lifecycle

import (
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SdNotify sends a state notification to systemd via NOTIFY_SOCKET. If
// NOTIFY_SOCKET is not set (not running under systemd), it returns
// silently. Dial failures are logged as warnings but never returned
// (fire-and-forget, matching systemd's own sd_notify semantics).
func SdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "err", err)
		return
	}
	defer conn.Close()
	conn.Write([]byte(state)) //nolint:errcheck
}

// ProcessAlive reports whether pid still names a live process, using the
// null signal the way "kill -0" does. Used when logging a source-vanished
// shutdown to distinguish "the service process exited" from "the service
// dropped its bus name but is still running". Either way the proxy still
// exits; this only feeds the diagnostic log line.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
