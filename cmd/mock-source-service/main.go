// mock-source-service runs a minimal ObjectManager-rooted D-Bus service
// for exercising ghaf-dbus-proxy by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/testutil"
)

func main() {
	busName := flag.String("bus-name", "com.example.Manager", "Well-known bus name to request")
	rootPath := flag.String("root-path", "/com/example/Manager", "Root object path")
	children := flag.Int("children", 1, "Number of child Greeter objects to pre-create")
	flag.Parse()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to session bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	mock := testutil.NewMockSource(dbus.ObjectPath(*rootPath))
	if err := mock.Register(conn, *busName); err != nil {
		fmt.Fprintf(os.Stderr, "error: register mock source: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *children; i++ {
		if _, err := mock.AddChild(fmt.Sprintf("child%d", i)); err != nil {
			fmt.Fprintf(os.Stderr, "error: add child: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Mock source service %q running at %s. Press Ctrl+C to exit.\n", *busName, *rootPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("Shutting down...")
	case <-ctx.Done():
	}
}
