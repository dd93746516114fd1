// Command ghaf-dbus-proxy mirrors a D-Bus service from one bus onto
// another, forwarding method calls and signals in both directions.
// Usage:
//
//	ghaf-dbus-proxy --source-bus-name=org.freedesktop.NetworkManager \
//	  --source-object-path=/org/freedesktop/NetworkManager \
//	  --proxy-bus-name=org.freedesktop.NetworkManager
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/lmittmann/tint"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/config"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/debughttp"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/lifecycle"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/logging"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ghaf-dbus-proxy", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/ghaf-dbus-proxy/config.yaml)")
	sourceBusName := fs.String("source-bus-name", "", "Well-known name of the service to proxy, on the source bus")
	sourceObjectPath := fs.String("source-object-path", "", "Root object path to mirror from the source bus")
	proxyBusName := fs.String("proxy-bus-name", "", "Well-known name the proxy requests on the target bus")
	sourceBusType := fs.String("source-bus-type", "", "Source bus: \"system\" or \"session\" (default: system)")
	targetBusType := fs.String("target-bus-type", "", "Target bus: \"system\" or \"session\" (default: session)")
	sourceAddr := fs.String("source-address", "", "Raw D-Bus address for the source bus, overriding --source-bus-type")
	targetAddr := fs.String("target-address", "", "Raw D-Bus address for the target bus, overriding --target-bus-type")
	agentRulesPath := fs.String("agent-rules", "", "Path to a YAML file of additional agent rules")
	agentOwnerPolicy := fs.String("agent-owner-vanished-policy", "", "\"teardown\" or \"promote_oldest\" (default: teardown)")
	debugListen := fs.String("debug-listen", "", "Address to serve a read-only topology/agent debug feed on (e.g. \"unix:/run/ghaf-dbus-proxy/debug.sock\" or \"127.0.0.1:9090\")")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	verbose := fs.Bool("verbose", false, "Shorthand for --log-level=debug")
	info := fs.Bool("info", false, "Print the resolved config and exit without connecting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	set := setFlags(fs)
	if set["source-bus-name"] {
		cfg.SourceBusName = *sourceBusName
	}
	if set["source-object-path"] {
		cfg.SourceObjectPath = dbus.ObjectPath(*sourceObjectPath)
	}
	if set["proxy-bus-name"] {
		cfg.ProxyBusName = *proxyBusName
	}
	if set["source-bus-type"] {
		cfg.Source.Type = dbusutil.BusType(*sourceBusType)
	}
	if set["target-bus-type"] {
		cfg.Target.Type = dbusutil.BusType(*targetBusType)
	}
	if set["source-address"] {
		cfg.Source.Address = *sourceAddr
	}
	if set["target-address"] {
		cfg.Target.Address = *targetAddr
	}
	if set["agent-rules"] {
		cfg.AgentRulesPath = *agentRulesPath
	}
	if set["agent-owner-vanished-policy"] {
		cfg.AgentOwnerVanishedPolicy = *agentOwnerPolicy
	}
	if set["debug-listen"] {
		cfg.DebugListen = *debugListen
	}
	if set["log-level"] || *verbose || cfg.LogLevel == "" {
		if *verbose {
			cfg.LogLevel = "debug"
		} else if set["log-level"] {
			cfg.LogLevel = *logLevel
		}
	}
	if set["log-format"] {
		cfg.LogFormat = *logFormat
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if *info {
		fmt.Printf("%+v\n", cfg)
		return nil
	}

	level := parseLogLevel(cfg.LogLevel)
	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	logger := logging.New(level, cfg.ProxyBusName)
	logger.Logger = slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	p := proxy.New(cfg, logger)
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer p.Close()

	if cfg.DebugListen != "" {
		srv, err := startDebugServer(ctx, cfg.DebugListen, p, logger.Logger)
		if err != nil {
			logger.Warn("debug server disabled", "error", err)
		} else {
			defer srv.Close()
		}
	}

	lifecycle.SdNotify("READY=1")
	logger.Info("ready", "pid", os.Getpid())

	runErr := p.Run(ctx)

	lifecycle.SdNotify("STOPPING=1")
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func startDebugServer(ctx context.Context, addr string, p *proxy.Proxy, logger *slog.Logger) (*http.Server, error) {
	ln, err := debughttp.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	handler := debughttp.New(p.Topology(), p.Registry(), logger)
	mux := http.NewServeMux()
	mux.Handle("/debug/topology", handler)

	srv := &http.Server{
		Handler:     mux,
		ConnContext: debughttp.ConnContext,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("debug feed listening", "addr", addr)
	return srv, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is
// an error. A missing default path is silently ignored (empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	return config.Load(defaultPath)
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
