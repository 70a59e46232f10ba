package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zde37/srbnfs/internal/api"
	"github.com/zde37/srbnfs/internal/client"
	"github.com/zde37/srbnfs/internal/config"
	"github.com/zde37/srbnfs/internal/coordinator"
	"github.com/zde37/srbnfs/internal/protocol"
	"github.com/zde37/srbnfs/internal/relay"
	"github.com/zde37/srbnfs/internal/ring"
	"github.com/zde37/srbnfs/internal/transport"
	"github.com/zde37/srbnfs/pkg"
)

const usage = `srbnfs: ring buffer network file system

Usage:
  srbnfs rootserver  [flags]             boot the root server from the ring file
  srbnfs relayserver [flags] PORT        boot a relay bound to 0.0.0.0:PORT
  srbnfs injectfile  [flags] FILE ADDR   inject FILE at the root server ADDR
  srbnfs listen      [flags] ADDR        print every file relayed by ADDR
  srbnfs health      [flags] ADDR        query an admin health endpoint

Run "srbnfs <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "rootserver":
		code = runRootServer(os.Args[2:])
	case "relayserver":
		code = runRelayServer(os.Args[2:])
	case "injectfile":
		code = runInjectFile(os.Args[2:])
	case "listen":
		code = runListen(os.Args[2:])
	case "health":
		code = runHealth(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}

// logFlags registers the logging flags shared by every command.
func logFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Rotated log file, empty disables")
}

// serverFlags registers the flags shared by the root server and relays.
func serverFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind to")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for outbound connections, 0 disables")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "Port for the gRPC health service, 0 disables")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Token required by the admin service, empty disables")
	logFlags(fs, cfg)
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := pkg.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	pkg.SetGlobal(logger)
	return logger, nil
}

// startAdmin starts the admin server when an admin port is set. A server
// started with serving false reports NOT_SERVING until told otherwise.
func startAdmin(cfg *config.Config, service string, serving bool, logger *pkg.Logger) (*transport.HealthServer, error) {
	if cfg.AdminPort == 0 {
		return nil, nil
	}
	admin, err := transport.NewHealthServer(service, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort)), cfg.AdminToken, logger)
	if err != nil {
		return nil, err
	}
	admin.SetServing(serving)
	if err := admin.Start(); err != nil {
		return nil, err
	}
	return admin, nil
}

type provisioner interface {
	Provision(ctx context.Context) error
}

// provisionRing connects the ring and only then marks admin SERVING.
func provisionRing(ctx context.Context, root provisioner, admin *transport.HealthServer) error {
	if err := root.Provision(ctx); err != nil {
		return err
	}
	if admin != nil {
		admin.SetServing(true)
	}
	return nil
}

func waitForSignal(logger *pkg.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")
}

func runRootServer(args []string) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("rootserver", flag.ExitOnError)
	fs.StringVar(&cfg.RingFile, "ring", cfg.RingFile, "Ring file, one address per line, the root server first")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port for the root server")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Port for the WebSocket feed and REST API, 0 disables")
	serverFlags(fs, cfg)
	fs.Parse(args)

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	logger.Info().Msg("Welcome to SRBNFS, the ring buffer network file system")

	addrs, err := config.LoadRing(cfg.RingFile)
	if err != nil {
		logger.Error().Err(err).Str("ring_file", cfg.RingFile).Msg("Failed to load ring")
		return 1
	}
	topology, err := ring.New(addrs)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build ring")
		return 1
	}

	root, err := coordinator.NewServer(cfg, topology, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create root server")
		return 1
	}
	if err := root.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start root server")
		return 1
	}

	admin, err := startAdmin(cfg, transport.RootServerService, false, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start admin server")
		cleanup(root, nil, nil, nil, logger)
		return 1
	}

	var httpServer *api.Server
	if cfg.HTTPPort != 0 {
		var checker api.HealthChecker
		if admin != nil {
			checker = admin
		}
		httpServer, err = api.NewServer(&api.Config{
			Address:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
			HealthService: transport.RootServerService,
		}, root, checker, logger)
		if err == nil {
			err = httpServer.Start()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(root, nil, admin, nil, logger)
			return 1
		}
		root.SetBroadcaster(httpServer.Hub())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = provisionRing(ctx, root, admin)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect servers in ring")
		cleanup(root, nil, admin, httpServer, logger)
		return 1
	}

	logger.Info().
		Str("address", root.Addr()).
		Int("relays", topology.Len()-1).
		Msg("Root server is ready")

	waitForSignal(logger)
	cleanup(root, nil, admin, httpServer, logger)

	logger.Info().Msg("Root server shutdown complete")
	return 0
}

func runRelayServer(args []string) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("relayserver", flag.ExitOnError)
	fs.DurationVar(&cfg.RelayDelay, "delay", cfg.RelayDelay, "Pause between receiving a file and forwarding it")
	serverFlags(fs, cfg)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: srbnfs relayserver [flags] PORT")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", fs.Arg(0), err)
		return 2
	}
	cfg.Port = port

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	r, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create relay server")
		return 1
	}
	r.OnFile(func(f protocol.RelayFile) {
		logger.Info().
			Str("file", f.FileName).
			Int64("start_time", f.StartTime).
			Int("encoded_size", len(f.FileContent)).
			Msg("Relaying file")
	})
	if err := r.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start relay server")
		return 1
	}

	admin, err := startAdmin(cfg, transport.RelayServerService, true, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start admin server")
		cleanup(nil, r, nil, nil, logger)
		return 1
	}

	logger.Info().Str("address", r.Addr()).Msg("Relay server waiting for the root server")

	waitForSignal(logger)
	cleanup(nil, r, admin, nil, logger)

	logger.Info().Msg("Relay server shutdown complete")
	return 0
}

func runInjectFile(args []string) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("injectfile", flag.ExitOnError)
	timeout := fs.Duration("timeout", 10*time.Second, "Time allowed for the whole injection")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for connecting to the root server, 0 disables")
	logFlags(fs, cfg)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: srbnfs injectfile [flags] FILE ROOT_SERVER_ADDRESS")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	path, address := fs.Arg(0), fs.Arg(1)

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("file", path).Msg("Failed to read file")
		return 1
	}

	logger.Info().
		Str("root_server", address).
		Str("file", path).
		Msg("Injecting file")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Inject(ctx, protocol.NewDialer(cfg.DialTimeout), address, filepath.Base(path), content, logger); err != nil {
		logger.Error().Err(err).Msg("Failed to inject file")
		return 1
	}
	return 0
}

func runListen(args []string) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for connecting to the root server, 0 disables")
	logFlags(fs, cfg)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: srbnfs listen [flags] ROOT_SERVER_ADDRESS")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = client.Listen(ctx, protocol.NewDialer(cfg.DialTimeout), fs.Arg(0), os.Stdout, logger)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Listener stopped")
		return 1
	}
	return 0
}

func runHealth(args []string) int {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	service := fs.String("service", "", "Service to check, empty checks the whole server")
	token := fs.String("token", "", "Admin token")
	timeout := fs.Duration("timeout", 5*time.Second, "Timeout for the check")
	logFlags(fs, cfg)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: srbnfs health [flags] ADMIN_ADDRESS")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Close()

	status, err := transport.CheckHealth(context.Background(), fs.Arg(0), *service, *token, *timeout)
	if err != nil {
		logger.Error().Err(err).Msg("Health check failed")
		return 1
	}

	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

// cleanup performs graceful shutdown of all components
func cleanup(root *coordinator.Server, r *relay.Server, admin *transport.HealthServer, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if admin != nil {
		admin.SetServing(false)
	}

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if root != nil {
		if err := root.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping root server")
		}
	}

	if r != nil {
		if err := r.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping relay server")
		}
	}

	if admin != nil {
		if err := admin.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}
}
