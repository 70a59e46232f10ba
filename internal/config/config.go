package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zde37/srbnfs/pkg"
)

// DefaultRootPort is the port the root server listens on.
const DefaultRootPort = 7848

// Config holds all configuration for a root server or relay process
type Config struct {
	// Listening address
	Host string
	Port int

	// Ring topology file, one address per line (root server only)
	RingFile string

	// Relay pacing
	RelayDelay time.Duration // Pause between receiving a file and forwarding it

	// Outbound connections
	DialTimeout time.Duration // 0 waits for the OS connect timeout

	// Optional surfaces, 0 disables
	HTTPPort   int    // WebSocket feed and REST API
	AdminPort  int    // gRPC health service
	AdminToken string // required in admin RPC metadata, empty disables

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // rotated log file, empty disables
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:        "0.0.0.0",
		Port:        DefaultRootPort,
		RingFile:    "cfg/ring.txt",
		RelayDelay:  1 * time.Second,
		DialTimeout: 5 * time.Second,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.RelayDelay < 0 {
		return fmt.Errorf("relay delay cannot be negative: %s", c.RelayDelay)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial timeout cannot be negative: %s", c.DialTimeout)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.LogFormat)
	}
	return nil
}

// ListenAddress returns the host:port the process binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoggerConfig translates the logging settings into a logger configuration.
func (c *Config) LoggerConfig() *pkg.Config {
	lc := pkg.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	if c.LogFile != "" {
		lc.File.Enable = true
		lc.File.Path = c.LogFile
	}
	return lc
}

// LoadRing reads the ring file. Blank lines are skipped; index 0 is the root server.
func LoadRing(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ring file: %w", err)
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ring file: %w", err)
	}

	if len(addrs) < 2 {
		return nil, fmt.Errorf("%w: %s lists %d address(es), need the root server and at least one relay",
			pkg.ErrInvalidRing, path, len(addrs))
	}
	return addrs, nil
}
