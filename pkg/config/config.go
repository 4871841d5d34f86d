// Package config holds torgossip's typed, defaulted configuration and
// the process-wide logging setup, mirroring the teacher's Config/Opts
// pair and ConfigureLogging entrypoint.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// DefaultTorSOCKSPort is the local Tor SOCKS5 proxy port most Tor
	// installs listen on.
	DefaultTorSOCKSPort = 9050
	// DefaultLibp2pPort is the local TCP port the hidden service's
	// virtual port 81 is forwarded to.
	DefaultLibp2pPort = 4001
	// DefaultFeeBase is used when Opts.FeeBase is left at zero.
	DefaultFeeBase = 1_000_000
)

// Opts holds the raw options a caller supplies before defaulting and
// derivation.
type Opts struct {
	TorSecret    string
	TorSOCKSPort int
	Libp2pPort   int
	FeeBase      uint64
	SeedList     []string
	LogLevel     string
	RedisURL     string
	OTLPEndpoint string
}

// Config is the node's fully defaulted configuration.
type Config struct {
	TorSecret    string
	TorSOCKSPort int
	Libp2pPort   int
	FeeBase      uint64
	SeedList     []string
	LogLevel     string
	RedisURL     string
	OTLPEndpoint string
}

// New builds a Config from Opts, applying defaults and validating the
// Tor secret is present. The secret itself is not derived into an
// identity here — that is pkg/identity.Derive's job, called from
// pkg/node.Node.Run.
func New(opts Opts) (*Config, error) {
	if strings.TrimSpace(opts.TorSecret) == "" {
		return nil, fmt.Errorf("tor secret must not be empty")
	}

	socksPort := opts.TorSOCKSPort
	if socksPort == 0 {
		socksPort = DefaultTorSOCKSPort
	}

	libp2pPort := opts.Libp2pPort
	if libp2pPort == 0 {
		libp2pPort = DefaultLibp2pPort
	}

	feeBase := opts.FeeBase
	if feeBase == 0 {
		feeBase = DefaultFeeBase
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		TorSecret:    opts.TorSecret,
		TorSOCKSPort: socksPort,
		Libp2pPort:   libp2pPort,
		FeeBase:      feeBase,
		SeedList:     opts.SeedList,
		LogLevel:     logLevel,
		RedisURL:     opts.RedisURL,
		OTLPEndpoint: opts.OTLPEndpoint,
	}, nil
}

// ConfigureLogging installs a structured slog handler at the configured
// level as the process default logger. Call once at startup, before
// constructing a Node.
func ConfigureLogging(level string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
