// torgossipd runs a single torgossip mesh node: it derives an onion
// identity from a Tor hidden-service secret, joins the gossip overlay
// over a local Tor SOCKS5 proxy, and validates inbound messages against
// an integrity fee paid on-chain.
//
// Usage:
//
//	torgossipd -seed abc...onion -seed def...onion
//	TORGOSSIP_SECRET=... torgossipd -socks-port 9150 -libp2p-port 4001
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/mwc-onion/torgossip/pkg/config"
	"github.com/mwc-onion/torgossip/pkg/identity"
	"github.com/mwc-onion/torgossip/pkg/kernel"
	"github.com/mwc-onion/torgossip/pkg/node"
	"github.com/mwc-onion/torgossip/pkg/otelboot"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

type seedList []string

func (s *seedList) String() string { return strings.Join(*s, ",") }
func (s *seedList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("torgossipd " + version)
			return
		}
	}

	var (
		socksPort  = flag.Int("socks-port", config.DefaultTorSOCKSPort, "local Tor SOCKS5 proxy port")
		libp2pPort = flag.Int("libp2p-port", config.DefaultLibp2pPort, "local TCP port the hidden service forwards to")
		feeBase    = flag.Uint64("fee-base", config.DefaultFeeBase, "base transaction fee, in atomic units")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
		redisURL   = flag.String("redis", "", "optional Redis URL for a shared kernel-fee cache across node processes")
		otlpAddr   = flag.String("otlp-endpoint", "", "optional OTLP gRPC endpoint for traces/metrics/logs")
	)
	var seeds seedList
	flag.Var(&seeds, "seed", "onion address of a bootstrap peer (repeatable)")
	flag.Parse()

	secret := os.Getenv("TORGOSSIP_SECRET")
	if secret == "" {
		var err error
		secret, err = promptSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "torgossipd: reading secret: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.New(config.Opts{
		TorSecret:    secret,
		TorSOCKSPort: *socksPort,
		Libp2pPort:   *libp2pPort,
		FeeBase:      *feeBase,
		SeedList:     seeds,
		LogLevel:     *logLevel,
		RedisURL:     *redisURL,
		OTLPEndpoint: *otlpAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgossipd: %v\n", err)
		os.Exit(1)
	}

	config.ConfigureLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	}
	shutdownTelemetry, err := otelboot.Init(ctx, "torgossipd", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgossipd: telemetry init: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(ctx)

	lookup := buildLookup(cfg)

	n := node.New()
	// The default demo topic accepts any message that clears the
	// integrity-fee check; operators embedding torgossip into a larger
	// application register their own handlers in place of this one.
	n.RegisterHandler("torgossip/demo/1", func(publisher identity.PeerID, topic string, payload []byte, fee uint64) bool {
		return true
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "torgossipd: received %v, shutting down\n", sig)
		cancel()
	}()

	if err := n.Run(ctx, *cfg, lookup); err != nil {
		fmt.Fprintf(os.Stderr, "torgossipd: %v\n", err)
		os.Exit(1)
	}
}

// buildLookup wires the caller-supplied blockchain kernel lookup (not
// part of this module's scope) behind the singleflight-coalescing cache,
// and in front of that an optional Redis-backed shared cache when
// cfg.RedisURL is set.
func buildLookup(cfg *config.Config) kernel.Lookup {
	base := kernel.LookupFunc(func(ctx context.Context, kernelExcess [33]byte) (*kernel.Record, error) {
		return nil, fmt.Errorf("torgossipd: no blockchain kernel lookup configured")
	})

	coalesced := kernel.NewCoalescingCache(base, kernel.DefaultTTL)

	if cfg.RedisURL == "" {
		return coalesced
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torgossipd: invalid redis URL, falling back to in-memory cache only: %v\n", err)
		return coalesced
	}
	client := redis.NewClient(opts)
	return kernel.NewRedisCache(client, coalesced, kernel.DefaultTTL)
}

func promptSecret() (string, error) {
	fmt.Fprint(os.Stderr, "Tor hidden-service secret: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret from terminal: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
