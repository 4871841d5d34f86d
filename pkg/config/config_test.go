package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New(Opts{TorSecret: "this-is-a-32-byte-long-tor-secret!!"})
	require.NoError(t, err)

	require.Equal(t, DefaultTorSOCKSPort, cfg.TorSOCKSPort)
	require.Equal(t, DefaultLibp2pPort, cfg.Libp2pPort)
	require.Equal(t, uint64(DefaultFeeBase), cfg.FeeBase)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(Opts{})
	require.Error(t, err)
}

func TestNewPreservesExplicitValues(t *testing.T) {
	cfg, err := New(Opts{
		TorSecret:    "another-long-enough-32-byte-secret!",
		TorSOCKSPort: 9150,
		Libp2pPort:   5001,
		FeeBase:      2_000_000,
		SeedList:     []string{"a.onion", "b.onion"},
		LogLevel:     "debug",
	})
	require.NoError(t, err)

	require.Equal(t, 9150, cfg.TorSOCKSPort)
	require.Equal(t, 5001, cfg.Libp2pPort)
	require.Equal(t, uint64(2_000_000), cfg.FeeBase)
	require.Equal(t, []string{"a.onion", "b.onion"}, cfg.SeedList)
	require.Equal(t, "debug", cfg.LogLevel)
}
