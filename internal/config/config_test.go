package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedStorageDir_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Config{StorageDir: "~/notes"}
	require.Equal(t, filepath.Join(home, "notes"), cfg.ResolvedStorageDir())
}

func TestResolvedStorageDir_UsesConfiguredValue(t *testing.T) {
	cfg := Config{StorageDir: " /tmp/pensieve "}
	require.Equal(t, "/tmp/pensieve", cfg.ResolvedStorageDir())
}

func TestUsesDefaultJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.UsesDefaultJWTSecret())
	cfg.JWTSecret = "s3cr3t"
	require.False(t, cfg.UsesDefaultJWTSecret())
}
