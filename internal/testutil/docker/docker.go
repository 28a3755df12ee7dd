// Package docker gates container-backed tests.
package docker

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// Require skips t in -short mode or when no container runtime is reachable.
func Require(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
