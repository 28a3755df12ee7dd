package bdd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/cucumber/godog"
	"github.com/pensieve-mcp/pensieve/internal/cmd/serve"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/testutil/cucumber"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func baseConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.StorageDir = t.TempDir()
	cfg.CacheType = "local"
	cfg.BcryptCost = bcrypt.MinCost
	cfg.JWTSecret = "bdd-secret"
	cfg.Listener.Port = 0
	return cfg
}

func TestFeatures(t *testing.T) {
	backends := map[string]func(cfg *config.Config){
		"file":   func(cfg *config.Config) { cfg.DatastoreType = "file" },
		"sqlite": func(cfg *config.Config) { cfg.DatastoreType = "sqlite"; cfg.DBURL = "" },
	}
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			cfg := baseConfig(t)
			setup(&cfg)
			runFeatures(t, &cfg)
		})
	}
}

// runFeatures starts a server for cfg and runs every feature file against it.
func runFeatures(t *testing.T, cfg *config.Config) {
	t.Helper()
	log.SetLevel(log.WarnLevel)
	ctx := config.WithContext(context.Background(), cfg)

	srv, err := serve.StartServer(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	apiURL := fmt.Sprintf("http://localhost:%d", srv.Running.Port)

	featureFiles, err := filepath.Glob(filepath.Join("features", "*.feature"))
	require.NoError(t, err)
	require.NotEmpty(t, featureFiles)

	opts := cucumber.DefaultOptions()
	for _, arg := range os.Args[1:] {
		if arg == "-test.v=true" || arg == "-test.v" || arg == "-v" {
			opts.Format = "pretty"
		}
	}

	for _, featurePath := range featureFiles {
		name := strings.TrimSuffix(filepath.Base(featurePath), ".feature")
		t.Run(name, func(t *testing.T) {
			o := opts
			o.TestingT = t
			o.Paths = []string{featurePath}
			defer cucumber.ApplyReportOptions(&o, t.Name())()

			suite := cucumber.NewTestSuite()
			suite.APIURL = apiURL
			suite.TestingT = t

			status := godog.TestSuite{
				Name:                name,
				Options:             &o,
				ScenarioInitializer: suite.InitializeScenario,
			}.Run()
			if status != 0 {
				t.Fail()
			}
		})
	}
}
