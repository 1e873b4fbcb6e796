// Package testutil provides the harness shared by the integration tests:
// writing pipeline fixtures to disk and running the app against them.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/keygraph/internal/app"
	"github.com/vk/keygraph/internal/hcl_adapter"
	"github.com/vk/keygraph/internal/registry"
)

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	Output    string
	LogOutput string
	Err       error
	App       *app.App
}

// WriteFiles writes files, keyed by slash-separated relative path, under a
// fresh temporary directory and returns that directory.
func WriteFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

// GridJSON renders a grid in the format read by the grid_dir source.
func GridJSON(t *testing.T, rows [][]float64) string {
	t.Helper()
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	return string(data)
}

// RunIntegrationTest runs one command with a default background context.
func RunIntegrationTest(t *testing.T, cfg app.Config, modules ...registry.Module) *HarnessResult {
	t.Helper()
	return RunIntegrationTestWithContext(context.Background(), t, cfg, modules...)
}

// RunIntegrationTestWithContext validates cfg, builds the app and runs the
// command. Startup panics are reported through Err, the way the binary
// reports them.
func RunIntegrationTestWithContext(ctx context.Context, t *testing.T, cfg app.Config, modules ...registry.Module) *HarnessResult {
	t.Helper()

	cfg.LogLevel = "debug"
	cfg.LogFormat = "text"
	appConfig, err := app.NewConfig(cfg)
	require.NoError(t, err, "invalid test configuration")

	out, logs := &app.SafeBuffer{}, &app.SafeBuffer{}
	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = r
			}
		}()
		testApp = app.NewApp(out, logs, appConfig, hcl_adapter.NewLoader(), modules...)
	}()

	res := &HarnessResult{App: testApp}
	if panicErr != nil {
		res.Err = fmt.Errorf("application startup panicked | %v", panicErr)
	} else {
		res.Err = testApp.Run(ctx, appConfig)
	}
	res.Output, res.LogOutput = out.String(), logs.String()

	if os.Getenv("KEYGRAPH_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), res.LogOutput)
	}
	return res
}
