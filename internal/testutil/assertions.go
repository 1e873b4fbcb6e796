package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Computations returns how many times the logic of field ran during the
// harness run, read from the app's metrics.
func Computations(t *testing.T, result *HarnessResult, field string) int {
	t.Helper()
	require.NotNil(t, result.App, "app was not created")

	families, err := result.App.Gatherer().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != "keygraph_evaluator_computations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "field" && lp.GetValue() == field {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return int(total)
}

// RequireSuccess fails the test with the captured logs when the run failed.
func RequireSuccess(t *testing.T, result *HarnessResult) {
	t.Helper()
	require.NoError(t, result.Err, "run failed; logs:\n%s", result.LogOutput)
}
