package pluginloader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/protofuzz/pkg/engineconfig"
	"github.com/google/protofuzz/pkg/stateful"
)

func testEngineDefaults() engineconfig.Config {
	return engineconfig.Config{
		HavocMaxSize:                  4096,
		StatefulProgressionWeight:     0.8,
		StatefulResetIntervalBFS:      20,
		StatefulResetIntervalDFS:      500,
		StatefulResetIntervalTargeted: 100,
		StatefulResetIntervalRandom:   300,
		TerminationTestInterval:       50,
		TerminationTestWindow:         3,
	}
}

// spec §6: a manifest that doesn't set max_output_size falls back to the
// engine's HAVOC_MAX_SIZE, not a hardcoded constant unrelated to it.
func TestMutationConfigFallsBackToEngineHavocMaxSize(t *testing.T) {
	var m manifest
	cfg := mutationConfig(m, testEngineDefaults())
	require.Equal(t, 4096, cfg.MaxOutputSize)

	m.Mutation.MaxOutputSize = 64
	cfg = mutationConfig(m, testEngineDefaults())
	require.Equal(t, 64, cfg.MaxOutputSize)
}

// spec §6: each exploration mode's reset interval falls back to its own
// STATEFUL_RESET_INTERVAL_* default, including random mode's 300 (not 0).
func TestStatefulConfigUsesPerModeEngineDefaults(t *testing.T) {
	defaults := testEngineDefaults()

	for mode, want := range map[string]int{
		string(stateful.ModeBFS):      20,
		string(stateful.ModeDFS):      500,
		string(stateful.ModeTargeted): 100,
		string(stateful.ModeRandom):   300,
	} {
		var m manifest
		m.Stateful.Mode = mode
		cfg := statefulConfig(m, defaults)
		require.Equal(t, want, cfg.ResetInterval, "mode %s", mode)
	}

	var m manifest
	m.Stateful.Mode = string(stateful.ModeBFS)
	m.Stateful.ResetInterval = 7
	cfg := statefulConfig(m, defaults)
	require.Equal(t, 7, cfg.ResetInterval)
}
