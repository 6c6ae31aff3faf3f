// Package engineconfig loads the engine process's configuration: the
// FUZZER_*-prefixed environment variables of spec §6, plus the handful of
// process-only knobs (plugin directory, metrics address, log verbosity)
// that sit outside that contract. It reads an optional YAML file first and
// lets environment variables override it through viper, the way
// a-nogikh-syzkaller's cluster services and steveyegge/beads both load
// their process configuration.
package engineconfig

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the engine's top-level process configuration (spec §6
// "Environment variables", plus process-only fields outside that list).
type Config struct {
	APIHost string
	APIPort int

	CorpusDir string
	CrashDir  string

	MaxConcurrentSessions int
	MaxConcurrentTests    int

	CheckpointFrequency int
	DefaultHistoryLimit int
	TCPBufferSize       int
	UDPBufferSize       int

	HavocExpansionMin float64
	HavocExpansionMax float64
	HavocMaxSize      int
	SeedCacheMaxSize  int

	StatefulProgressionWeight     float64
	StatefulResetIntervalBFS      int
	StatefulResetIntervalDFS      int
	StatefulResetIntervalTargeted int
	StatefulResetIntervalRandom   int

	TerminationTestWindow   int
	TerminationTestInterval int

	SessionStorePath string // data/sessions.db
	HistoryStorePath string // data/correlation.db
	PluginDir        string
	MetricsAddr      string
	LogVerbosity     int
	LogDebug         bool
}

func defaults(v *viper.Viper) {
	v.SetDefault("api_host", "127.0.0.1")
	v.SetDefault("api_port", 8090)
	v.SetDefault("corpus_dir", "corpus")
	v.SetDefault("crash_dir", "crashes")

	v.SetDefault("max_concurrent_sessions", 1)
	v.SetDefault("max_concurrent_tests", 10)

	v.SetDefault("checkpoint_frequency", 1000)
	v.SetDefault("default_history_limit", 100)
	v.SetDefault("tcp_buffer_size", 4096)
	v.SetDefault("udp_buffer_size", 4096)

	v.SetDefault("havoc_expansion_min", 1.5)
	v.SetDefault("havoc_expansion_max", 3.0)
	v.SetDefault("havoc_max_size", 4096)
	v.SetDefault("seed_cache_max_size", 1000)

	v.SetDefault("stateful_progression_weight", 0.8)
	v.SetDefault("stateful_reset_interval_bfs", 20)
	v.SetDefault("stateful_reset_interval_dfs", 500)
	v.SetDefault("stateful_reset_interval_targeted", 100)
	v.SetDefault("stateful_reset_interval_random", 300)

	v.SetDefault("termination_test_window", 3)
	v.SetDefault("termination_test_interval", 50)

	v.SetDefault("session_store_path", "data/sessions.db")
	v.SetDefault("history_store_path", "data/correlation.db")
	v.SetDefault("plugin_dir", "plugins")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_verbosity", 0)
	v.SetDefault("log_debug", false)
}

// Load reads configPath (if non-empty) or ./protofuzz.yaml, then lets
// FUZZER_*-prefixed environment variables override anything the file or
// the defaults above set (spec §6 "Environment variables").
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("FUZZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("protofuzz")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return Config{}, err
		}
	}

	return Config{
		APIHost:   v.GetString("api_host"),
		APIPort:   v.GetInt("api_port"),
		CorpusDir: v.GetString("corpus_dir"),
		CrashDir:  v.GetString("crash_dir"),

		MaxConcurrentSessions: v.GetInt("max_concurrent_sessions"),
		MaxConcurrentTests:    v.GetInt("max_concurrent_tests"),

		CheckpointFrequency: v.GetInt("checkpoint_frequency"),
		DefaultHistoryLimit: v.GetInt("default_history_limit"),
		TCPBufferSize:       v.GetInt("tcp_buffer_size"),
		UDPBufferSize:       v.GetInt("udp_buffer_size"),

		HavocExpansionMin: v.GetFloat64("havoc_expansion_min"),
		HavocExpansionMax: v.GetFloat64("havoc_expansion_max"),
		HavocMaxSize:      v.GetInt("havoc_max_size"),
		SeedCacheMaxSize:  v.GetInt("seed_cache_max_size"),

		StatefulProgressionWeight:     v.GetFloat64("stateful_progression_weight"),
		StatefulResetIntervalBFS:      v.GetInt("stateful_reset_interval_bfs"),
		StatefulResetIntervalDFS:      v.GetInt("stateful_reset_interval_dfs"),
		StatefulResetIntervalTargeted: v.GetInt("stateful_reset_interval_targeted"),
		StatefulResetIntervalRandom:   v.GetInt("stateful_reset_interval_random"),

		TerminationTestWindow:   v.GetInt("termination_test_window"),
		TerminationTestInterval: v.GetInt("termination_test_interval"),

		SessionStorePath: v.GetString("session_store_path"),
		HistoryStorePath: v.GetString("history_store_path"),
		PluginDir:        v.GetString("plugin_dir"),
		MetricsAddr:      v.GetString("metrics_addr"),
		LogVerbosity:     v.GetInt("log_verbosity"),
		LogDebug:         v.GetBool("log_debug"),
	}, nil
}
