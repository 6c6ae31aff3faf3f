// Package pluginloader resolves a plugin directory (a data model, an
// optional response model and state model, plus a manifest of connection,
// heartbeat, mutation and stateful settings) into the orchestrator's
// PluginSpec and Config, and watches the directory for edits so a running
// engine can pick up a corrected plugin without a restart (spec §4 "the
// plugin" is the unit of configuration the orchestrator wires against).
package pluginloader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/engineconfig"
	"github.com/google/protofuzz/pkg/heartbeat"
	"github.com/google/protofuzz/pkg/mutation"
	"github.com/google/protofuzz/pkg/orchestrator"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/stateful"
	"github.com/google/protofuzz/pkg/transport"
)

// manifest is plugin.yaml's schema: everything about a plugin that isn't
// itself a data model.
type manifest struct {
	Name              string  `yaml:"name"`
	DataModelFile     string  `yaml:"data_model_file"`
	ResponseModelFile string  `yaml:"response_model_file,omitempty"`
	StateModelFile    string  `yaml:"state_model_file,omitempty"`
	SeedsDir          string  `yaml:"seeds_dir,omitempty"`
	ExecutionMode     string  `yaml:"execution_mode,omitempty"`
	RateLimitPerSec   float64 `yaml:"rate_limit_per_sec,omitempty"`

	Target struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Transport string `yaml:"transport,omitempty"`
	} `yaml:"target"`

	Connection struct {
		Mode              string `yaml:"mode,omitempty"`
		DemuxStrategy     string `yaml:"demux_strategy,omitempty"`
		CorrelationField  string `yaml:"correlation_field,omitempty"`
		Unsolicited       string `yaml:"unsolicited,omitempty"`
		BackoffMs         int    `yaml:"backoff_ms,omitempty"`
		MaxReconnects     int    `yaml:"max_reconnects,omitempty"`
		OnDropRebootstrap bool   `yaml:"on_drop_rebootstrap,omitempty"`
	} `yaml:"connection,omitempty"`

	Heartbeat struct {
		Enabled         bool   `yaml:"enabled,omitempty"`
		IntervalMs      int    `yaml:"interval_ms,omitempty"`
		IntervalFromCtx string `yaml:"interval_from_ctx,omitempty"`
		JitterMs        int    `yaml:"jitter_ms,omitempty"`
		ExpectResponse  bool   `yaml:"expect_response,omitempty"`
		ResponseTimeout string `yaml:"response_timeout,omitempty"`
		OnTimeoutAction string `yaml:"on_timeout_action,omitempty"`
		MaxFailures     int    `yaml:"max_failures,omitempty"`
	} `yaml:"heartbeat,omitempty"`

	Mutation struct {
		Mode                 string         `yaml:"mode,omitempty"`
		StructureAwareWeight int            `yaml:"structure_aware_weight,omitempty"`
		ByteLevelWeights     map[string]int `yaml:"byte_level_weights,omitempty"`
		MaxOutputSize        int            `yaml:"max_output_size,omitempty"`
	} `yaml:"mutation,omitempty"`

	Stateful struct {
		Mode                    string  `yaml:"mode,omitempty"`
		ProgressionWeight       float64 `yaml:"progression_weight,omitempty"`
		ResetInterval           int     `yaml:"reset_interval,omitempty"`
		TargetState             string  `yaml:"target_state,omitempty"`
		EnableTermination       bool    `yaml:"enable_termination,omitempty"`
		TerminationTestInterval int     `yaml:"termination_test_interval,omitempty"`
		TerminationTestWindow   int     `yaml:"termination_test_window,omitempty"`
	} `yaml:"stateful,omitempty"`

	CheckpointFrequency int `yaml:"checkpoint_frequency,omitempty"`
	TestTimeoutMs       int `yaml:"test_timeout_ms,omitempty"`
}

// Loaded is a fully resolved plugin: a Config template (SessionID left
// blank for the caller to fill in) ready for Orchestrator.CreateSession.
type Loaded struct {
	Config orchestrator.Config
}

// Load reads dir/plugin.yaml and its referenced model files into a Loaded
// plugin definition. engineDefaults supplies the FUZZER_*-configured
// fallbacks (spec §6) a manifest may leave unspecified: havoc output cap
// and per-exploration-mode stateful reset intervals.
func Load(dir string, engineDefaults engineconfig.Config) (*Loaded, error) {
	m, err := readManifest(filepath.Join(dir, "plugin.yaml"))
	if err != nil {
		return nil, err
	}

	dataModel, err := protocol.LoadDataModel(filepath.Join(dir, m.DataModelFile))
	if err != nil {
		return nil, fmt.Errorf("data model: %w", err)
	}

	var responseModel *protocol.DataModel
	if m.ResponseModelFile != "" {
		responseModel, err = protocol.LoadDataModel(filepath.Join(dir, m.ResponseModelFile))
		if err != nil {
			return nil, fmt.Errorf("response model: %w", err)
		}
	}

	var stateModel *stateful.Model
	if m.StateModelFile != "" {
		stateModel, err = loadStateModel(filepath.Join(dir, m.StateModelFile))
		if err != nil {
			return nil, fmt.Errorf("state model: %w", err)
		}
	}

	var seeds [][]byte
	if m.SeedsDir != "" {
		seeds, err = loadSeeds(filepath.Join(dir, m.SeedsDir))
		if err != nil {
			return nil, fmt.Errorf("seeds: %w", err)
		}
	}

	execMode := orchestrator.ExecutionCore
	if m.ExecutionMode == string(orchestrator.ExecutionAgent) {
		execMode = orchestrator.ExecutionAgent
	}

	cfg := orchestrator.Config{
		ProtocolName: m.Name,
		Target: orchestrator.Target{
			Host:      m.Target.Host,
			Port:      m.Target.Port,
			Transport: transportKind(m.Target.Transport),
		},
		Plugin: orchestrator.PluginSpec{
			Name:            m.Name,
			DataModel:       dataModel,
			ResponseModel:   responseModel,
			StateModel:      stateModel,
			Seeds:           seeds,
			Connection:      connectionConfig(m),
			Heartbeat:       heartbeatConfig(m, responseModel),
			RateLimitPerSec: m.RateLimitPerSec,
		},
		Mutation:            mutationConfig(m, engineDefaults),
		ExecutionMode:       execMode,
		Stateful:            statefulConfig(m, engineDefaults),
		CheckpointFrequency: m.CheckpointFrequency,
		TestTimeout:         durationMs(m.TestTimeoutMs),
	}
	if stateModel != nil {
		cfg.FuzzingMode = stateful.ExplorationMode(m.Stateful.Mode)
	}
	return &Loaded{Config: cfg}, nil
}

func readManifest(path string) (manifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return manifest{}, fmt.Errorf("plugin manifest missing name")
	}
	if m.DataModelFile == "" {
		return manifest{}, fmt.Errorf("plugin manifest missing data_model_file")
	}
	return m, nil
}

func loadStateModel(path string) (*stateful.Model, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model stateful.Model
	if err := yaml.Unmarshal(buf, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

func loadSeeds(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seeds [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}

// pluginSubdirs lists root's immediate subdirectories that contain a
// plugin.yaml, the same scan cmd/protofuzz-core's loadPlugins performs, so
// Watch attaches to the directories Load can actually resolve.
func pluginSubdirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(sub, "plugin.yaml")); err != nil {
			continue
		}
		dirs = append(dirs, sub)
	}
	return dirs, nil
}

func transportKind(s string) transport.Kind {
	if s == string(transport.KindUDP) {
		return transport.KindUDP
	}
	return transport.KindTCP
}

func connectionConfig(m manifest) connmgr.Config {
	return connmgr.Config{
		Mode:              connmgr.Mode(orDefault(m.Connection.Mode, string(connmgr.ModePerTest))),
		DemuxStrategy:     connmgr.DemuxStrategy(orDefault(m.Connection.DemuxStrategy, string(connmgr.DemuxSequential))),
		CorrelationField:  m.Connection.CorrelationField,
		Unsolicited:       connmgr.UnsolicitedPolicy(orDefault(m.Connection.Unsolicited, string(connmgr.UnsolicitedLog))),
		BackoffMs:         m.Connection.BackoffMs,
		MaxReconnects:     m.Connection.MaxReconnects,
		OnDropRebootstrap: m.Connection.OnDropRebootstrap,
	}
}

func heartbeatConfig(m manifest, responseModel *protocol.DataModel) heartbeat.Config {
	return heartbeat.Config{
		Enabled:         m.Heartbeat.Enabled,
		IntervalMs:      m.Heartbeat.IntervalMs,
		IntervalFromCtx: m.Heartbeat.IntervalFromCtx,
		JitterMs:        m.Heartbeat.JitterMs,
		DataModel:       responseModel,
		ExpectResponse:  m.Heartbeat.ExpectResponse,
		ResponseTimeout: parseMs(m.Heartbeat.ResponseTimeout),
		OnTimeoutAction: heartbeat.TimeoutAction(orDefault(m.Heartbeat.OnTimeoutAction, string(heartbeat.ActionWarn))),
		MaxFailures:     m.Heartbeat.MaxFailures,
	}
}

// mutationConfig resolves a plugin's mutation settings, falling back to
// the engine-wide HAVOC_MAX_SIZE (spec §6, default 4096) when the
// manifest doesn't declare its own max_output_size.
func mutationConfig(m manifest, defaults engineconfig.Config) mutation.Config {
	maxOutput := m.Mutation.MaxOutputSize
	if maxOutput <= 0 {
		maxOutput = defaults.HavocMaxSize
	}
	return mutation.Config{
		Mode:                 mutation.Mode(orDefault(m.Mutation.Mode, string(mutation.ModeHybrid))),
		StructureAwareWeight: m.Mutation.StructureAwareWeight,
		ByteLevelWeights:     m.Mutation.ByteLevelWeights,
		MaxOutputSize:        maxOutput,
	}
}

// statefulConfig resolves a plugin's stateful-fuzzing settings, falling
// back to the engine-wide per-mode reset interval defaults (spec §6
// STATEFUL_RESET_INTERVAL_*) when the manifest leaves reset_interval at
// its zero value.
func statefulConfig(m manifest, defaults engineconfig.Config) stateful.Config {
	mode := stateful.ExplorationMode(orDefault(m.Stateful.Mode, string(stateful.ModeRandom)))
	resetInterval := m.Stateful.ResetInterval
	if resetInterval <= 0 {
		resetInterval = defaultResetIntervalFor(mode, defaults)
	}
	progressionWeight := m.Stateful.ProgressionWeight
	if progressionWeight <= 0 {
		progressionWeight = defaults.StatefulProgressionWeight
	}
	terminationInterval := m.Stateful.TerminationTestInterval
	if terminationInterval <= 0 {
		terminationInterval = defaults.TerminationTestInterval
	}
	terminationWindow := m.Stateful.TerminationTestWindow
	if terminationWindow <= 0 {
		terminationWindow = defaults.TerminationTestWindow
	}
	return stateful.Config{
		Mode:                    mode,
		ProgressionWeight:       progressionWeight,
		ResetInterval:           resetInterval,
		TargetState:             m.Stateful.TargetState,
		EnableTermination:       m.Stateful.EnableTermination,
		TerminationTestInterval: terminationInterval,
		TerminationTestWindow:   terminationWindow,
	}
}

func defaultResetIntervalFor(mode stateful.ExplorationMode, defaults engineconfig.Config) int {
	switch mode {
	case stateful.ModeBFS:
		return defaults.StatefulResetIntervalBFS
	case stateful.ModeDFS:
		return defaults.StatefulResetIntervalDFS
	case stateful.ModeTargeted:
		return defaults.StatefulResetIntervalTargeted
	default:
		return defaults.StatefulResetIntervalRandom
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationMs(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func parseMs(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Watch fsnotify-watches every immediate subdirectory of root that holds a
// plugin.yaml (the same layout cmd/protofuzz-core's loadPlugins scans) for
// writes to plugin.yaml or any referenced model file, and invokes onChange
// with that one plugin freshly reloaded. It runs until stop is closed.
// engineDefaults is forwarded to Load on every reload, the same as the
// initial load.
func Watch(root string, stop <-chan struct{}, onChange func(*Loaded, error), engineDefaults engineconfig.Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	pluginDirs, err := pluginSubdirs(root)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, d := range pluginDirs {
		if err := watcher.Add(d); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		debounce := map[string]*time.Timer{}
		for {
			select {
			case <-stop:
				for _, t := range debounce {
					t.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				pluginDir := filepath.Dir(event.Name)
				if t, ok := debounce[pluginDir]; ok {
					t.Stop()
				}
				debounce[pluginDir] = time.AfterFunc(200*time.Millisecond, func() {
					loaded, err := Load(pluginDir, engineDefaults)
					onChange(loaded, err)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				plog.Errorf("pluginloader: watch %s: %v", root, err)
			}
		}
	}()
	return nil
}
