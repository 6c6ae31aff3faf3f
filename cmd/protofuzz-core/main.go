// Command protofuzz-core is the engine process: it loads its own
// configuration, opens the durable stores, loads every plugin under the
// configured plugin directory, and keeps the orchestrator alive (serving
// Prometheus metrics) until asked to stop. The control surface that turns
// this into a fuzzer you can drive (HTTP API, CLI, web UI) is out of
// scope here; this binary is the process that surface would talk to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/google/protofuzz/pkg/engineconfig"
	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/history"
	"github.com/google/protofuzz/pkg/orchestrator"
	"github.com/google/protofuzz/pkg/plog"
	"github.com/google/protofuzz/pkg/pluginloader"
	"github.com/google/protofuzz/pkg/sessionstore"
)

func main() {
	configPath := flag.String("config", "", "path to protofuzz.yaml (defaults to ./protofuzz.yaml if present)")
	flag.Parse()

	cfg, err := engineconfig.Load(*configPath)
	if err != nil {
		plog.Errorf("load config: %v", err)
		os.Exit(1)
	}

	plog.SetDefault(plog.New(cfg.LogDebug))
	plog.SetVerbosity(cfg.LogVerbosity)

	if err := run(cfg); err != nil {
		plog.Errorf("protofuzz-core: %v", err)
		os.Exit(1)
	}
}

func run(cfg engineconfig.Config) error {
	for _, dir := range []string{
		filepath.Dir(cfg.SessionStorePath),
		filepath.Dir(cfg.HistoryStorePath),
		cfg.CorpusDir,
		cfg.PluginDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ferrors.Wrap(ferrors.KindSessionInitialization, err, "create data directory "+dir)
		}
	}

	sessions, err := sessionstore.Open(cfg.SessionStorePath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindSessionInitialization, err, "open session store")
	}
	hist, err := history.Open(cfg.HistoryStorePath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindSessionInitialization, err, "open history store")
	}
	defer hist.Flush()

	orch := orchestrator.New(orchestrator.Deps{
		Sessions:              sessions,
		History:               hist,
		CorpusRoot:            cfg.CorpusDir,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxConcurrentTests:    cfg.MaxConcurrentTests,
	})

	plugins, err := loadPlugins(cfg.PluginDir, cfg)
	if err != nil {
		plog.Logf(0, "plugin load: %v", err)
	}
	plog.Logf(0, "loaded %d plugin(s) from %s", len(plugins), cfg.PluginDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	watchStop := make(chan struct{})
	if err := pluginloader.Watch(cfg.PluginDir, watchStop, func(loaded *pluginloader.Loaded, err error) {
		if err != nil {
			plog.Errorf("plugin reload failed: %v", err)
			return
		}
		plog.Logf(0, "plugin %s reloaded", loaded.Config.ProtocolName)
	}, cfg); err != nil {
		plog.Logf(0, "plugin watch disabled: %v", err)
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		close(watchStop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		stopAllSessions(shutdownCtx, orch)
		return nil
	})

	plog.Logf(0, "protofuzz-core listening for metrics on %s", cfg.MetricsAddr)
	return g.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// loadPlugins reads every immediate subdirectory of dir containing a
// plugin.yaml into a resolved orchestrator.Config template.
func loadPlugins(dir string, engineCfg engineconfig.Config) ([]*pluginloader.Loaded, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*pluginloader.Loaded
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(pluginDir, "plugin.yaml")); err != nil {
			continue
		}
		loaded, err := pluginloader.Load(pluginDir, engineCfg)
		if err != nil {
			plog.Errorf("load plugin %s: %v", e.Name(), err)
			continue
		}
		out = append(out, loaded)
	}
	return out, nil
}

// stopAllSessions stops every session the orchestrator has in memory so a
// graceful shutdown checkpoints state instead of leaving it mid-iteration.
func stopAllSessions(ctx context.Context, orch *orchestrator.Orchestrator) {
	for _, id := range orch.ActiveSessionIDs() {
		if err := orch.StopSession(ctx, id); err != nil && !ferrors.Is(err, ferrors.KindSessionNotFound) {
			plog.Errorf("shutdown: stop session %s: %v", id, err)
		}
	}
}
