package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapgc-io/snapgc/internal/catalog"
	"github.com/snapgc-io/snapgc/internal/config"
	"github.com/snapgc-io/snapgc/internal/corruption"
	"github.com/snapgc-io/snapgc/internal/gc"
	"github.com/snapgc-io/snapgc/internal/leader"
	"github.com/snapgc-io/snapgc/internal/logging"
	"github.com/snapgc-io/snapgc/internal/metrics"
	"github.com/snapgc-io/snapgc/internal/server"
	"github.com/snapgc-io/snapgc/internal/storage"
	s3backend "github.com/snapgc-io/snapgc/internal/storage/s3"
)

// engine bundles everything a GC invocation needs, plus its cleanups.
type engine struct {
	cfg     *config.Config
	logger  *logging.Logger
	catalog *catalog.JournalCatalog
	orch    *gc.Orchestrator
	elector *leader.FileLockElector
	close   []func() error
}

func (e *engine) shutdown() {
	for i := len(e.close) - 1; i >= 0; i-- {
		if err := e.close[i](); err != nil {
			e.logger.Warn("shutdown cleanup failed", "error", err)
		}
	}
}

// loadConfig parses the shared flags and loads configuration with overrides.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "Path to configuration file")
	journalPath := fs.String("journal", "", "Override catalog journal path")
	dryRun := fs.Bool("dry-run", false, "Emit DRYRUN events instead of mutating state")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *journalPath != "" {
		cfg.Catalog.JournalPath = *journalPath
	}
	if *dryRun {
		cfg.GC.DryRun = true
	}
	return cfg, nil
}

// buildEngine constructs the catalog, backend, elector and orchestrator.
func buildEngine(cfg *config.Config, gcMetrics *metrics.GCMetrics) (*engine, error) {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)

	e := &engine{cfg: cfg, logger: logger}

	cat, err := catalog.OpenJournalCatalog(cfg.Catalog.JournalPath, catalog.JournalCatalogOptions{
		Logger:           logger,
		AutoCompactBytes: cfg.Catalog.AutoCompactBytes,
	})
	if err != nil {
		return nil, err
	}
	e.catalog = cat
	e.close = append(e.close, cat.Close)

	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "filesystem":
		backend, err = storage.NewFilesystemBackend(cfg.Storage.Root)
		if err != nil {
			e.shutdown()
			return nil, err
		}
	case "s3":
		s3b, err := s3backend.New(context.Background(), s3backend.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Prefix:          cfg.Storage.S3.Prefix,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKey,
			SecretAccessKey: cfg.Storage.S3.SecretKey,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			e.shutdown()
			return nil, err
		}
		e.close = append(e.close, s3b.Close)
		backend = s3b
	case "memory":
		backend = storage.NewMockBackend()
	default:
		e.shutdown()
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	var elector leader.Elector
	if cfg.Leader.Enabled {
		fl := leader.NewFileLockElector(cfg.Leader.LockPath, nil, logger)
		e.elector = fl
		e.close = append(e.close, fl.Close)
		elector = fl
	}

	orch, err := gc.New(gc.Config{
		Catalog:    cat,
		Storage:    backend,
		Policy:     cfg.Retention,
		Options:    cfg.GC.Options,
		Leader:     elector,
		Corruption: corruption.NewMemoryTracker(),
		Logger:     logger,
		Metrics:    gcMetrics,
	})
	if err != nil {
		e.shutdown()
		return nil, err
	}
	e.orch = orch
	return e, nil
}

func runPass(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fatal(err)
	}

	eng, err := buildEngine(cfg, nil)
	if err != nil {
		fatal(err)
	}
	defer eng.shutdown()

	m, err := eng.orch.RunOnce(context.Background())
	if err != nil {
		fatal(err)
	}
	printMetrics(m)
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	interval := fs.Duration("interval", 0, "Override pass interval (e.g. 15m)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fatal(err)
	}
	if *interval > 0 {
		cfg.GC.ScanIntervalMs = interval.Milliseconds()
	}

	if err := daemon(cfg); err != nil {
		fatal(err)
	}
}

func daemon(cfg *config.Config) error {
	gcMetrics := metrics.NewGCMetrics()
	eng, err := buildEngine(cfg, gcMetrics)
	if err != nil {
		return err
	}
	defer eng.shutdown()

	if cfg.Observability.MetricsAddr != "" {
		hs := server.NewHealthServer(cfg.Observability.MetricsAddr, eng.logger)
		hs.RegisterHandler("/metrics", promhttp.Handler())
		if err := hs.Start(); err != nil {
			return err
		}
		defer hs.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(cfg.GC.ScanIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	eng.logger.Info("snapgcd daemon started",
		"intervalMs", cfg.GC.ScanIntervalMs,
		"journal", cfg.Catalog.JournalPath,
		"backend", cfg.Storage.Backend,
	)

	for {
		if _, err := eng.orch.RunOnce(ctx); err != nil {
			// A journal durability failure leaves memory ahead of disk;
			// only a restart-with-replay reconciles them.
			return fmt.Errorf("gc pass aborted: %w", err)
		}
		select {
		case <-ctx.Done():
			eng.logger.Info("snapgcd daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fatal(err)
	}

	cat, err := catalog.OpenJournalCatalog(cfg.Catalog.JournalPath, catalog.JournalCatalogOptions{})
	if err != nil {
		fatal(err)
	}
	defer cat.Close()

	st := cat.Stats()
	fmt.Printf("snapshots: %d\n", st.Snapshots)
	states := make([]catalog.State, 0, len(st.ByState))
	for s := range st.ByState {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, s := range states {
		fmt.Printf("  %-12s %d\n", s.String()+":", st.ByState[s])
	}
	fmt.Printf("journal bytes: %d\n", st.JournalBytes)
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fatal(err)
	}

	cat, err := catalog.OpenJournalCatalog(cfg.Catalog.JournalPath, catalog.JournalCatalogOptions{})
	if err != nil {
		fatal(err)
	}
	defer cat.Close()

	if err := cat.Compact(); err != nil {
		fatal(err)
	}
	fmt.Println("journal compacted")
}

func printMetrics(m gc.Metrics) {
	fmt.Printf("scanned:          %d\n", m.Scanned)
	fmt.Printf("tombstoned:       %d\n", m.Tombstoned)
	fmt.Printf("deleted:          %d\n", m.Deleted)
	fmt.Printf("quarantined:      %d\n", m.Quarantined)
	fmt.Printf("delete failures:  %d\n", m.DeleteFailed)
	fmt.Printf("inactive signals: %d\n", m.InactiveLoadedSignals)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "snapgcd: %v\n", err)
	os.Exit(1)
}
