// Command cynagorad is the cynagora daemon: it owns the rule database
// and multiplexes check/admin/agent clients over local sockets.
//
// Grounded on main-cynagorad.c's bootstrap sequence (create data dir,
// open the lock file, load or import the database, bind sockets,
// drop into the event loop) and on cmd/warren/main.go's cobra/zerolog
// wiring shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iotbzh/cynagora/pkg/agent"
	"github.com/iotbzh/cynagora/pkg/config"
	"github.com/iotbzh/cynagora/pkg/cyn"
	"github.com/iotbzh/cynagora/pkg/cynlog"
	"github.com/iotbzh/cynagora/pkg/cynmetrics"
	"github.com/iotbzh/cynagora/pkg/db"
	"github.com/iotbzh/cynagora/pkg/lockfile"
	"github.com/iotbzh/cynagora/pkg/rulefile"
	"github.com/iotbzh/cynagora/pkg/server"
	"github.com/iotbzh/cynagora/pkg/store"
)

var (
	Version = "dev"

	flagSettings    string
	flagCheckSocket string
	flagAdminSocket string
	flagAgentSocket string
	flagDBDir       string
	flagMaxDepth    int
	flagLogLevel    string
	flagLogJSON     bool
	flagMetricsAddr string
	flagInitFile    string
	flagForceInit   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cynagorad:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cynagorad",
	Short:   "cynagora authorization daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSettings, "settings", "", "optional YAML settings file")
	flags.StringVar(&flagCheckSocket, "check-socket", "", "check socket URI (overrides settings/env)")
	flags.StringVar(&flagAdminSocket, "admin-socket", "", "admin socket URI (overrides settings/env)")
	flags.StringVar(&flagAgentSocket, "agent-socket", "", "agent socket URI (overrides settings/env)")
	flags.StringVar(&flagDBDir, "db-dir", "", "persistent database directory (overrides settings/env)")
	flags.IntVar(&flagMaxDepth, "max-depth", 0, "agent recursion depth limit (overrides settings/env)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON instead of console format")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (empty disables)")
	flags.StringVar(&flagInitFile, "init-file", "", "initial rule file to import when the database is empty")
	flags.BoolVar(&flagForceInit, "force-init", false, "re-import --init-file even if the database is non-empty")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagSettings)
	if err != nil {
		return err
	}
	if flagCheckSocket != "" {
		cfg.CheckSocket = flagCheckSocket
	}
	if flagAdminSocket != "" {
		cfg.AdminSocket = flagAdminSocket
	}
	if flagAgentSocket != "" {
		cfg.AgentSocket = flagAgentSocket
	}
	if flagDBDir != "" {
		cfg.DBDir = flagDBDir
	}
	if flagMaxDepth > 0 {
		cfg.MaxDepth = flagMaxDepth
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogJSON {
		cfg.LogJSON = true
	}
	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}

	log := cynlog.Init(cynlog.Config{Level: cynlog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log.Info().Str("db_dir", cfg.DBDir).Msg("starting cynagorad")

	lock, err := lockfile.Acquire(cfg.DBDir)
	if err != nil {
		return fmt.Errorf("cynagorad: %w", err)
	}
	defer lock.Release()

	file, err := store.OpenFile(cfg.DBDir)
	if err != nil {
		return fmt.Errorf("cynagorad: open store: %w", err)
	}
	mem := store.NewMem()
	facade := db.New(mem, file)

	if flagInitFile != "" && (flagForceInit || file.RuleCount() == 0) {
		if err := rulefile.Import(facade, flagInitFile); err != nil {
			return fmt.Errorf("cynagorad: import %s: %w", flagInitFile, err)
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("cynagorad: sync after import: %w", err)
		}
		log.Info().Str("file", flagInitFile).Msg("imported initial rule set")
	}

	engine := cyn.New(facade, cynlog.WithComponent("engine"))
	engine.SetMaxSearchDepth(cfg.MaxDepth)
	if err := agent.Register(engine); err != nil {
		return fmt.Errorf("cynagorad: register built-in agent: %w", err)
	}

	mem2, file2 := facade.RuleCounts()
	cynmetrics.RulesTotal.WithLabelValues("mem").Set(float64(mem2))
	cynmetrics.RulesTotal.WithLabelValues("file").Set(float64(file2))
	cynmetrics.ChangeID.Set(float64(engine.ChangeID()))

	srv := server.New(engine, server.Config{
		CheckSocket: cfg.CheckSocket,
		AdminSocket: cfg.AdminSocket,
		AgentSocket: cfg.AgentSocket,
	}, cynlog.WithComponent("server"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", cynmetrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
	}

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("cynagorad: serve: %w", err)
	}
	log.Info().Msg("cynagorad shutting down")
	return nil
}
