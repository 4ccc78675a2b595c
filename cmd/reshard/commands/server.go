package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/reshard/pkg/api"
	"github.com/openfroyo/reshard/pkg/config"
	"github.com/openfroyo/reshard/pkg/engine"
	"github.com/openfroyo/reshard/pkg/lock"
	"github.com/openfroyo/reshard/pkg/phases"
	"github.com/openfroyo/reshard/pkg/policy"
	"github.com/openfroyo/reshard/pkg/ring"
	"github.com/openfroyo/reshard/pkg/shardconn"
	"github.com/openfroyo/reshard/pkg/stores"
	"github.com/openfroyo/reshard/pkg/telemetry"
	"github.com/openfroyo/reshard/pkg/transports/ssh"
)

func newServerCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the plan executor and admin API",
		Long: `Run the plan executor and its administrative HTTP API.

On start the server loads every active plan from the store and resumes it
at its persisted phase. SIGINT or SIGTERM stops accepting requests, waits
for in-flight phases to observe cancellation, and exits.`,
		Example: `  # Run with defaults (SQLite at ./reshard.db, API on 127.0.0.1:8080)
  reshard server

  # Run with a config file and a different listen address
  reshard server -c /etc/reshard/reshard.cue --listen 0.0.0.0:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return runServer(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, version string) error {
	tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	// Levels are enforced per logger from here on.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = tel.Logger.Zerolog()
	logger := tel.Logger.NewComponentLogger("server")

	eventLog := tel.Logger.NewComponentLogger("events")
	tel.Events.Subscribe(func(e telemetry.Event) {
		eventLog.WithPlanID(e.PlanID).WithField("event", e.Type).Debug(e.Message)
	}, nil)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	store, err := stores.New(cfg.StoreSettings())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	opts := engine.Options{
		Store:     store,
		Telemetry: tel,
		Config:    cfg.EngineSettings(),
	}

	if cfg.Ring.Path != "" {
		partitions, err := ring.Load(cfg.Ring.Path, tel.Logger.Zerolog())
		if err != nil {
			return err
		}
		if cfg.Ring.Watch {
			if err := partitions.Watch(ctx); err != nil {
				return err
			}
		}
		opts.Partitions = partitions
	}

	if cfg.Shard.Driver == "redis" {
		connector := shardconn.NewRedisConnector(cfg.Shard.AddressTemplate, cfg.Shard.Password, cfg.Shard.DB)
		if d := cfg.Shard.DialTimeout.D(); d > 0 {
			connector.DialTimeout = d
		}
		opts.Connector = connector
	}

	if cfg.Policy.Enabled {
		admission, err := newAdmission(ctx, cfg, tel.Logger.Zerolog())
		if err != nil {
			return err
		}
		opts.Admission = admission
	}

	sshBase := ssh.DefaultConfig("", cfg.SSH.User)
	sshBase.Port = cfg.SSH.Port
	sshBase.PrivateKeyPath = cfg.SSH.KeyFile
	sshBase.KnownHostsPath = cfg.SSH.KnownHostsFile
	if d := cfg.SSH.Timeout.D(); d > 0 {
		sshBase.ConnectionTimeout = d
	}
	pool := ssh.NewPool(sshBase, cfg.SSH.HostTemplate)
	defer pool.Close()

	deps := phases.Deps{
		Remote:     pool,
		Locks:      lock.NewManager(store),
		Partitions: opts.Partitions,
	}
	opts.Registry, err = phases.NewRegistry(deps)
	if err != nil {
		return err
	}

	ex, err := engine.NewExecutor(opts)
	if err != nil {
		return err
	}
	if err := ex.Start(); err != nil {
		return err
	}

	handler := api.NewServer(ex, tel, api.Options{
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
	})
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("listen", cfg.Server.Listen).Info("admin API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("admin API failed")
	}

	timeout := cfg.Server.ShutdownTimeout.D()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin API shutdown incomplete")
	}
	if err := ex.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("executor shutdown: %w", err)
	}
	return serveErr
}

// newAdmission builds the policy engine and, when configured, keeps the
// operator policies in sync with disk.
func newAdmission(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger, policy.Limits{MaxActivePlans: cfg.Policy.MaxActivePlans})
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) == 0 {
		return pe, nil
	}

	if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
		return nil, err
	}
	if cfg.Policy.Watch {
		loader := policy.NewLoader(logger)
		err := loader.Watch(ctx, cfg.Policy.Paths, func(ps []policy.Policy) error {
			return pe.ReplacePolicies(ctx, ps)
		})
		if err != nil {
			return nil, err
		}
	}
	return pe, nil
}
