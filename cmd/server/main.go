/*
main.go - Application entry point

PURPOSE:
  Wires config, clock, metrics, persister backend, the demo schema, and
  the REST projection into a running storage-engine process, with cobra
  subcommands for the three operator actions spec.md §5/§6 call for:
  serving, replaying history for inspection, and flipping a follower to
  master. Grounded on AntoineToussaint-timeoff/cmd/server/main.go's
  startup sequence and graceful-shutdown shape, restructured around
  cobra/viper the way the rest of the example pack's CLIs do.

STARTUP SEQUENCE (serve):
  1. config.Load binds flags/env/file into a Config
  2. open the selected persister backend (memory/file/redis)
  3. demo.NewSchema builds the containers and the master/follower Storage
  4. rest.Server mounts the schema's fields and is served over HTTP
  5. SIGINT/SIGTERM triggers graceful shutdown: stop accepting requests,
     drain in-flight ones, close the persister

SEE ALSO:
  - config/config.go: flag/env/file precedence
  - demo/schema.go: the schema this binary serves
  - rest/server.go: the HTTP surface
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/config"
	"github.com/warp/storage-engine/demo"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	persisterfile "github.com/warp/storage-engine/persister/file"
	persisterredis "github.com/warp/storage-engine/persister/redis"
	"github.com/warp/storage-engine/rest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:   "storage-engine",
		Short: "In-memory transactional storage engine with REST projection and replication",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml/json/toml)")
	root.PersistentFlags().String("listen", "", "REST bind address")
	root.PersistentFlags().String("role", "", "master or follower")
	root.PersistentFlags().String("persister", "", "memory, file, or redis")
	root.PersistentFlags().String("file-path", "", "log path for the file persister")
	root.PersistentFlags().String("redis-url", "", "Redis URL for the redis persister")
	root.PersistentFlags().String("redis-stream", "", "Redis stream key for the redis persister")
	root.PersistentFlags().String("log-level", "", "zerolog level")
	_ = v.BindPFlag("listen", root.PersistentFlags().Lookup("listen"))
	_ = v.BindPFlag("role", root.PersistentFlags().Lookup("role"))
	_ = v.BindPFlag("persister", root.PersistentFlags().Lookup("persister"))
	_ = v.BindPFlag("file_path", root.PersistentFlags().Lookup("file-path"))
	_ = v.BindPFlag("redis_url", root.PersistentFlags().Lookup("redis-url"))
	_ = v.BindPFlag("redis_stream", root.PersistentFlags().Lookup("redis-stream"))
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(v, &configFile))
	root.AddCommand(newReplayCmd(v, &configFile))
	root.AddCommand(newFlipCmd(v, &configFile))
	return root
}

func loadConfig(v *viper.Viper, configFile *string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v, *configFile)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
	return cfg, log, nil
}

// openPersister builds the durable backend cfg.Persister names.
func openPersister(ctx context.Context, cfg config.Config) (persister.Persister, error) {
	switch cfg.Persister {
	case "memory":
		return persister.NewMemory(), nil
	case "file":
		return persisterfile.Open(cfg.FilePath)
	case "redis":
		return persisterredis.Open(ctx, cfg.RedisURL, cfg.RedisStream)
	default:
		return nil, fmt.Errorf("cmd/server: unknown persister backend %q", cfg.Persister)
	}
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage engine and serve the REST projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configFile)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper, configFile *string) error {
	cfg, log, err := loadConfig(v, configFile)
	if err != nil {
		return err
	}

	p, err := openPersister(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd/server: open persister: %w", err)
	}
	defer p.Close()

	m := metrics.New(nil)
	clk := clock.NewSystem()

	schema, err := demo.NewSchema(ctx, clk, p, m, log, cfg.Role == "master")
	if err != nil {
		return fmt.Errorf("cmd/server: build schema: %w", err)
	}

	srv := schema.BuildRESTServer("/api/v1")

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("role", cfg.Role).Msg("storage-engine: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("cmd/server: listen: %w", err)
	case <-quit:
	}

	log.Info().Msg("storage-engine: shutting down")
	srv.SwitchHTTPEndpointsTo503s()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cmd/server: forced shutdown: %w", err)
	}
	log.Info().Msg("storage-engine: stopped")
	return nil
}

func newReplayCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var fromIndex uint64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the persister's committed transaction log starting at --from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			p, err := openPersister(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("cmd/server: open persister: %w", err)
			}
			defer p.Close()
			return p.Iterate(cmd.Context(), fromIndex, func(rec persister.Record) (bool, error) {
				fmt.Printf("%d\t%d\t%s\n", rec.Index, rec.US, rec.Payload)
				return true, nil
			})
		},
	}
	cmd.Flags().Uint64Var(&fromIndex, "from", 0, "first index to print")
	return cmd
}

func newFlipCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "flip",
		Short: "Open the configured persister as a follower, replay it, and promote to master",
		Long: "flip demonstrates the promotion path spec.md §5 describes for a planned " +
			"failover: it replays the existing log as a follower, then calls FlipToMaster " +
			"before exiting. A long-running process would instead call Storage.FlipToMaster " +
			"on an already-serving follower in response to an operator signal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			p, err := openPersister(ctx, cfg)
			if err != nil {
				return fmt.Errorf("cmd/server: open persister: %w", err)
			}
			defer p.Close()

			schema, err := demo.NewSchema(ctx, clock.NewSystem(), p, metrics.NoOp(), log, false)
			if err != nil {
				return fmt.Errorf("cmd/server: build schema: %w", err)
			}
			if err := schema.Storage().FlipToMaster(); err != nil {
				return fmt.Errorf("cmd/server: flip to master: %w", err)
			}
			log.Info().Bool("is_master", schema.Storage().IsMaster()).Msg("storage-engine: flipped")
			return nil
		},
	}
}
