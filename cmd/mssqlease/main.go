// Package main is the mssqlease command line: run batches and stored
// procedures through a session pool, or serve pool metrics and health for a
// set of named connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mssqlease "github.com/joao-brasil/mssql-ease"
	"github.com/joao-brasil/mssql-ease/internal/config"
	"github.com/joao-brasil/mssql-ease/internal/coordinator"
)

const (
	exitError       = 1
	exitConfigError = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	v := viper.New()
	root := newRootCommand(v)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if mssqlease.IsConfigError(err) {
			os.Exit(exitConfigError)
		}
		os.Exit(exitError)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "mssqlease",
		Short: "Pooled SQL Server sessions from the command line",
		Long: `mssqlease runs SQL batches and stored procedures through a pooled
session, printing each row as a JSON object, or serves pool metrics and health
checks for the connections named in a configuration file.

The connection is an mssql:// URL or the name of a connection from --config.
It can also be given through the MSSQL_CONNECTION environment variable.`,
		Example: `  mssqlease query "SELECT * FROM Laureates" --connection mssql://ease:pw@localhost?database=Nobel
  mssqlease procedure usp_laureates --param year=Int:1903 --out total=Int
  mssqlease serve --config mssqlease.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("mssqlease version %s (commit %s)\n", version, gitCommit))

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to the YAML configuration file")
	flags.StringP("connection", "c", "", "mssql:// connection URL or a connection name from --config")
	flags.Int("pool-max", 0, "Override pool.max")
	flags.Duration("acquire-timeout", 0, "Override pool.acquire_timeout")

	v.SetEnvPrefix("MSSQLEASE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("connection", "MSSQL_CONNECTION", "MSSQLEASE_CONNECTION")

	root.AddCommand(newQueryCommand(v), newProcedureCommand(v), newServeCommand(v))
	return root
}

// ── Setup compartilhado ─────────────────────────────────────────────────

// loadSettings reads --config, or the defaults when none is given, and
// applies the flag overrides.
func loadSettings(v *viper.Viper) (*config.Config, error) {
	settings := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}
	if n := v.GetInt("pool-max"); n > 0 {
		settings.Pool.Max = n
		if settings.Pool.Min > n {
			settings.Pool.Min = n
		}
	}
	if d := v.GetDuration("acquire-timeout"); d > 0 {
		settings.Pool.AcquireTimeout = d
	}
	return settings, nil
}

// resolveConnection interprets s as a configured connection name first and
// as a connection URL otherwise.
func resolveConnection(settings *config.Config, s string) (mssqlease.Config, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return mssqlease.Config{}, errors.New("no connection given: use --connection or MSSQL_CONNECTION")
	}
	if cfg, ok := settings.Connection(s); ok {
		return cfg, nil
	}
	return mssqlease.ParseConnectionString(s)
}

// newManager builds the manager, wiring the Redis coordinator as the session
// limiter when enabled. The returned cleanup drains the manager and closes
// the coordinator.
func newManager(ctx context.Context, settings *config.Config) (*mssqlease.Manager, *coordinator.Coordinator, func(), error) {
	opts := settings.Pool
	opts.OnConnectionError = func(err error, sessionID uint64) {
		log.Printf("[main] connection error (session %d): %v", sessionID, err)
	}

	var coord *coordinator.Coordinator
	if settings.Coordinator.Enabled {
		c, err := coordinator.New(ctx, settings.Coordinator)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("starting coordinator: %w", err)
		}
		if c.IsFallback() {
			log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
		}
		coord = c
		opts.Limiter = c
	}

	m, err := mssqlease.New(opts)
	if err != nil {
		if coord != nil {
			_ = coord.Close(ctx)
		}
		return nil, nil, nil, err
	}

	drainTimeout := settings.Server.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	cleanup := func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := m.Drain(shutCtx); err != nil {
			log.Printf("[main] Drain error: %v", err)
		}
		if coord != nil {
			if err := coord.Close(shutCtx); err != nil {
				log.Printf("[main] Coordinator close error: %v", err)
			}
		}
	}
	return m, coord, cleanup, nil
}
