// Package cmd defines the harvester command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pom-harvester/internal/app"
	"github.com/JakeFAU/pom-harvester/internal/config"
	"github.com/JakeFAU/pom-harvester/internal/harvest"
	pgstore "github.com/JakeFAU/pom-harvester/internal/storage/postgres"
)

// Runner is the application surface the commands drive.
type Runner interface {
	Harvest(ctx context.Context) (harvest.RunSummary, error)
	Status(ctx context.Context) (pgstore.Stats, error)
	EnsureSchema(ctx context.Context) error
	Logger() *zap.Logger
	Close(ctx context.Context)
}

// BuildFunc constructs a Runner from loaded configuration.
type BuildFunc func(ctx context.Context, cfg config.Config) (Runner, error)

func buildApp(ctx context.Context, cfg config.Config) (Runner, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return a, nil
}

// cli carries state shared between the root hooks and subcommands.
type cli struct {
	cfgFile string
	build   BuildFunc
	runner  Runner
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pom-harvester",
		Short: "Harvests Maven descriptor documents into Postgres.",
		Long: `pom-harvester finds every artifact version recorded in Postgres that has
no stored descriptor yet, fetches it from a Maven repository mirror
(HTTP, GCS or S3) and writes the raw document back in batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flag parsing and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyOverrides(cmd, &cfg); err != nil {
				return err
			}
			runner, err := c.build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.runner = runner
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newHarvestCmd(c), newStatusCmd(c), newSchemaCmd(c))
	return cmd
}

// applyOverrides copies explicitly set harvest flags over the loaded config.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := false
	if f := flags.Lookup("workers"); f != nil && f.Changed {
		n, err := flags.GetInt("workers")
		if err != nil {
			return fmt.Errorf("read --workers: %w", err)
		}
		cfg.Harvester.Workers = n
		changed = true
	}
	if f := flags.Lookup("batch-size"); f != nil && f.Changed {
		n, err := flags.GetInt("batch-size")
		if err != nil {
			return fmt.Errorf("read --batch-size: %w", err)
		}
		cfg.Harvester.BatchSize = n
		changed = true
	}
	if f := flags.Lookup("metrics-addr"); f != nil && f.Changed {
		addr, err := flags.GetString("metrics-addr")
		if err != nil {
			return fmt.Errorf("read --metrics-addr: %w", err)
		}
		cfg.Metrics.Addr = addr
		changed = true
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
	}
	return nil
}

func (c *cli) resolve() (Runner, error) {
	if c.runner == nil {
		return nil, errors.New("application services not initialized")
	}
	return c.runner, nil
}

// run executes args and reports failure as a single log line. It returns the
// process exit code.
func run(ctx context.Context, c *cli, args []string, stderr io.Writer) int {
	root := newRootCmd(c)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	if err != nil {
		if c.runner != nil {
			c.runner.Logger().Error("harvester failed", zap.Error(err))
		} else {
			fmt.Fprintf(stderr, "harvester failed: %v\n", err)
		}
	}
	if c.runner != nil {
		c.runner.Close(context.WithoutCancel(ctx))
	}
	if err != nil {
		return 1
	}
	return 0
}

// Execute runs the root command with OS arguments and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, &cli{build: buildApp}, os.Args[1:], os.Stderr)
}
