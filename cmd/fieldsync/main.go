package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luminarias/fieldsync/internal/app"
	"github.com/luminarias/fieldsync/internal/config"
	"github.com/luminarias/fieldsync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the viper instance the persistent flags are bound to.
type cli struct {
	v     *viper.Viper
	flags *pflag.FlagSet
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Operate the offline luminaria capture queue",
		Long: `fieldsync inspects and drives the local queue of luminaria captures: enqueue a capture
from image files, list what is pending, force a sync, dispatch a sync to a worker, export a
signed snapshot, and clean up synced or unwanted entries.`,
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	c.flags = flags
	flags.String("data-dir", "", "Directory holding the queue database (overrides FIELDSYNC_DATA_DIR)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("ephemeral", false, "Use an in-memory queue (testing only)")
	_ = c.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("ephemeral", flags.Lookup("ephemeral"))

	cmd.AddCommand(
		c.newCaptureCmd(),
		c.newListCmd(),
		c.newCountCmd(),
		c.newRetryInfoCmd(),
		c.newSyncCmd(),
		c.newDispatchCmd(),
		c.newExportCmd(),
		c.newVerifyCmd(),
		c.newPurgeCmd(),
		c.newDeleteCmd(),
	)
	return cmd
}

func (c *cli) config() (*config.Config, error) {
	cfg, err := config.LoadFrom(c.v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !c.flags.Changed("log-level") && os.Getenv("FIELDSYNC_LOG_LEVEL") == "" {
		// Keep the terminal readable unless the operator asks for more.
		cfg.LogLevel = "warn"
	}
	return cfg, nil
}

// open builds the shared components for one command invocation.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	log := logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		log = logging.New(cfg.LogLevel, cfg.LogFile)
	}
	return app.Build(ctx, cfg, log)
}
