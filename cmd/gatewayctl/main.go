// Command gatewayctl is the operator CLI: migrations, credential pool management, model sync, usage resets and
// diagnostics against the same configuration gatewayd reads.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/database"
	"github.com/zhijun2003/QingyunAI/internal/logging"
	"github.com/zhijun2003/QingyunAI/internal/redisclient"
)

type globalFlags struct {
	configFile string
	envFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operate the Qingyun AI gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "path to gateway.yaml")
	root.PersistentFlags().StringVarP(&flags.envFile, "env", "e", "", "path to a .env file")

	root.AddCommand(
		newMigrateCmd(flags),
		newKeysCmd(flags),
		newModelsCmd(flags),
		newUsageCmd(flags),
		newBalanceCmd(flags),
		newVaultCmd(flags),
		newTokenCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

func (f *globalFlags) load() (*config.Config, error) {
	return config.Load(config.Options{ConfigFile: f.configFile, EnvFile: f.envFile})
}

// withContainer connects to Postgres and Redis, builds the container and runs fn. Background jobs are not
// started.
func (f *globalFlags) withContainer(ctx context.Context, fn func(*app.Container) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	db, err := database.OpenGorm(pool, cfg.Database, logger)
	if err != nil {
		return err
	}

	redisClient := redisclient.New(cfg.Redis)
	defer redisClient.Close()
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		return err
	}

	container, err := app.NewContainer(ctx, cfg, app.Resources{
		DBPool: pool,
		DB:     db,
		Redis:  redisClient,
		Logger: logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
	})
	if err != nil {
		return err
	}
	defer func() { _ = container.Close(ctx) }()
	return fn(container)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
