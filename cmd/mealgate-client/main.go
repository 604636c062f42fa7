package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/client"
	"github.com/MarcoPoloResearchLab/mealgate/internal/config"
	"github.com/MarcoPoloResearchLab/mealgate/internal/logging"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const flushTimeout = 5 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mealgate",
		Short:         "Register mess meals against server-trusted cutoffs, online or offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newTimeCommand(),
		newCutoffCommand(),
		newMealCommand(),
		newMessageCommand(),
		newQueueCommand(),
		newRunCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Dotenv file to load (defaults to .env when present)")
	cmd.PersistentFlags().String("server", defaults.GetString("client.server_url"), "Server base URL")
	cmd.PersistentFlags().String("token", "", "Member bearer token (overrides env)")
	cmd.PersistentFlags().String("member-id", "", "Member identifier the token was issued for")
	cmd.PersistentFlags().String("state-dir", defaults.GetString("client.state_dir"), "Directory for the clock cache and action queue")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.server_url", "server")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.member_id", "member-id")
	bindFlag(cmd, "client.state_dir", "state-dir")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// withAgent starts an agent for a single command, runs fn and flushes whatever the
// command queued before shutting down.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, agent *client.Agent) error) error {
	settings, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewConsoleLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	stderr := cmd.ErrOrStderr()
	agent, err := client.NewAgent(client.AgentConfig{
		Settings: settings,
		OnDropped: func(action queue.QueuedAction, dropErr error) {
			fmt.Fprintf(stderr, "dropped %s after %d attempt(s): %v\n", action.Payload.Kind(), action.AttemptCount, dropErr)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx := cmd.Context()
	if err := agent.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, agent)
	if err := agent.Flush(ctx, flushTimeout); err != nil {
		logger.Warn("queue flush interrupted", zap.Error(err))
	}
	return runErr
}
