package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/auth"
	"github.com/MarcoPoloResearchLab/mealgate/internal/chat"
	"github.com/MarcoPoloResearchLab/mealgate/internal/config"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/database"
	"github.com/MarcoPoloResearchLab/mealgate/internal/logging"
	"github.com/MarcoPoloResearchLab/mealgate/internal/meals"
	"github.com/MarcoPoloResearchLab/mealgate/internal/members"
	"github.com/MarcoPoloResearchLab/mealgate/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mealgate-api",
		Short: "Mess meal registration and cutoff enforcement service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Member token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("morning-cutoff", defaults.GetInt("cutoff.morning_hour"), "Morning meal cutoff hour")
	cmd.PersistentFlags().Int("night-cutoff", defaults.GetInt("cutoff.night_hour"), "Night meal cutoff hour")
	cmd.PersistentFlags().String("timezone", defaults.GetString("cutoff.timezone"), "IANA zone the cutoff hours are evaluated in")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cutoff.morning_hour", "morning-cutoff")
	bindFlag(cmd, "cutoff.night_hour", "night-cutoff")
	bindFlag(cmd, "cutoff.timezone", "timezone")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var memberID, displayName string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Register a member and print a bearer token for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			db, err := database.OpenSQLite(appConfig.DatabasePath, zap.NewNop())
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			memberService, err := members.NewService(members.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			member, err := memberService.Register(cmd.Context(), memberID, displayName)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueMemberToken(cmd.Context(), member.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "member:     %s (%s)\n", member.ID, member.DisplayName)
			fmt.Fprintf(cmd.OutOrStdout(), "expires_in: %ds\n", expiresIn)
			fmt.Fprintf(cmd.OutOrStdout(), "token:      %s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&memberID, "member-id", "", "Member identifier")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name used in violation messages")
	_ = cmd.MarkFlagRequired("member-id")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	location, err := appConfig.Cutoff.Location()
	if err != nil {
		return err
	}
	policy, err := cutoff.NewPolicy(cutoff.Config{
		MorningHour: appConfig.Cutoff.MorningHour,
		NightHour:   appConfig.Cutoff.NightHour,
		Location:    location,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	memberService, err := members.NewService(members.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:  db,
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	enforcer, err := cutoff.NewEnforcer(cutoff.EnforcerConfig{
		Policy:  policy,
		Clock:   time.Now,
		Members: memberService,
		Sink:    chatService,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	mealService, err := meals.NewService(meals.ServiceConfig{
		Database: db,
		Gate:     enforcer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Enforcer:     enforcer,
		MealsService: mealService,
		ChatService:  chatService,
		Members:      memberService,
		Realtime:     dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// Live streams end when requestCtx is cancelled; Shutdown alone waits for them.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return requestCtx
		},
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("timezone", location.String()),
			zap.String("morning_cutoff", policy.CutoffLabel(cutoff.PeriodMorning)),
			zap.String("night_cutoff", policy.CutoffLabel(cutoff.PeriodNight)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		cancelRequests()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
