package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/agent"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/localstore"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/syncengine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cvsync-agent",
		Short:         "Keeps a device-local CV in sync with the CV API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newImportCommand(), newBackupCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-url", defaults.GetString("agent.api_url"), "CV API base URL")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database_path"), "Local SQLite database path")
	cmd.PersistentFlags().String("profile", defaults.GetString("agent.profile"), "Local profile name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("sync.debounce"), "Quiet period before a local edit is written")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("sync.poll_interval"), "How often the local database is checked for edits")

	bindFlag(cmd, "agent.api_url", "api-url")
	bindFlag(cmd, "agent.token", "token")
	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "agent.profile", "profile")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.debounce", "debounce")
	bindFlag(cmd, "sync.poll_interval", "poll-interval")
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

// localEnv is the device-local half of the agent shared by every command.
type localEnv struct {
	config config.AgentConfig
	logger *zap.Logger
	store  *localstore.Store
	close  func()
}

func openLocal() (*localEnv, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(agentConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenLocal(agentConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	store, err := localstore.Open(localstore.Config{
		Database: db,
		Profile:  agentConfig.Profile,
		Logger:   logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, err
	}
	return &localEnv{
		config: agentConfig,
		logger: logger,
		store:  store,
		close: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newSyncCommand() *cobra.Command {
	var (
		userID string
		prefer string
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local CV with the cloud and keep it in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openLocal()
			if err != nil {
				return err
			}
			defer env.close()
			if err := env.config.RequireRemote(); err != nil {
				return err
			}

			client, err := remote.New(remote.Config{
				BaseURL:    env.config.APIURL,
				Token:      env.config.Token,
				HTTPClient: &http.Client{Timeout: env.config.RequestTimeout},
				Logger:     env.logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			resolvedUser := strings.TrimSpace(userID)
			if resolvedUser == "" {
				current, err := client.CurrentUser(signalCtx)
				if err != nil {
					return fmt.Errorf("cannot determine user from token: %w", err)
				}
				resolvedUser = current.String()
			}

			syncAgent, err := agent.New(agent.Config{
				Store:             env.store,
				Remote:            client,
				QuietPeriod:       env.config.QuietPeriod,
				SuppressionWindow: env.config.SuppressionWindow,
				RequestTimeout:    env.config.RequestTimeout,
				PollInterval:      env.config.PollInterval,
				DefaultTitle:      env.config.DefaultTitle,
				Logger:            env.logger,
			})
			if err != nil {
				return err
			}
			defer syncAgent.Close()

			err = syncAgent.Sync(signalCtx, agent.SyncOptions{
				UserID: resolvedUser,
				Prefer: syncengine.Source(strings.ToLower(strings.TrimSpace(prefer))),
				Once:   once,
			})
			if errors.Is(err, agent.ErrUnresolvedConflict) {
				return fmt.Errorf("local and cloud versions differ; rerun with --prefer local or --prefer cloud")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to sign in as (defaults to the token's user)")
	cmd.Flags().StringVar(&prefer, "prefer", "", "Version kept when local and cloud differ (local or cloud)")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after reconciliation")
	return cmd
}

func newImportCommand() *cobra.Command {
	var (
		documentFile string
		settingsFile string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the local CV with a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openLocal()
			if err != nil {
				return err
			}
			defer env.close()

			payload, err := os.ReadFile(documentFile)
			if err != nil {
				return err
			}
			document, err := cv.DecodeDocument(string(payload))
			if err != nil {
				return fmt.Errorf("invalid document %s: %w", documentFile, err)
			}
			env.store.SetDocument(document)

			if settingsFile != "" {
				rawSettings, err := os.ReadFile(settingsFile)
				if err != nil {
					return err
				}
				var settings cv.Settings
				if err := json.Unmarshal(rawSettings, &settings); err != nil {
					return fmt.Errorf("invalid settings %s: %w", settingsFile, err)
				}
				env.store.SetSettings(settings)
			}

			env.logger.Info("local cv imported",
				zap.String("profile", env.store.Profile()),
				zap.String("file", documentFile))
			return nil
		},
	}
	cmd.Flags().StringVar(&documentFile, "file", "", "Path to the CV document JSON")
	cmd.Flags().StringVar(&settingsFile, "settings", "", "Optional path to a settings JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type backupOutput struct {
	Reason          string      `json:"reason"`
	DiscardedSource string      `json:"discardedSource"`
	Timestamp       time.Time   `json:"timestamp"`
	Data            cv.Document `json:"data"`
}

func newBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Print the version discarded by the last conflict resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openLocal()
			if err != nil {
				return err
			}
			defer env.close()

			backup, ok, err := env.store.LoadBackup()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "no backup stored")
				return nil
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(backupOutput{
				Reason:          backup.Reason,
				DiscardedSource: string(backup.DiscardedSource),
				Timestamp:       backup.Timestamp,
				Data:            backup.Data,
			})
		},
	}
}
