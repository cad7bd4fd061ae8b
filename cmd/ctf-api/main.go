package main

import (
	"os"

	"github.com/diffye/ctf-backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ctf-api",
		Short: "CTF flag submission backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newPublishCommand(),
		newFingerprintCommand(),
		newTokenCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("db-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("db-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-url", "", "Postgres connection string (overrides env)")
	cmd.PersistentFlags().String("challenges-file", "", "Challenge definitions to publish at startup")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Additional log file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "db-driver")
	bindFlag(cmd, "database.path", "db-path")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "challenges.file", "challenges-file")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}
